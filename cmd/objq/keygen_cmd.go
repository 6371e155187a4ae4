package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/objq"
	"pkt.systems/objq/internal/storage/encrypted"
)

const defaultKeyFileName = "storage.pem"

func newKeygenCommand() *cobra.Command {
	var outPath string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a storage encryption key file",
		Long:  "Generate a kryptograf root key for --storage-key-file. Losing the key makes every encrypted object unreadable.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				dir, err := objq.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultKeyFileName)
			}
			path, err := expandPath(outPath)
			if err != nil {
				return fmt.Errorf("expand key path: %w", err)
			}
			if err := encrypted.GenerateKeyFile(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote storage key to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output path (defaults to $HOME/.objq/"+defaultKeyFileName+")")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
