package encrypted

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf/keymgmt"
)

// LoadRootKey reads the root key from a PEM key file.
func LoadRootKey(path string) (keymgmt.RootKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("encrypted: read key file: %w", err)
	}
	store, err := keymgmt.LoadPEM(data)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("encrypted: load key file %s: %w", path, err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("encrypted: read root key: %w", err)
	}
	if !ok {
		return keymgmt.RootKey{}, fmt.Errorf("encrypted: key file %s has no root key", path)
	}
	return root, nil
}

// GenerateKeyFile writes a PEM key file holding a new root key. An existing
// file is left alone unless force is set.
func GenerateKeyFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("encrypted: key file %s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("encrypted: stat key file: %w", err)
		}
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(nil, &out)
	if err != nil {
		return fmt.Errorf("encrypted: init key store: %w", err)
	}
	if _, err := store.EnsureRootKey(); err != nil {
		return fmt.Errorf("encrypted: ensure root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return fmt.Errorf("encrypted: commit key material: %w", err)
	}
	if len(out) == 0 {
		if out, err = store.Bytes(); err != nil {
			return fmt.Errorf("encrypted: serialize key material: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("encrypted: create key dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("encrypted: write key file: %w", err)
	}
	return nil
}
