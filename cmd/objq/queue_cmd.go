package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/objq"
	objqclient "pkt.systems/objq/client"
)

const (
	clientServerKey  = "server"
	clientAccountKey = "account"
	clientTimeoutKey = "timeout"

	envCorrelation     = "OBJQ_CORRELATION_ID"
	envQueueName       = "OBJQ_QUEUE_NAME"
	envQueueMessageID  = "OBJQ_QUEUE_MESSAGE_ID"
	envQueueClaimKey   = "OBJQ_QUEUE_CLAIM_KEY"
	envQueueExpires    = "OBJQ_QUEUE_EXPIRES_AT"
	envQueuePayload    = "OBJQ_QUEUE_PAYLOAD_PATH"
	envQueueAccount    = "OBJQ_QUEUE_ACCOUNT"
	defaultAccountName = "default"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Interact with queues on a running objq server",
	}
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", objq.DefaultServerURL, "objq server base URL (http://, https:// or unix:///path)")
	flags.StringP("account", "a", defaultAccountName, "account owning the queues")
	flags.Duration("timeout", objq.DefaultClientTimeout, "HTTP client timeout")
	for _, key := range []string{clientServerKey, clientAccountKey, clientTimeoutKey} {
		if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			panic(err)
		}
	}
	cmd.AddCommand(
		newQueueCreateCommand(),
		newQueueListCommand(),
		newQueueEnqueueCommand(),
		newQueueClaimCommand(),
		newQueueGetCommand(),
		newQueueAckCommand(),
	)
	return cmd
}

func queueClient() (*objqclient.Client, string, error) {
	account := strings.TrimSpace(viper.GetString(clientAccountKey))
	if account == "" {
		return nil, "", fmt.Errorf("--account is required")
	}
	cli, err := objqclient.New(viper.GetString(clientServerKey), objqclient.WithHTTPTimeout(viper.GetDuration(clientTimeoutKey)))
	if err != nil {
		return nil, "", err
	}
	return cli, account, nil
}

func commandContextWithCorrelation(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if env := strings.TrimSpace(os.Getenv(envCorrelation)); env != "" {
		if withID := objqclient.WithCorrelationID(ctx, env); objqclient.CorrelationIDFromContext(withID) != "" {
			return withID
		}
	}
	return objqclient.WithCorrelationID(ctx, objqclient.GenerateCorrelationID())
}

func requireArg(name, raw string) (string, error) {
	val := strings.TrimSpace(raw)
	if val == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return val, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newQueueCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <queue>",
		Short: "Create a queue (no-op when it exists)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, err := requireArg("queue", args[0])
			if err != nil {
				return err
			}
			cli, account, err := queueClient()
			if err != nil {
				return err
			}
			if err := cli.CreateQueue(commandContextWithCorrelation(cmd), account, queueName); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s/%s ready\n", account, queueName)
			return nil
		},
	}
}

func newQueueListCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queues in the account",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, account, err := queueClient()
			if err != nil {
				return err
			}
			names, err := cli.ListQueues(commandContextWithCorrelation(cmd), account)
			if err != nil {
				return err
			}
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"account": account, "queues": names})
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newQueueEnqueueCommand() *cobra.Command {
	var data string
	var payloadFile string
	var contentType string
	var output string
	cmd := &cobra.Command{
		Use:   "enqueue <queue>",
		Short: "Enqueue a message from --data, --file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, err := requireArg("queue", args[0])
			if err != nil {
				return err
			}
			if data != "" && payloadFile != "" {
				return fmt.Errorf("--data and --file are mutually exclusive")
			}
			var body io.Reader
			switch {
			case data != "":
				body = strings.NewReader(data)
			case payloadFile != "" && payloadFile != "-":
				f, err := os.Open(payloadFile)
				if err != nil {
					return fmt.Errorf("open payload: %w", err)
				}
				defer f.Close()
				body = f
			default:
				body = cmd.InOrStdin()
			}
			cli, account, err := queueClient()
			if err != nil {
				return err
			}
			id, err := cli.Enqueue(commandContextWithCorrelation(cmd), account, queueName, body, objqclient.EnqueueOptions{ContentType: contentType})
			if err != nil {
				return err
			}
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"account": account, "queue": queueName, "message_id": id})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "export %s=%q\n", envQueueName, queueName)
			fmt.Fprintf(out, "export %s=%q\n", envQueueMessageID, id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "message payload")
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "read payload from file (- for stdin)")
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "payload content type")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newQueueClaimCommand() *cobra.Command {
	var lease time.Duration
	var wait time.Duration
	var payloadOut string
	var output string
	cmd := &cobra.Command{
		Use:   "claim <queue>",
		Short: "Claim the oldest available message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, err := requireArg("queue", args[0])
			if err != nil {
				return err
			}
			cli, account, err := queueClient()
			if err != nil {
				return err
			}
			msg, found, err := cli.ClaimNext(commandContextWithCorrelation(cmd), account, queueName, objqclient.ClaimOptions{Lease: lease, Wait: wait})
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintln(cmd.ErrOrStderr(), "no message available")
				return nil
			}
			return writeClaimed(cmd, msg, payloadOut, outputMode(strings.ToLower(output)))
		},
	}
	cmd.Flags().DurationVar(&lease, "lease", 0, "claim lease (default server setting)")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "time to wait for a message to become available")
	cmd.Flags().StringVar(&payloadOut, "payload-out", "", "write payload to file (default temp file, - for stdout)")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newQueueGetCommand() *cobra.Command {
	var lease time.Duration
	var payloadOut string
	var output string
	cmd := &cobra.Command{
		Use:   "get <queue> <message-id>",
		Short: "Claim a specific message by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, err := requireArg("queue", args[0])
			if err != nil {
				return err
			}
			id, err := requireArg("message id", args[1])
			if err != nil {
				return err
			}
			cli, account, err := queueClient()
			if err != nil {
				return err
			}
			msg, err := cli.ClaimByID(commandContextWithCorrelation(cmd), account, queueName, id, objqclient.ClaimOptions{Lease: lease})
			if err != nil {
				return err
			}
			return writeClaimed(cmd, msg, payloadOut, outputMode(strings.ToLower(output)))
		},
	}
	cmd.Flags().DurationVar(&lease, "lease", 0, "claim lease (default server setting)")
	cmd.Flags().StringVar(&payloadOut, "payload-out", "", "write payload to file (default temp file, - for stdout)")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newQueueAckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ack <queue> <message-id>",
		Aliases: []string{"delete"},
		Short:   "Acknowledge (delete) a message",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, err := requireArg("queue", args[0])
			if err != nil {
				return err
			}
			id, err := requireArg("message id", args[1])
			if err != nil {
				return err
			}
			cli, account, err := queueClient()
			if err != nil {
				return err
			}
			deleted, err := cli.Acknowledge(commandContextWithCorrelation(cmd), account, queueName, id)
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Fprintf(cmd.ErrOrStderr(), "message %s already deleted\n", id)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %s\n", id)
			return nil
		},
	}
	return cmd
}

// writeClaimed stores the payload and prints the claim summary. With
// --payload-out - the payload goes to stdout and the summary is skipped.
func writeClaimed(cmd *cobra.Command, msg *objqclient.Message, payloadOut string, mode outputMode) error {
	if payloadOut == "-" {
		_, err := cmd.OutOrStdout().Write(msg.Body)
		return err
	}
	payloadPath := payloadOut
	if payloadPath == "" {
		f, err := os.CreateTemp("", "objq-message-*.bin")
		if err != nil {
			return fmt.Errorf("create temp payload file: %w", err)
		}
		payloadPath = f.Name()
		if _, err := f.Write(msg.Body); err != nil {
			f.Close()
			return fmt.Errorf("write payload: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close payload file: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "payload written to %s\n", payloadPath)
	} else if err := os.WriteFile(payloadPath, msg.Body, 0o600); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	if mode == outputJSON {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"account":              msg.Account,
			"queue":                msg.Queue,
			"message_id":           msg.ID,
			"claim_key":            msg.ClaimKey,
			"expires_at":           msg.ExpiresAt.Format(time.RFC3339Nano),
			"enqueued_at":          msg.EnqueuedAt.Format(time.RFC3339Nano),
			"payload_path":         payloadPath,
			"payload_content_type": msg.ContentType,
			"payload_bytes":        len(msg.Body),
		})
	}
	exports := []struct{ name, value string }{
		{name: envQueueAccount, value: msg.Account},
		{name: envQueueName, value: msg.Queue},
		{name: envQueueMessageID, value: msg.ID},
		{name: envQueueClaimKey, value: msg.ClaimKey},
		{name: envQueueExpires, value: msg.ExpiresAt.Format(time.RFC3339Nano)},
		{name: envQueuePayload, value: payloadPath},
	}
	out := cmd.OutOrStdout()
	for _, e := range exports {
		if e.value == "" {
			continue
		}
		fmt.Fprintf(out, "export %s=%q\n", e.name, e.value)
	}
	return nil
}
