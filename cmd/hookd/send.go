package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-command/hookd/internal/config"
	"github.com/agent-command/hookd/internal/hookclient"
)

var (
	sendSocket  string
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one hook event read from stdin and print the decision",
	Long: `send is meant to be installed as an agent hook. It forwards the JSON event on
stdin to the running hookd and prints the decision object, if any, to stdout.
Nothing is printed when hookd answers without a decision.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		socket := sendSocket
		if socket == "" {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			socket = cfg.Server.SocketPath
		}

		msg, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		if !json.Valid(msg) {
			return errors.New("stdin is not a JSON object")
		}

		ctx := cmd.Context()
		if sendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, sendTimeout)
			defer cancel()
		}

		dec, err := hookclient.SendRaw(ctx, socket, msg)
		if errors.Is(err, hookclient.ErrNoDecision) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err := dec.Encode()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendSocket, "socket", "", "socket path (defaults to the configured one)")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "give up waiting after this long (0 waits for hookd)")
}
