package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefionn/pilink/internal/agentclient"
	"github.com/codefionn/pilink/internal/logger"
	"github.com/codefionn/pilink/internal/outbox"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage queued prompts",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued prompts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ob, err := openOutbox(cmd)
		if err != nil {
			return err
		}
		defer ob.Close()

		msgs, err := ob.GetAll(cmd.Context())
		if err != nil {
			return err
		}
		writeOutbox(cmd.OutOrStdout(), msgs, time.Now())
		return nil
	},
}

var outboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every queued prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ob, err := openOutbox(cmd)
		if err != nil {
			return err
		}
		defer ob.Close()

		n, err := ob.Clear(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d message(s)\n", n)
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a failed prompt so the next sync delivers it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ob, err := openOutbox(cmd)
		if err != nil {
			return err
		}
		defer ob.Close()

		if err := ob.Retry(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, outbox.ErrNotFound) {
				return fmt.Errorf("no queued message %s", args[0])
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s will be retried\n", args[0])
		return nil
	},
}

func init() {
	outboxCmd.AddCommand(outboxListCmd, outboxClearCmd, outboxRetryCmd)
}

func openOutbox(cmd *cobra.Command) (*outbox.Outbox, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := initLogger(cfg); err != nil {
		return nil, err
	}
	store, err := agentclient.OpenStore(cfg.Outbox)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	return outbox.New(store, outbox.WithLogger(logger.Global().WithPrefix("outbox"))), nil
}
