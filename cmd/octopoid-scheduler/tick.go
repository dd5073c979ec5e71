package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run exactly one scheduler tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			result, err := a.Scheduler.Tick(context.Background())
			if err != nil {
				// Runtime errors don't fail the tick — the next tick
				// retries. Only configuration failures (handled above)
				// exit nonzero.
				fmt.Fprintln(cmd.ErrOrStderr(), errorStyle("tick: "+err.Error()))
				return nil
			}
			if result.Skipped != "" {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle("tick skipped: "+result.Skipped))
				return nil
			}
			printTickResult(cmd, result)
			return nil
		},
	}
}
