package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tradeclaw/internal/app"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	var shutdown time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator, schedulers and chat/HTTP surfaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdown)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdown)
			defer stopCancel()
			return a.Stop(stopCtx, reason)
		},
	}
	cmd.Flags().DurationVar(&shutdown, "shutdown-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
