package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tradeclaw/internal/config"
)

func newValidateCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d channels, cron enabled=%v, heartbeat enabled=%v\n",
				len(cfg.Channels), cfg.Cron.IsEnabled(), cfg.Heartbeat.Enabled)
			return err
		},
	}
}
