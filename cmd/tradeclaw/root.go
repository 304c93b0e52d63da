package main

import (
	"github.com/spf13/cobra"

	"tradeclaw/internal/app"
	"tradeclaw/internal/config"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	rootCmd := &cobra.Command{
		Use:           "tradeclaw",
		Short:         "tradeclaw: agent sessions, cron jobs and heartbeat for trading research",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config json/yaml")

	load := func() (*config.Config, error) {
		return app.NewConfigManager(cfgPath).Load()
	}

	rootCmd.AddCommand(
		newRunCmd(&cfgPath),
		newValidateCmd(load),
		newJobsCmd(load),
	)
	return rootCmd
}
