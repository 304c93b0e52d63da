package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tradeclaw/internal/app"
	"tradeclaw/internal/config"
)

func newJobsCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		all    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List persisted cron jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			jobs, err := app.ListJobs(cmd.Context(), cfg, all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}
			if len(jobs) == 0 {
				_, err := fmt.Fprintln(out, "no jobs")
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSCHEDULE\tTARGET\tENABLED\tNEXT RUN")
			for _, j := range jobs {
				next := "-"
				if !j.NextRunAt.IsZero() {
					next = j.NextRunAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n", j.ID, j.Name, j.Schedule.Describe(), j.SessionTarget, j.Enabled, next)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include disabled jobs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
