package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxcompliance/internal/retention"
)

func cleanupCmd(opts *globalOpts) *cobra.Command {
	var (
		dryRun   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Archive or mark expired records",
		Long: "Runs retention cleanup once and prints the report. With --interval it\n" +
			"keeps running on that schedule until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := opts.app(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if interval <= 0 {
				report, err := a.Retention.RunCleanup(ctx, dryRun)
				if report != nil {
					if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
						return perr
					}
				}
				return err
			}

			if dryRun {
				return errors.New("--dry-run cannot be combined with --interval")
			}
			scheduler := retention.NewScheduler(a.Retention, interval, a.Logger)
			scheduler.Start()
			<-ctx.Done()
			scheduler.Stop()

			if report, err := scheduler.Last(); report != nil {
				_ = printJSON(cmd.OutOrStdout(), report)
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be archived without writing")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Run repeatedly at this interval")
	return cmd
}

func policiesCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List the effective retention policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLASS\tYEARS\tREGULATION")
			for _, p := range a.Policies.All() {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", p.Class, p.Years, p.Regulation)
			}
			return tw.Flush()
		},
	}
}
