package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxcompliance/internal/auditstream"
	"github.com/drfirst/go-rxcompliance/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
)

func topicsCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the ledger event stream topics",
	}

	withAdmin := func(cmd *cobra.Command, fn func(ctx context.Context, admin *redpanda.Admin) error) error {
		cfg, err := opts.config()
		if err != nil {
			return err
		}
		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, opts.logger())
		if err != nil {
			return err
		}
		defer admin.Close()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return fn(ctx, admin)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create any missing ledger topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				if err := admin.EnsureTopics(ctx, cfg.KafkaReplicationFactor); err != nil {
					return err
				}
				names, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "describe TOPIC",
		Short: "Show partition leaders and replicas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				details, err := admin.DescribeTopic(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), details)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lag GROUP",
		Short: "Show consumer group lag per partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				lag, err := admin.ConsumerGroupLag(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lag)
			})
		},
	})
	return cmd
}

func streamCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Inspect the ledger event stream",
	}

	var (
		group    string
		duration time.Duration
	)
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Consume the ledger topics and re-verify every entry",
		Long: "Consumes audit.trail and prescription.audit, recomputing each entry's\n" +
			"fingerprint. Runs until interrupted or --duration elapses, then prints\n" +
			"the report. Exits non-zero when a violation was seen.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			logger := opts.logger()
			m := metrics.New(nil)
			verifier := auditstream.NewVerifier(m, logger)

			consumerCfg := redpanda.DefaultConsumerConfig()
			consumerCfg.Brokers = cfg.KafkaBrokers
			consumerCfg.GroupID = group
			consumer, err := redpanda.NewConsumer(consumerCfg, verifier.Handle, m, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			consumer.Start()
			<-ctx.Done()
			if err := consumer.Stop(); err != nil {
				return err
			}

			report := verifier.Report()
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if len(report.Violations) > 0 {
				return fmt.Errorf("%d integrity violations in the stream", len(report.Violations))
			}
			return nil
		},
	}
	verify.Flags().StringVar(&group, "group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group id")
	verify.Flags().DurationVar(&duration, "duration", 0, "Stop after this long")
	cmd.AddCommand(verify)
	return cmd
}
