// Package main provides compliancectl, the operator CLI for retention
// cleanup, integrity sweeps and the ledger event stream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/app"
	"github.com/drfirst/go-rxcompliance/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOpts are the persistent flags shared by every command.
type globalOpts struct {
	envFile string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:          "compliancectl",
		Short:        "Operate the pharmacy compliance ledger",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional env file with configuration")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log at info level")

	root.AddCommand(cleanupCmd(opts))
	root.AddCommand(sweepCmd(opts))
	root.AddCommand(policiesCmd(opts))
	root.AddCommand(topicsCmd(opts))
	root.AddCommand(streamCmd(opts))
	return root
}

func (o *globalOpts) logger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if !o.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (o *globalOpts) config() (*config.Config, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o *globalOpts) app(ctx context.Context) (*app.App, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, nil, o.logger())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
