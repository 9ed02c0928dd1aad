// Package main provides the compliance API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/api"
	"github.com/drfirst/go-rxcompliance/internal/app"
	"github.com/drfirst/go-rxcompliance/internal/config"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
	"github.com/drfirst/go-rxcompliance/internal/observability/tracing"
	"github.com/drfirst/go-rxcompliance/internal/retention"
)

const serviceName = "compliance-api"

func main() {
	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	if cfg.IsDev() {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	a, err := app.New(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()
	logger.Info("store ready", zap.String("store", cfg.Store))

	scheduler := retention.NewScheduler(a.Retention, cfg.RetentionInterval, logger)
	scheduler.Start()

	router := api.NewRouter(api.Deps{
		ServiceName: serviceName,
		Ledger:      a.Ledger,
		Lifecycle:   a.Lifecycle,
		Store:       a.Store,
		Retention:   a.Retention,
		Metrics:     m,
		Logger:      logger,
		Ready:       a.Ready,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting compliance API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}
