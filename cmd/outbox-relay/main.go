// Package main provides the outbox relay service entry point.
// It publishes committed ledger entries from the outbox table to Redpanda.
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

	"github.com/drfirst/go-rxcompliance/internal/config"
	"github.com/drfirst/go-rxcompliance/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcompliance/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
	"github.com/drfirst/go-rxcompliance/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"
	// processedRetention is how long published outbox rows are kept.
	processedRetention = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if cfg.Store != config.StorePostgres || cfg.DatabaseURL == "" {
		logger.Fatal("outbox relay requires STORE=postgres and DATABASE_URL")
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
	defer tp.Shutdown(context.Background())

	m := metrics.New(prometheus.DefaultRegisterer)

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx, cfg.KafkaReplicationFactor); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	// Create outbox processor
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outboxCfg.MaxRetries = cfg.OutboxMaxRetries
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)

	outbox.Start()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	go cleanupLoop(cleanupCtx, outbox, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopCleanup()
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	stats := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("errors", stats.ErrorCount))
}

// cleanupLoop prunes published outbox rows once an hour.
func cleanupLoop(ctx context.Context, outbox *postgres.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := outbox.CleanupProcessed(ctx, processedRetention)
			if err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned published outbox rows", zap.Int64("rows", n))
			}
		}
	}
}
