// Package app wires the compliance components from configuration. Both the
// API server and the operator CLI build on it.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/config"
	"github.com/drfirst/go-rxcompliance/internal/directory"
	"github.com/drfirst/go-rxcompliance/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcompliance/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/lifecycle"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
	"github.com/drfirst/go-rxcompliance/internal/retention"
	"github.com/drfirst/go-rxcompliance/internal/storage"
	"github.com/drfirst/go-rxcompliance/internal/storage/memory"
	"github.com/drfirst/go-rxcompliance/pkg/circuitbreaker"
)

// App holds the wired components.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Pool is nil for the memory store.
	Pool      *pgxpool.Pool
	Store     storage.Store
	Directory directory.Directory
	Breakers  *circuitbreaker.Manager
	Policies  *retention.Policies

	Ledger    *ledger.Ledger
	Lifecycle *lifecycle.Service
	Retention *retention.Engine
	Sweeper   *ledger.Sweeper
}

// New builds every component for cfg. With STORE=memory the directory is an
// empty in-process one, which development seeds itself.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	a := &App{Config: cfg, Logger: logger, Metrics: m}

	var (
		dir      directory.Directory
		policies *retention.Policies
	)
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		store := postgres.NewStore(pool, postgres.StoreConfig{Topics: redpanda.LedgerTopics()}, logger)
		if policies, err = store.LoadRetentionPolicies(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("load retention policies: %w", err)
		}
		a.Pool = pool
		a.Store = store
		dir = postgres.NewDirectory(pool)
	case config.StoreMemory:
		a.Store = memory.New()
		dir = directory.NewMemory()
		policies = retention.DefaultPolicies()
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	policies, err := policies.WithYears(cfg.RetentionYears)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("apply retention overrides: %w", err)
	}
	a.Policies = policies

	breakers := circuitbreaker.NewManager(directory.BreakerConfig(m), logger)
	guarded, err := directory.NewBreaker(dir, breakers)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("directory breaker: %w", err)
	}
	a.Directory = guarded
	a.Breakers = breakers

	engineCfg := compliance.DefaultConfig()
	engineCfg.MaxDailyUnits = cfg.MaxDailyUnits

	a.Ledger = ledger.New(a.Store, policies, m, logger)
	a.Lifecycle = lifecycle.New(a.Store, a.Directory, compliance.NewEngine(engineCfg), a.Ledger, m, logger)
	a.Retention = retention.NewEngine(a.Store, policies, a.Ledger,
		retention.Config{BatchSize: cfg.RetentionBatchSize}, m, logger)

	sweepCfg := ledger.DefaultSweeperConfig()
	sweepCfg.Pool.Workers = cfg.SweepWorkers
	a.Sweeper = ledger.NewSweeper(a.Ledger, sweepCfg, logger)

	return a, nil
}

// Ready pings the database when there is one and fails while any directory
// lookup breaker is open.
func (a *App) Ready(ctx context.Context) error {
	if a.Pool != nil {
		if err := a.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.Breakers == nil {
		return nil
	}
	var open []string
	for _, st := range a.Breakers.HealthStatus() {
		if st.State == circuitbreaker.StateOpen {
			open = append(open, st.Name)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %s", circuitbreaker.ErrOpen, strings.Join(open, ", "))
	}
	return nil
}

// Close releases the store.
func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
}
