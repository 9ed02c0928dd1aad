// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drfirst/go-rxcompliance/internal/ledger"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the merged process configuration.
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers           []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaReplicationFactor int16         `mapstructure:"KAFKA_REPLICATION_FACTOR"`
	OutboxPollInterval     time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize        int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxRetries       int           `mapstructure:"OUTBOX_MAX_RETRIES"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	RetentionBatchSize int           `mapstructure:"RETENTION_BATCH_SIZE"`
	RetentionInterval  time.Duration `mapstructure:"RETENTION_INTERVAL"`
	// RetentionYears overrides policy years per class, read from
	// RETENTION_YEARS_<CLASS>.
	RetentionYears map[ledger.RetentionClass]int `mapstructure:"-"`

	MaxDailyUnits   float64       `mapstructure:"MAX_DAILY_UNITS"`
	SweepWorkers    int           `mapstructure:"SWEEP_WORKERS"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var retentionClasses = []ledger.RetentionClass{
	ledger.ClassHIPAAAudit,
	ledger.ClassDEAAudit,
	ledger.ClassFinancialAudit,
	ledger.ClassSystemLog,
	ledger.ClassGeneralAudit,
	ledger.ClassPrescriptionRecord,
	ledger.ClassComplianceVerdict,
}

func retentionKey(c ledger.RetentionClass) string {
	return "RETENTION_YEARS_" + strings.ToUpper(string(c))
}

// Load reads configuration. envFile may be empty; a missing file is not an
// error.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_REPLICATION_FACTOR", 1)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("RETENTION_BATCH_SIZE", 500)
	v.SetDefault("RETENTION_INTERVAL", "24h")
	v.SetDefault("MAX_DAILY_UNITS", 12)
	v.SetDefault("SWEEP_WORKERS", 4)
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")

	// Unmarshal only sees env values for keys viper already knows about.
	for _, key := range []string{
		"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"KAFKA_BROKERS", "KAFKA_REPLICATION_FACTOR", "OUTBOX_POLL_INTERVAL",
		"OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRIES", "OTLP_ENDPOINT",
		"TRACE_SAMPLE_RATE", "RETENTION_BATCH_SIZE", "RETENTION_INTERVAL",
		"MAX_DAILY_UNITS", "SWEEP_WORKERS", "SHUTDOWN_TIMEOUT",
	} {
		_ = v.BindEnv(key)
	}
	for _, c := range retentionClasses {
		_ = v.BindEnv(retentionKey(c))
	}

	if envFile != "" {
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// A comma-separated env value arrives as a single element.
	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = strings.Split(cfg.KafkaBrokers[0], ",")
	}
	for i, b := range cfg.KafkaBrokers {
		cfg.KafkaBrokers[i] = strings.TrimSpace(b)
	}

	cfg.RetentionYears = map[ledger.RetentionClass]int{}
	for _, c := range retentionClasses {
		key := retentionKey(c)
		if v.IsSet(key) {
			cfg.RetentionYears[c] = v.GetInt(key)
		}
	}

	return cfg, nil
}

// IsDev reports whether the process runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration can be run.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE=postgres")
		}
	case StoreMemory:
		if !c.IsDev() {
			return errors.New("STORE=memory is only allowed with ENV=development")
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RetentionBatchSize <= 0 {
		return fmt.Errorf("RETENTION_BATCH_SIZE must be positive, got %d", c.RetentionBatchSize)
	}
	if c.RetentionInterval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL must be positive, got %s", c.RetentionInterval)
	}
	for class, years := range c.RetentionYears {
		if years <= 0 {
			return fmt.Errorf("%s must be positive, got %d", retentionKey(class), years)
		}
	}
	if c.MaxDailyUnits <= 0 {
		return fmt.Errorf("MAX_DAILY_UNITS must be positive, got %v", c.MaxDailyUnits)
	}
	if c.SweepWorkers <= 0 {
		return fmt.Errorf("SWEEP_WORKERS must be positive, got %d", c.SweepWorkers)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %v", c.TraceSampleRate)
	}
	return nil
}
