package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/ledger"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
)

// OutboxEntry is a ledger entry waiting to be published.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the relay.
type OutboxConfig struct {
	// BatchSize is the number of entries published per poll.
	BatchSize int
	// PollInterval is how often to poll for new entries.
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is
	// moved to the dead letter topic.
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries.
	DeadLetterTopic string
	// LockID is the advisory lock that keeps relays from publishing
	// concurrently. Entries are published in id order.
	LockID int64
}

// DefaultOutboxConfig returns sensible defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		LockID:          7_340_021,
	}
}

// OutboxPublisher publishes one message.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

const aggregateAuditEntry = "audit_entry"

// relayEntry queues e for publication on topic. It runs in the transaction
// that appends e, so an entry is relayed exactly when it commits.
func relayEntry(ctx context.Context, tx pgx.Tx, topic string, e *ledger.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   string(e.Table) + "/" + strconv.FormatInt(e.Seq, 10),
		AggregateType: aggregateAuditEntry,
		EventType:     string(e.Kind),
		Payload:       payload,
		KafkaTopic:    topic,
		KafkaKey:      e.EntityID,
	})
}

// WriteEntry writes an outbox entry within tx.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	const query = `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		[]byte(entry.Payload),
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Outbox relays committed ledger entries to the broker.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling.
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop stops polling and waits for the current batch.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes up to BatchSize pending entries in id order and
// returns how many were published. It does nothing while another relay
// holds the advisory lock.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	// Advisory locks are per session, so lock and unlock on one connection.
	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", o.config.LockID).Scan(&acquired); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", o.config.LockID); err != nil {
			o.logger.Error("failed to release relay lock", zap.Error(err))
		}
	}()

	entries, err := o.fetchPending(ctx, conn.Conn())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := o.processEntry(ctx, conn.Conn(), entry); err != nil {
			o.logger.Error("failed to relay outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			// Later entries wait so consumers see each table in order.
			break
		}
		published++
	}

	if pending, err := o.countPending(ctx, conn.Conn()); err == nil {
		o.metrics.OutboxPending.Set(float64(pending))
	}
	return published, nil
}

func (o *Outbox) fetchPending(ctx context.Context, q querier) ([]*OutboxEntry, error) {
	const query = `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`
	rows, err := q.Query(ctx, query, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// processEntry publishes one entry and marks it processed. An entry that has
// exhausted its retries goes to the dead letter topic instead.
func (o *Outbox) processEntry(ctx context.Context, q querier, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	topic, value := entry.KafkaTopic, []byte(entry.Payload)
	if entry.RetryCount >= o.config.MaxRetries {
		dl, err := deadLetter(entry)
		if err != nil {
			return err
		}
		topic, value = o.config.DeadLetterTopic, dl
	}

	if err := o.publisher.Publish(ctx, topic, entry.KafkaKey, value); err != nil {
		const retry = `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`
		if _, updateErr := q.Exec(ctx, retry, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	if _, err := q.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark outbox entry %d processed: %w", entry.ID, err)
	}
	o.metrics.KafkaMessagesProduced.WithLabelValues(topic).Inc()

	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", topic))
	return nil
}

func deadLetter(entry *OutboxEntry) ([]byte, error) {
	b, err := json.Marshal(map[string]any{
		"original_topic": entry.KafkaTopic,
		"event_type":     entry.EventType,
		"aggregate_id":   entry.AggregateID,
		"payload":        entry.Payload,
		"retry_count":    entry.RetryCount,
		"last_error":     entry.LastError,
		"created_at":     entry.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode dead letter for %d: %w", entry.ID, err)
	}
	return b, nil
}

func (o *Outbox) countPending(ctx context.Context, q querier) (int64, error) {
	var n int64
	err := q.QueryRow(ctx, "SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL").Scan(&n)
	return n, err
}

// CleanupProcessed removes relayed entries older than olderThan. The ledger
// tables keep the entries themselves.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < $1
	`
	result, err := o.pool.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats summarizes the outbox.
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Retrying      int64      `json:"retrying"`
	Processed24h  int64      `json:"processed_24h"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats returns current outbox statistics.
func (o *Outbox) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count > 0),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`
	err := o.pool.QueryRow(ctx, query).Scan(&stats.Pending, &stats.Retrying, &stats.Processed24h, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
