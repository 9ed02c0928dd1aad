package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
	// HeartbeatInterval is the group heartbeat interval
	HeartbeatInterval time.Duration
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is "earliest" or "latest"; it applies when the group has
	// no committed offset.
	StartOffset string
}

// DefaultConsumerConfig returns defaults for reading the ledger stream
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "ledger-stream-verifier",
		Topics:            []string{TopicAuditTrail, TopicPrescriptionAudit},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     50 << 20,
		StartOffset:       "earliest",
	}
}

// MessageHandler is called for each consumed message. A returned error is
// logged and counted; the record is committed anyway so one bad record
// cannot stall its partition.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads topics in a consumer group and commits each record once
// its handler has run.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	errorCount     int64
	lastCommitTime time.Time
}

// NewConsumer creates a consumer. It does not poll until Start.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.StartOffset == "latest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop stops polling, commits what was handled and closes the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if err = c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
	return err
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.mu.Lock()
			c.errorCount++
			c.mu.Unlock()
		})

		fetches.EachRecord(c.processRecord)
	}
}

// processRecord runs the handler and commits the record.
func (c *Consumer) processRecord(record *kgo.Record) {
	ctx := extractTraceContext(c.ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", record.Topic),
			attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	outcome := "ok"
	if err := c.handler(ctx, msg); err != nil {
		outcome = "error"
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
	}
	c.metrics.KafkaMessagesConsumed.WithLabelValues(record.Topic, outcome).Inc()

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("failed to commit offset",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
	}

	c.mu.Lock()
	c.messagesRead++
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	ErrorCount     int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		ErrorCount:     c.errorCount,
		LastCommitTime: c.lastCommitTime,
	}
}
