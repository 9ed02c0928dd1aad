// Package redpanda streams committed ledger entries over Kafka-compatible
// brokers with franz-go.
package redpanda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// BatchMaxBytes is the maximum batch size
	BatchMaxBytes int32
	// Linger is the time to wait before sending a batch
	Linger time.Duration
	// Compression is one of lz4, snappy, gzip, zstd or none
	Compression string
	// RequiredAcks sets the required acks level (-1 for all, 1 for leader)
	RequiredAcks int16
	// MaxRetries is the maximum number of retries for failed sends
	MaxRetries int
	// RetryBackoff is the base backoff between retries
	RetryBackoff time.Duration
}

// DefaultProducerConfig returns durable defaults. Audit records are low
// volume, so batching is kept short and every replica must acknowledge.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		BatchMaxBytes: 1 << 20,
		Linger:        5 * time.Millisecond,
		Compression:   "lz4",
		RequiredAcks:  -1,
		MaxRetries:    3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

// Producer publishes records synchronously.
type Producer struct {
	client *kgo.Client
	config ProducerConfig
	logger *zap.Logger
	tracer trace.Tracer

	mu           sync.RWMutex
	messagesSent int64
	bytesSent    int64
	errorCount   int64
	lastSentAt   time.Time
}

func producerOpts(cfg ProducerConfig) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
	}

	switch cfg.RequiredAcks {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	default:
		opts = append(opts, kgo.ProducerBatchCompression(kgo.NoCompression()))
	}
	return opts
}

// NewProducer creates a producer. The client connects lazily.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(producerOpts(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one record and waits for the broker acknowledgement. It
// satisfies the outbox publisher contract, so an outbox row is marked
// processed only after the record is durable.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.kafka.message_key", key),
			attribute.Int("messaging.message_payload_size_bytes", len(value)),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	r, err := p.client.ProduceSync(ctx, record).First()
	if err != nil {
		p.mu.Lock()
		p.errorCount++
		p.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		p.logger.Error("failed to produce message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.mu.Lock()
	p.messagesSent++
	p.bytesSent += int64(len(value))
	p.lastSentAt = time.Now()
	p.mu.Unlock()

	p.logger.Debug("message produced",
		zap.String("topic", r.Topic),
		zap.Int32("partition", r.Partition),
		zap.Int64("offset", r.Offset))
	return nil
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	ErrorCount   int64
	LastSentAt   time.Time
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ProducerStats{
		MessagesSent: p.messagesSent,
		BytesSent:    p.bytesSent,
		ErrorCount:   p.errorCount,
		LastSentAt:   p.lastSentAt,
	}
}

// headerCarrier adapts record headers to the OpenTelemetry propagator.
type headerCarrier struct {
	record *kgo.Record
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.record.Headers {
		if h.Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c.record.Headers))
	for i, h := range c.record.Headers {
		keys[i] = h.Key
	}
	return keys
}

var tracePropagator = propagation.TraceContext{}

// injectTraceHeaders adds W3C trace context to record headers.
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	tracePropagator.Inject(ctx, headerCarrier{record: record})
}

// extractTraceContext restores the producer's trace context from record
// headers, so consumer spans join the producing trace.
func extractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return tracePropagator.Extract(ctx, headerCarrier{record: record})
}
