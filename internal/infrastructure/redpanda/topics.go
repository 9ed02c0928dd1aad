package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/internal/ledger"
)

// Topic names for the ledger stream
const (
	TopicAuditTrail        = "audit.trail"
	TopicPrescriptionAudit = "prescription.audit"
	TopicDeadLetter        = "dead.letter"
)

// LedgerTopics maps each ledger table to the topic its entries are relayed
// to. Records are keyed by entity id, so one entity's entries stay ordered.
func LedgerTopics() map[ledger.Table]string {
	return map[ledger.Table]string{
		ledger.TableGeneral:      TopicAuditTrail,
		ledger.TablePrescription: TopicPrescriptionAudit,
	}
}

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the ledger stream topics. The stream is a
// feed for downstream consumers; the ledger tables remain the record of
// retention, so broker retention is short.
func DefaultTopicConfigs(replicationFactor int16) []TopicConfig {
	ptr := func(s string) *string { return &s }
	if replicationFactor <= 0 {
		replicationFactor = 1
	}

	return []TopicConfig{
		{
			Name:              TopicAuditTrail,
			Partitions:        6,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("2592000000"), // 30 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicPrescriptionAudit,
			Partitions:        6,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("2592000000"),
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("7776000000"), // 90 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
	}
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the given topics. Existing topics are left as they are.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Info("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates every ledger stream topic that is missing.
func (a *Admin) EnsureTopics(ctx context.Context, replicationFactor int16) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs(replicationFactor))
}

// ListTopics lists all topics in name order
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	names := make([]string, 0, len(topics))
	for _, t := range topics {
		names = append(names, t.Topic)
	}
	sort.Strings(names)
	return names, nil
}

// TopicDetails holds topic information
type TopicDetails struct {
	Name       string
	Partitions []PartitionDetails
}

// PartitionDetails holds partition information
type PartitionDetails struct {
	ID       int32
	Leader   int32
	Replicas []int32
	ISR      []int32
}

// DescribeTopic returns partition details for topic
func (a *Admin) DescribeTopic(ctx context.Context, topic string) (*TopicDetails, error) {
	topics, err := a.client.ListTopics(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to describe topic: %w", err)
	}

	t, ok := topics[topic]
	if !ok || errors.Is(t.Err, kerr.UnknownTopicOrPartition) {
		return nil, fmt.Errorf("topic %s not found", topic)
	}

	partitions := make([]PartitionDetails, 0, len(t.Partitions))
	for _, p := range t.Partitions.Sorted() {
		partitions = append(partitions, PartitionDetails{
			ID:       p.Partition,
			Leader:   p.Leader,
			Replicas: p.Replicas,
			ISR:      p.ISR,
		})
	}
	return &TopicDetails{Name: topic, Partitions: partitions}, nil
}

// ConsumerGroupLag returns the lag per topic and partition for groupID
func (a *Admin) ConsumerGroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if result[topic] == nil {
				result[topic] = make(map[int32]int64)
			}
			for partition, lag := range partitions {
				result[topic][partition] = lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
