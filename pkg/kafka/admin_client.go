package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// metadataTimeout is the timeout for Kafka metadata operations.
const metadataTimeout = 10 * time.Second

// Admin is the subset of *kafka.AdminClient needed to manage the transfers topic.
type Admin interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
	CreatePartitions(ctx context.Context, partitions []kafka.PartitionsSpecification, options ...kafka.CreatePartitionsAdminOption) ([]kafka.TopicResult, error)
}

var _ Admin = (*kafka.AdminClient)(nil)

// TopicConfig holds Kafka topic configuration options for creation or validation.
type TopicConfig struct {
	Name              string // Required: topic name
	NumPartitions     int    // Required: number of partitions (must be > 0)
	ReplicationFactor int    // Required: replication factor (must be > 0)
}

// Validate checks if the TopicConfig is valid for topic creation.
func (tc TopicConfig) Validate() error {
	if tc.Name == "" {
		return errors.New("topic name cannot be empty")
	}
	if tc.NumPartitions <= 0 {
		return fmt.Errorf("number of partitions must be > 0, got %d", tc.NumPartitions)
	}
	if tc.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be > 0, got %d", tc.ReplicationFactor)
	}
	return nil
}

// NewAdmin creates an admin client sharing the producer's broker settings.
func NewAdmin(cfg ProducerConfig) (*kafka.AdminClient, error) {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": cfg.BootstrapServers,
		"client.id":         cfg.ClientID + "-admin",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	return admin, nil
}

// topicMetadata returns the topic metadata, or nil when the topic does not exist.
func topicMetadata(admin Admin, topicName string) (*kafka.TopicMetadata, error) {
	metadata, err := admin.GetMetadata(&topicName, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata for topic %q: %w", topicName, err)
	}

	tm, exists := metadata.Topics[topicName]
	if !exists || tm.Error.Code() == kafka.ErrUnknownTopicOrPart {
		return nil, nil
	}
	if tm.Error.Code() != kafka.ErrNoError {
		return nil, fmt.Errorf("topic %q has error: %w", topicName, tm.Error)
	}
	return &tm, nil
}

// EnsureTopic creates the topic when missing and grows its partition count
// when it has fewer partitions than configured. Extra partitions and a
// different replication factor are logged and left alone, since Kafka cannot
// shrink a topic or change its replication through the admin API.
func EnsureTopic(ctx context.Context, admin Admin, config TopicConfig, log *zap.SugaredLogger) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	tm, err := topicMetadata(admin, config.Name)
	if err != nil {
		return fmt.Errorf("failed to check topic existence: %w", err)
	}
	if tm == nil {
		return createTopic(ctx, admin, config, log)
	}

	partitions := len(tm.Partitions)
	replication := 0
	if partitions > 0 {
		replication = len(tm.Partitions[0].Replicas)
	}

	if replication != config.ReplicationFactor {
		log.Warnw("topic replication factor differs from config",
			"topic", config.Name,
			"current", replication,
			"desired", config.ReplicationFactor,
		)
	}

	switch {
	case partitions < config.NumPartitions:
		return increasePartitions(ctx, admin, config.Name, config.NumPartitions, log)
	case partitions > config.NumPartitions:
		log.Warnw("topic has more partitions than configured",
			"topic", config.Name,
			"current", partitions,
			"desired", config.NumPartitions,
		)
	}
	return nil
}

func createTopic(ctx context.Context, admin Admin, config TopicConfig, log *zap.SugaredLogger) error {
	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             config.Name,
		NumPartitions:     config.NumPartitions,
		ReplicationFactor: config.ReplicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", config.Name, err)
	}

	for _, result := range results {
		switch result.Error.Code() {
		case kafka.ErrNoError:
			log.Infow("created topic",
				"topic", result.Topic,
				"partitions", config.NumPartitions,
				"replicationFactor", config.ReplicationFactor,
			)
		case kafka.ErrTopicAlreadyExists:
			// created concurrently by another instance
			log.Infow("topic already exists", "topic", result.Topic)
		default:
			return fmt.Errorf("failed to create topic %q: %w", result.Topic, result.Error)
		}
	}
	return nil
}

func increasePartitions(ctx context.Context, admin Admin, topicName string, count int, log *zap.SugaredLogger) error {
	results, err := admin.CreatePartitions(ctx, []kafka.PartitionsSpecification{{
		Topic:      topicName,
		IncreaseTo: count,
	}})
	if err != nil {
		return fmt.Errorf("failed to increase partitions for topic %q: %w", topicName, err)
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError {
			return fmt.Errorf("failed to increase partitions for topic %q: %w", result.Topic, result.Error)
		}
		log.Infow("increased partitions", "topic", result.Topic, "newPartitionCount", count)
	}
	return nil
}
