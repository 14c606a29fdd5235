package testutils

import (
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger creates a test logger that writes to testing.T
func NewTestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// NewDeliveryReport builds the message librdkafka hands back on the delivery
// channel. A non-nil err marks the delivery as failed.
func NewDeliveryReport(topic string, partition int32, offset int64, err error) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: partition,
			Offset:    kafka.Offset(offset),
			Error:     err,
		},
	}
}

// NewTopicMetadata builds metadata for one topic with the given partition and replica counts.
func NewTopicMetadata(topic string, partitions, replicas int) *kafka.Metadata {
	tm := kafka.TopicMetadata{Topic: topic}
	for i := 0; i < partitions; i++ {
		tm.Partitions = append(tm.Partitions, kafka.PartitionMetadata{
			ID:       int32(i),
			Replicas: make([]int32, replicas),
		})
	}
	return &kafka.Metadata{Topics: map[string]kafka.TopicMetadata{topic: tm}}
}
