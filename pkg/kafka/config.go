package kafka

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// ProducerConfig holds the settings for publishing transfer events.
// An empty BootstrapServers disables the Kafka sink.
type ProducerConfig struct {
	BootstrapServers  string        `env:"KAFKA_BOOTSTRAP_SERVERS"`                                 // Kafka broker addresses
	Topic             string        `env:"KAFKA_TOPIC"              envDefault:"erc20-transfers"`  // Topic transfer events are produced to
	ClientID          string        `env:"KAFKA_CLIENT_ID"          envDefault:"token-indexer"`    // client.id reported to brokers
	Partitions        int           `env:"KAFKA_TOPIC_PARTITIONS"   envDefault:"6"`                // Partitions ensured at startup
	ReplicationFactor int           `env:"KAFKA_REPLICATION_FACTOR" envDefault:"1"`                // Replication factor ensured at startup
	FlushTimeout      time.Duration `env:"KAFKA_FLUSH_TIMEOUT"      envDefault:"15s"`              // Max wait for in-flight messages on Close
	EnableLogs        bool          `env:"KAFKA_ENABLE_LOGS"        envDefault:"false"`            // Enable librdkafka client logs
}

// LoadProducerConfig reads the producer configuration from environment variables.
func LoadProducerConfig() (ProducerConfig, error) {
	var cfg ProducerConfig
	if err := env.Parse(&cfg); err != nil {
		return ProducerConfig{}, fmt.Errorf("failed to parse kafka producer config: %w", err)
	}
	return cfg, nil
}

// Enabled reports whether brokers are configured.
func (c ProducerConfig) Enabled() bool {
	return strings.TrimSpace(c.BootstrapServers) != ""
}

// Validate checks the settings needed to produce.
func (c ProducerConfig) Validate() error {
	if !c.Enabled() {
		return errors.New("bootstrap servers cannot be empty")
	}
	return c.TopicConfig().Validate()
}

// TopicConfig returns the topic layout ensured at startup.
func (c ProducerConfig) TopicConfig() TopicConfig {
	return TopicConfig{
		Name:              c.Topic,
		NumPartitions:     c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
	}
}

// ConfigMap builds the librdkafka configuration. Delivery is idempotent and
// acknowledged by all in-sync replicas.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"client.id":              c.ClientID,
		"acks":                   "all",
		"enable.idempotence":     true,
		"linger.ms":              5,
		"batch.size":             16384,
		"compression.type":       "lz4",
		"go.logs.channel.enable": c.EnableLogs,
	}
}
