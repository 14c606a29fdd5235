package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ava-labs/libevm/common"
	"github.com/urfave/cli/v2"

	"github.com/ava-labs/token-indexer/pkg/clickhouse"
	"github.com/ava-labs/token-indexer/pkg/data/postgres"
	"github.com/ava-labs/token-indexer/pkg/ingestion"
	"github.com/ava-labs/token-indexer/pkg/kafka"
	"github.com/ava-labs/token-indexer/pkg/ledger"
)

// Config holds all configuration for the tokenindexer run command
type Config struct {
	// Application settings
	Verbose bool

	// Chain settings
	RPCURL       string
	EVMChainID   uint64
	RPCRateLimit float64
	RPCBurst     int
	RPCTimeout   time.Duration

	// Ingestion settings
	StartHeight        int64
	BootstrapContracts []common.Address
	ResolveMetadata    bool
	AdmissionCapacity  int
	MaxConcurrentScans int64
	InitialStep        int64
	StallTimeout       time.Duration

	// Ledger store
	Store    string
	Postgres postgres.Config

	// Read API
	ServiceIP     string
	ServicePort   int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CountCacheTTL time.Duration

	// Outward sinks
	ClickHouseEnabled bool
	ClickHouse        clickhouse.Config
	Kafka             kafka.ProducerConfig

	// Metrics settings
	MetricsHost string
	MetricsPort int
	Environment string
	Region      string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return net.JoinHostPort(c.MetricsHost, strconv.Itoa(c.MetricsPort))
}

// APIAddr returns the address the HTTP API listens on
func (c *Config) APIAddr() string {
	return net.JoinHostPort(c.ServiceIP, strconv.Itoa(c.ServicePort))
}

// BaseURL is the prefix of the page links returned by listings
func (c *Config) BaseURL() string {
	return "http://" + c.APIAddr()
}

// SupervisorConfig maps the ingestion settings onto the supervisor
func (c *Config) SupervisorConfig() ingestion.SupervisorConfig {
	sc := ingestion.DefaultSupervisorConfig()
	sc.StartBlock = c.StartHeight
	sc.AdmissionCapacity = c.AdmissionCapacity
	sc.MaxConcurrentScans = c.MaxConcurrentScans
	if len(c.BootstrapContracts) > 0 {
		sc.BootstrapContracts = c.BootstrapContracts
	}
	return sc
}

// ScanConfig maps the ingestion settings onto the scanner
func (c *Config) ScanConfig() ingestion.ScanConfig {
	sc := ingestion.DefaultScanConfig()
	sc.InitialStep = c.InitialStep
	return sc
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	pgCfg, err := buildPostgresConfig(c)
	if err != nil {
		return nil, err
	}

	chCfg, err := clickhouse.Load()
	if err != nil {
		return nil, err
	}
	if hosts := splitList(c.StringSlice("clickhouse-hosts")); len(hosts) > 0 {
		chCfg.Hosts = hosts
	}

	kafkaCfg, err := kafka.LoadProducerConfig()
	if err != nil {
		return nil, err
	}
	if c.IsSet("kafka-brokers") {
		kafkaCfg.BootstrapServers = c.String("kafka-brokers")
	}
	kafkaCfg.Topic = c.String("kafka-topic")

	contracts, err := parseContracts(c.StringSlice("bootstrap-contracts"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Verbose:            c.Bool("verbose"),
		RPCURL:             c.String("rpc-url"),
		EVMChainID:         c.Uint64("evm-chain-id"),
		RPCRateLimit:       c.Float64("rpc-rate-limit"),
		RPCBurst:           c.Int("rpc-burst"),
		RPCTimeout:         c.Duration("rpc-timeout"),
		StartHeight:        c.Int64("start-height"),
		BootstrapContracts: contracts,
		ResolveMetadata:    c.Bool("resolve-metadata"),
		AdmissionCapacity:  c.Int("admission-capacity"),
		MaxConcurrentScans: c.Int64("max-concurrent-scans"),
		InitialStep:        c.Int64("initial-step"),
		StallTimeout:       c.Duration("stall-timeout"),
		Store:              c.String("store"),
		Postgres:           pgCfg,
		ServiceIP:          c.String("service-ip"),
		ServicePort:        c.Int("service-port"),
		RedisAddr:          c.String("redis-addr"),
		RedisPassword:      c.String("redis-password"),
		RedisDB:            c.Int("redis-db"),
		CountCacheTTL:      c.Duration("count-cache-ttl"),
		ClickHouseEnabled:  c.Bool("clickhouse-enabled"),
		ClickHouse:         chCfg,
		Kafka:              kafkaCfg,
		MetricsHost:        c.String("metrics-host"),
		MetricsPort:        c.Int("metrics-port"),
		Environment:        c.String("environment"),
		Region:             c.String("region"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if c.StartHeight < 0 {
		return fmt.Errorf("start-height must not be negative, got %d", c.StartHeight)
	}
	if c.Store != storePostgres && c.Store != storeMemory {
		return fmt.Errorf("store must be %q or %q, got %q", storePostgres, storeMemory, c.Store)
	}
	if c.InitialStep <= 0 {
		return fmt.Errorf("initial-step must be greater than 0, got %d", c.InitialStep)
	}
	if c.Kafka.Enabled() {
		if err := c.Kafka.Validate(); err != nil {
			return fmt.Errorf("invalid kafka config: %w", err)
		}
	}
	if c.ClickHouseEnabled && len(c.ClickHouse.Hosts) == 0 {
		return errors.New("clickhouse is enabled but no hosts are configured")
	}
	return nil
}

// buildPostgresConfig reads POSTGRES_* settings from the environment and lets
// the --database-url flag override the connection URL.
func buildPostgresConfig(c *cli.Context) (postgres.Config, error) {
	cfg, err := postgres.Load()
	if err != nil {
		return postgres.Config{}, err
	}
	if c.IsSet("database-url") {
		cfg.URL = c.String("database-url")
	}
	return cfg, nil
}

// splitList flattens comma-separated entries and trims whitespace.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseContracts(values []string) ([]common.Address, error) {
	var out []common.Address
	for _, v := range splitList(values) {
		addr, err := ledger.ParseAddress(v)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap contract %q: %w", v, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
