package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/token-indexer/pkg/ingestion"
	"github.com/ava-labs/token-indexer/pkg/query"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"
)

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "store",
			Usage:   "Ledger store backend (postgres or memory)",
			EnvVars: []string{"STORE"},
			Value:   storePostgres,
		},
		&cli.StringFlag{
			Name:    "database-url",
			Aliases: []string{"d"},
			Usage:   "Postgres connection URL for the ledger",
			EnvVars: []string{"DATABASE_URL"},
		},
	}
}

// runFlags returns all CLI flags for the run command
func runFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:     "rpc-url",
			Aliases:  []string{"r"},
			Usage:    "The websocket RPC URL to read logs from",
			EnvVars:  []string{"RPC_URL_WS", "RPC_URL"},
			Required: true,
		},
		&cli.Uint64Flag{
			Name:    "evm-chain-id",
			Aliases: []string{"C"},
			Usage:   "EVM chain ID, used as a metrics label",
			EnvVars: []string{"EVM_CHAIN_ID"},
		},
		&cli.Int64Flag{
			Name:    "start-height",
			Aliases: []string{"s"},
			Usage:   "First block scanned for newly registered tokens",
			EnvVars: []string{"START_HEIGHT"},
			Value:   0,
		},
		&cli.StringSliceFlag{
			Name:    "bootstrap-contracts",
			Usage:   "Contracts registered when the ledger holds no tokens (comma-separated)",
			EnvVars: []string{"BOOTSTRAP_CONTRACTS"},
		},
		&cli.BoolFlag{
			Name:    "resolve-metadata",
			Usage:   "Read symbol() and decimals() from the contract on registration",
			EnvVars: []string{"RESOLVE_METADATA"},
			Value:   false,
		},
		&cli.IntFlag{
			Name:    "admission-capacity",
			Usage:   "Registrations that may wait for a pipeline before new ones are rejected",
			EnvVars: []string{"ADMISSION_CAPACITY"},
			Value:   ingestion.DefaultAdmission,
		},
		&cli.Int64Flag{
			Name:    "max-concurrent-scans",
			Usage:   "Backfill scans allowed to run at once",
			EnvVars: []string{"MAX_CONCURRENT_SCANS"},
			Value:   ingestion.DefaultConcurrentScans,
		},
		&cli.Int64Flag{
			Name:    "initial-step",
			Usage:   "Width in blocks of the first eth_getLogs window",
			EnvVars: []string{"INITIAL_STEP"},
			Value:   ingestion.DefaultStep,
		},
		&cli.DurationFlag{
			Name:    "stall-timeout",
			Usage:   "Warn when a live subscription delivers nothing for this long (0 disables)",
			EnvVars: []string{"STALL_TIMEOUT"},
			Value:   0,
		},
		&cli.Float64Flag{
			Name:    "rpc-rate-limit",
			Usage:   "Maximum RPC requests per second (0 for unlimited)",
			EnvVars: []string{"RPC_RATE_LIMIT"},
			Value:   0,
		},
		&cli.IntFlag{
			Name:    "rpc-burst",
			Usage:   "RPC requests allowed above the rate limit in a burst",
			EnvVars: []string{"RPC_BURST"},
			Value:   10,
		},
		&cli.DurationFlag{
			Name:    "rpc-timeout",
			Usage:   "Timeout for a single RPC request",
			EnvVars: []string{"RPC_TIMEOUT"},
			Value:   30 * time.Second,
		},
		&cli.StringFlag{
			Name:    "service-ip",
			Usage:   "Address the HTTP API listens on, also used in page links",
			EnvVars: []string{"SERVICE_IP"},
			Value:   "127.0.0.1",
		},
		&cli.IntFlag{
			Name:    "service-port",
			Usage:   "Port of the HTTP API",
			EnvVars: []string{"SERVICE_PORT"},
			Value:   8080,
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address for the listing count cache (empty disables the cache)",
			EnvVars: []string{"REDIS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			EnvVars: []string{"REDIS_PASSWORD"},
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "Redis database number",
			EnvVars: []string{"REDIS_DB"},
			Value:   0,
		},
		&cli.DurationFlag{
			Name:    "count-cache-ttl",
			Usage:   "How long a listing total may be served from the cache",
			EnvVars: []string{"COUNT_CACHE_TTL"},
			Value:   query.DefaultCountTTL,
		},
		&cli.BoolFlag{
			Name:    "clickhouse-enabled",
			Usage:   "Archive committed transfers in ClickHouse (configured through CLICKHOUSE_* variables)",
			EnvVars: []string{"CLICKHOUSE_ENABLED"},
			Value:   false,
		},
		&cli.StringSliceFlag{
			Name:    "clickhouse-hosts",
			Usage:   "ClickHouse server hosts (comma-separated)",
			EnvVars: []string{"CLICKHOUSE_HOSTS"},
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers for transfer events (comma-separated, empty disables the stream)",
			EnvVars: []string{"KAFKA_BOOTSTRAP_SERVERS"},
		},
		&cli.StringFlag{
			Name:    "kafka-topic",
			Aliases: []string{"t"},
			Usage:   "Kafka topic for transfer events",
			EnvVars: []string{"KAFKA_TOPIC"},
			Value:   "erc20-transfers",
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region for metrics labels (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
		},
	}
	return append(flags, storeFlags()...)
}

// resetFlags returns the CLI flags for the reset-token command
func resetFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "contract",
			Aliases:  []string{"c"},
			Usage:    "Contract address of the token to reset",
			Required: true,
		},
		&cli.Int64Flag{
			Name:    "start-height",
			Aliases: []string{"s"},
			Usage:   "Block the next run re-ingests the token from",
			EnvVars: []string{"START_HEIGHT"},
			Value:   0,
		},
	}
	return append(flags, storeFlags()...)
}
