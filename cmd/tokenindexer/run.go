package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/token-indexer/pkg/api"
	"github.com/ava-labs/token-indexer/pkg/chain/evm"
	"github.com/ava-labs/token-indexer/pkg/clickhouse"
	"github.com/ava-labs/token-indexer/pkg/data/clickhouse/transfers"
	"github.com/ava-labs/token-indexer/pkg/data/inmemory"
	"github.com/ava-labs/token-indexer/pkg/data/postgres"
	"github.com/ava-labs/token-indexer/pkg/data/postgres/ledgerrepo"
	"github.com/ava-labs/token-indexer/pkg/ingestion"
	"github.com/ava-labs/token-indexer/pkg/kafka"
	"github.com/ava-labs/token-indexer/pkg/ledger"
	"github.com/ava-labs/token-indexer/pkg/metrics"
	"github.com/ava-labs/token-indexer/pkg/query"
	"github.com/ava-labs/token-indexer/pkg/sink"
	"github.com/ava-labs/token-indexer/pkg/utils"
)

const (
	shutdownTimeout = 5 * time.Second
	countKeyPrefix  = "token-indexer:"
)

func run(c *cli.Context) error {
	// Build configuration from CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"evmChainID", cfg.EVMChainID,
		"startHeight", cfg.StartHeight,
		"bootstrapContracts", len(cfg.BootstrapContracts),
		"resolveMetadata", cfg.ResolveMetadata,
		"admissionCapacity", cfg.AdmissionCapacity,
		"maxConcurrentScans", cfg.MaxConcurrentScans,
		"initialStep", cfg.InitialStep,
		"stallTimeout", cfg.StallTimeout,
		"rpcRateLimit", cfg.RPCRateLimit,
		"store", cfg.Store,
		"apiAddr", cfg.APIAddr(),
		"countCache", cfg.RedisAddr != "",
		"clickhouseEnabled", cfg.ClickHouseEnabled,
		"kafkaEnabled", cfg.Kafka.Enabled(),
		"kafkaTopic", cfg.Kafka.Topic,
		"metricsAddr", cfg.MetricsAddr(),
		"environment", cfg.Environment,
		"region", cfg.Region,
	)

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		EVMChainID:  cfg.EVMChainID,
		Environment: cfg.Environment,
		Region:      cfg.Region,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, storeCheck, closeStore, err := openStore(ctx, cfg.Store, cfg.Postgres, sugar)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := evm.Dial(ctx, cfg.RPCURL, sugar,
		evm.WithMetrics(m),
		evm.WithRateLimit(cfg.RPCRateLimit, cfg.RPCBurst),
		evm.WithRequestTimeout(cfg.RPCTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to dial rpc: %w", err)
	}
	defer client.Close()

	sinks, producer, closeSinks, err := openSinks(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	defer closeSinks()

	fanout, err := sink.NewFanout(sugar, m, sink.DefaultRetryConfig(), sinks...)
	if err != nil {
		return fmt.Errorf("failed to create sink fanout: %w", err)
	}
	var out sink.Sink
	if fanout.Len() > 0 {
		out = fanout
	}

	applier, err := ingestion.NewApplier(store, out, sugar, m)
	if err != nil {
		return fmt.Errorf("failed to create applier: %w", err)
	}
	scanner, err := ingestion.NewScanner(client, applier, cfg.ScanConfig(), sugar, m)
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}
	follower, err := ingestion.NewFollower(client, applier, scanner, cfg.StallTimeout, sugar, m)
	if err != nil {
		return fmt.Errorf("failed to create follower: %w", err)
	}
	var resolver ingestion.MetadataResolver
	if cfg.ResolveMetadata {
		resolver = client
	}
	supervisor, err := ingestion.NewSupervisor(store, scanner, follower, resolver, cfg.SupervisorConfig(), sugar, m)
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	checks := []metrics.HealthCheck{storeCheck}
	var cache query.CountCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		cache, err = query.NewRedisCountCache(rdb, countKeyPrefix, cfg.CountCacheTTL)
		if err != nil {
			return fmt.Errorf("failed to create count cache: %w", err)
		}
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	reader, err := query.NewService(store, cache, cfg.BaseURL(), sugar)
	if err != nil {
		return fmt.Errorf("failed to create query service: %w", err)
	}
	handler, err := api.NewHandler(reader, supervisor, sugar)
	if err != nil {
		return fmt.Errorf("failed to create api handler: %w", err)
	}

	apiServer := api.NewServer(cfg.APIAddr(), handler.Router())
	apiErrCh := apiServer.Start()
	sugar.Infof("api server listening on %s", cfg.BaseURL())

	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, checks...)
	metricsErrCh := metricsServer.Start()
	sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		return watchServer(gctx, "api", apiErrCh)
	})
	g.Go(func() error {
		return watchServer(gctx, "metrics", metricsErrCh)
	})
	if producer != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-producer.Errors():
				if !ok {
					return nil
				}
				return err
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		sugar.Errorw("run failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sugar.Info("shutting down http servers")
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("metrics server shutdown error", "error", err)
	}

	sugar.Info("shutdown complete")
	return err
}

func watchServer(ctx context.Context, name string, errCh <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s server failed: %w", name, err)
		}
		return nil
	}
}

// openStore returns the ledger store, a health check for it and a close function.
func openStore(ctx context.Context, kind string, cfg postgres.Config, sugar *zap.SugaredLogger) (ledger.Store, metrics.HealthCheck, func(), error) {
	if kind == storeMemory {
		sugar.Warn("using the in-memory ledger store, balances are lost on exit")
		return inmemory.New(), func(context.Context) error { return nil }, func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg, sugar)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	repo, err := ledgerrepo.NewRepository(ctx, db, cfg.HolderCacheSize, sugar)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to create ledger repository: %w", err)
	}
	closeFn := func() {
		if err := db.Close(); err != nil {
			sugar.Warnw("failed to close postgres", "error", err)
		}
	}
	return repo, db.PingContext, closeFn, nil
}

// openSinks connects the configured outward sinks. The returned producer is
// nil when the Kafka stream is disabled.
func openSinks(ctx context.Context, cfg *Config, sugar *zap.SugaredLogger) ([]sink.Sink, *kafka.Producer, func(), error) {
	var (
		sinks   []sink.Sink
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.ClickHouseEnabled {
		chClient, err := clickhouse.New(ctx, cfg.ClickHouse, sugar)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		closers = append(closers, func() { _ = chClient.Close() })

		repo, err := transfers.NewRepository(ctx, chClient, cfg.ClickHouse.TransfersTable)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("failed to create transfers repository: %w", err)
		}
		sinks = append(sinks, repo)
		sugar.Infow("archiving transfers in ClickHouse", "table", cfg.ClickHouse.TransfersTable)
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled() {
		admin, err := kafka.NewAdmin(cfg.Kafka)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		err = kafka.EnsureTopic(ctx, admin, cfg.Kafka.TopicConfig(), sugar)
		admin.Close()
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("failed to ensure kafka topic exists: %w", err)
		}

		producer, err = kafka.NewProducer(ctx, cfg.Kafka.ConfigMap(), sugar)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		closers = append(closers, func() { producer.Close(cfg.Kafka.FlushTimeout) })

		ks, err := kafka.NewTransferSink(producer, cfg.Kafka.Topic)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		sinks = append(sinks, ks)
		sugar.Infow("producing transfer events", "topic", cfg.Kafka.Topic)
	}

	return sinks, producer, closeAll, nil
}
