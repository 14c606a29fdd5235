package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Client is the ClickHouse handle shared by the archive repositories.
type Client interface {
	Conn() driver.Conn
	Ping(ctx context.Context) error
	Close() error
}

const pingTimeout = 10 * time.Second

type client struct {
	conn driver.Conn
	log  *zap.SugaredLogger
}

// New opens a connection and pings it. The archive is optional for the
// indexer, so the caller decides whether a failure here is fatal.
func New(ctx context.Context, cfg Config, sugar *zap.SugaredLogger) (Client, error) {
	if sugar == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("invalid hosts: at least one host is required")
	}

	conn, err := clickhouse.Open(options(cfg, sugar))
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	c := &client{conn: conn, log: sugar}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	sugar.Infow("connected to ClickHouse", "hosts", cfg.Hosts, "database", cfg.Database)
	return c, nil
}

// NewWithConn wraps an existing connection, for tests and callers that manage the driver themselves.
func NewWithConn(conn driver.Conn, sugar *zap.SugaredLogger) Client {
	return &client{conn: conn, log: sugar}
}

// options maps Config onto driver options. Transfer rows are small and
// written in one INSERT per window, so LZ4 and in-order host selection fit.
func options(cfg Config, sugar *zap.SugaredLogger) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": cfg.MaxExecutionTime,
			"max_block_size":     cfg.MaxBlockSize,
		},
		Compression:          &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:          time.Duration(cfg.DialTimeout) * time.Second,
		MaxOpenConns:         cfg.MaxOpenConns,
		MaxIdleConns:         cfg.MaxIdleConns,
		ConnMaxLifetime:      time.Duration(cfg.ConnMaxLifetime) * time.Minute,
		ConnOpenStrategy:     clickhouse.ConnOpenInOrder,
		BlockBufferSize:      uint8(cfg.BlockBufferSize),
		MaxCompressionBuffer: cfg.MaxCompressionBuffer,
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: cfg.ClientName, Version: cfg.ClientVersion}},
		},
	}
	if cfg.TLS {
		//nolint:gosec // skipping verification is an explicit opt-in for development clusters
		opts.TLS = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	}
	if cfg.Debug {
		opts.Debugf = sugar.Debugf
	}
	return opts
}

func (c *client) Conn() driver.Conn {
	return c.conn
}

// Ping checks the server and logs ClickHouse exceptions with their code.
func (c *client) Ping(ctx context.Context) error {
	err := c.conn.Ping(ctx)
	if err == nil {
		return nil
	}
	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		c.log.Errorw("ClickHouse ping failed", "code", exception.Code, "error", exception.Message)
	} else {
		c.log.Errorw("ClickHouse ping failed", "error", err)
	}
	return fmt.Errorf("failed to ping ClickHouse: %w", err)
}

func (c *client) Close() error {
	return c.conn.Close()
}
