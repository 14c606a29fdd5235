// Package sink publishes committed transfers to systems downstream of the ledger.
//
// The ledger is the source of truth: a sink failure is logged and counted but
// never rolls back a committed batch.
package sink

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ava-labs/libevm/common"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/metrics"
)

// Record is one transfer that has been committed to the ledger.
type Record struct {
	TokenID     int64
	Contract    common.Address
	BlockNumber int64
	TxHash      common.Hash
	LogIndex    uint
	From        common.Address
	To          common.Address
	Amount      *big.Int
}

// Sink receives committed batches.
type Sink interface {
	Name() string
	Publish(ctx context.Context, records []Record) error
}

// RetryConfig bounds how hard a publish is retried.
type RetryConfig struct {
	Timeout      time.Duration // Timeout for each publish attempt
	MaxRetries   int           // Maximum number of retry attempts for failed publishes
	RetryBackoff time.Duration // Backoff duration between retry attempts
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout:      5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 300 * time.Millisecond,
	}
}

// Fanout publishes every batch to all configured sinks, one after the other.
type Fanout struct {
	sinks   []Sink
	cfg     RetryConfig
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

var _ Sink = (*Fanout)(nil)

func NewFanout(log *zap.SugaredLogger, m *metrics.Metrics, cfg RetryConfig, sinks ...Sink) (*Fanout, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("invalid max retries: must not be negative")
	}
	for _, s := range sinks {
		if s == nil {
			return nil, errors.New("invalid sink: must not be nil")
		}
	}
	return &Fanout{sinks: sinks, cfg: cfg, log: log, metrics: m}, nil
}

func (f *Fanout) Name() string { return "fanout" }

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// Publish delivers records to each sink with retries. It returns the joined
// errors of the sinks that still failed after all retries.
func (f *Fanout) Publish(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		err := f.publishWithRetry(ctx, s, records)
		f.metrics.RecordSinkPublish(s.Name(), err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Errorw("sink publish failed",
				"sink", s.Name(),
				"records", len(records),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) publishWithRetry(ctx context.Context, s Sink, records []Record) error {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		pubCtx, cancel := ctx, context.CancelFunc(func() {})
		if f.cfg.Timeout > 0 {
			pubCtx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		}
		lastErr = s.Publish(pubCtx, records)
		cancel()

		if lastErr == nil {
			return nil
		}
		if attempt < f.cfg.MaxRetries {
			f.log.Debugw("retrying sink publish", "sink", s.Name(), "attempt", attempt+1, "error", lastErr)
			select {
			case <-time.After(f.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", f.cfg.MaxRetries+1, lastErr)
}
