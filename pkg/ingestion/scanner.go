package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/libevm/common"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/chain"
	"github.com/ava-labs/token-indexer/pkg/ledger"
	"github.com/ava-labs/token-indexer/pkg/metrics"
)

// Phase is the state of a backfill scan.
type Phase int

const (
	PhaseScanning Phase = iota
	PhaseDone
)

func (p Phase) String() string {
	if p == PhaseDone {
		return "done"
	}
	return "scanning"
}

// scanState is the per-contract backfill state machine: Scanning{From, Step} or Done.
type scanState struct {
	Phase Phase
	From  int64
	Step  int64
}

func newScanState(watermark, step int64) scanState {
	return scanState{Phase: PhaseScanning, From: watermark + 1, Step: step}
}

// committed moves past a window whose n logs were applied.
func (s scanState) committed(w Window, n int) scanState {
	s.From = w.To + 1
	s.Step = NextStep(s.Step, n)
	return s
}

// fitted narrows the step to a window that the head cut short, so growth and
// shrinking continue from the width actually queried.
func (s scanState) fitted(w Window) scanState {
	s.Step = max(w.To-w.From, MinStep)
	return s
}

// rateLimited keeps From and shrinks the step for a retry of the same start block.
func (s scanState) rateLimited() scanState {
	s.Step = ShrinkStep(s.Step)
	return s
}

// ScanConfig tunes the backfill scanner.
type ScanConfig struct {
	InitialStep      int64         // Window width of the first query
	HeadTolerance    int64         // Blocks the cached head may lag before a clamped window re-queries it
	RateLimitBackoff time.Duration // Pause before retrying a rate-limited window
}

// DefaultScanConfig returns a ScanConfig with the default step policy.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		InitialStep:      DefaultStep,
		HeadTolerance:    HeadTolerance,
		RateLimitBackoff: 200 * time.Millisecond,
	}
}

// Scanner backfills one contract from its watermark up to the chain head.
type Scanner struct {
	client  chain.Client
	applier *Applier
	cfg     ScanConfig
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewScanner(client chain.Client, applier *Applier, cfg ScanConfig, log *zap.SugaredLogger, m *metrics.Metrics) (*Scanner, error) {
	if client == nil {
		return nil, errors.New("invalid chain client: must not be nil")
	}
	if applier == nil {
		return nil, errors.New("invalid applier: must not be nil")
	}
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if cfg.InitialStep <= 0 {
		return nil, errors.New("invalid initial step: must be greater than 0")
	}
	if cfg.HeadTolerance < 0 {
		return nil, errors.New("invalid head tolerance: must not be negative")
	}
	return &Scanner{client: client, applier: applier, cfg: cfg, log: log, metrics: m}, nil
}

// Run scans windows until the token's watermark reaches the chain head and
// returns the token with its final watermark. Rate-limited windows are retried
// with a smaller step; any other provider or store error ends the scan.
func (s *Scanner) Run(ctx context.Context, token ledger.Token) (ledger.Token, error) {
	contract := token.Contract.Hex()
	contracts := []common.Address{token.Contract}

	head, err := s.client.HeadHeight(ctx)
	if err != nil {
		return token, fmt.Errorf("scan %s: head: %w", contract, err)
	}

	st := newScanState(token.Watermark, s.cfg.InitialStep)
	s.log.Debugw("backfill started", "contract", contract, "from", st.From, "head", head)

	for st.Phase == PhaseScanning {
		if err := ctx.Err(); err != nil {
			return token, err
		}

		if st.From > head {
			// confirm against a fresh head before declaring the contract caught up
			fresh, err := s.client.HeadHeight(ctx)
			if err != nil {
				return token, fmt.Errorf("scan %s: head: %w", contract, err)
			}
			if fresh < st.From {
				st.Phase = PhaseDone
				break
			}
			head = fresh
		}

		w, clamped := NextWindow(st.From, st.Step, head)
		if clamped {
			fresh, err := s.client.HeadHeight(ctx)
			if err != nil {
				return token, fmt.Errorf("scan %s: head: %w", contract, err)
			}
			if fresh-head > s.cfg.HeadTolerance {
				head = fresh
				w, clamped = NextWindow(st.From, st.Step, head)
			}
			if clamped {
				st = st.fitted(w)
			}
		}

		logs, err := s.client.GetLogs(ctx, contracts, w.From, w.To)
		switch {
		case err == nil:
			n, err := s.applier.Apply(ctx, token, logs, w.To, metrics.SourceScan)
			if err != nil {
				return token, fmt.Errorf("scan %s [%d, %d]: %w", contract, w.From, w.To, err)
			}
			token.Watermark = w.To
			st = st.committed(w, len(logs))
			s.metrics.RecordWindow(contract, nil, len(logs), st.Step)
			s.log.Debugw("window committed",
				"contract", contract,
				"from", w.From,
				"to", w.To,
				"logs", len(logs),
				"transfers", n,
				"step", st.Step,
			)

		case errors.Is(err, chain.ErrRateLimited):
			st = st.rateLimited()
			s.metrics.RecordWindow(contract, err, 0, st.Step)
			s.log.Debugw("window rate limited",
				"contract", contract,
				"from", w.From,
				"to", w.To,
				"step", st.Step,
			)
			if s.cfg.RateLimitBackoff > 0 {
				select {
				case <-time.After(s.cfg.RateLimitBackoff):
				case <-ctx.Done():
					return token, ctx.Err()
				}
			}

		default:
			s.metrics.RecordWindow(contract, err, 0, st.Step)
			return token, fmt.Errorf("scan %s [%d, %d]: %w", contract, w.From, w.To, err)
		}
	}

	s.log.Infow("backfill done", "contract", contract, "watermark", token.Watermark, "head", head)
	return token, nil
}
