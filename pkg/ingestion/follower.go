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

// ErrSubscriptionClosed is returned when the live log stream ends without cancellation.
var ErrSubscriptionClosed = errors.New("log subscription closed")

const skipReplayed = "replayed"

// catchUpBacklog bounds the live logs held in memory while the catch-up scan runs.
const catchUpBacklog = 50_000

// Follower applies live Transfer logs for one contract once its backfill is done.
type Follower struct {
	client       chain.Client
	applier      *Applier
	scanner      *Scanner
	stallTimeout time.Duration
	log          *zap.SugaredLogger
	metrics      *metrics.Metrics
}

// NewFollower creates a Follower. scanner closes the gap between the end of the
// backfill and the first block the subscription delivers. stallTimeout of 0
// disables the stall warning.
func NewFollower(
	client chain.Client,
	applier *Applier,
	scanner *Scanner,
	stallTimeout time.Duration,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) (*Follower, error) {
	if client == nil {
		return nil, errors.New("invalid chain client: must not be nil")
	}
	if applier == nil {
		return nil, errors.New("invalid applier: must not be nil")
	}
	if scanner == nil {
		return nil, errors.New("invalid scanner: must not be nil")
	}
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if stallTimeout < 0 {
		return nil, errors.New("invalid stall timeout: must not be negative")
	}
	return &Follower{
		client:       client,
		applier:      applier,
		scanner:      scanner,
		stallTimeout: stallTimeout,
		log:          log,
		metrics:      m,
	}, nil
}

// Run subscribes from watermark+1, catches up on blocks produced since the
// backfill finished and then applies each delivered batch in order. It returns
// ctx.Err() on cancellation and ErrSubscriptionClosed when the stream ends.
func (f *Follower) Run(ctx context.Context, token ledger.Token) error {
	contract := token.Contract.Hex()

	stream, err := f.client.SubscribeLogs(ctx, []common.Address{token.Contract}, token.Watermark+1)
	if err != nil {
		return fmt.Errorf("follow %s: subscribe from %d: %w", contract, token.Watermark+1, err)
	}

	// Nodes only push logs for new heads, so blocks mined between the end of the
	// backfill and the subscription are fetched explicitly. The stream keeps
	// being read meanwhile so a slow scan does not stall the transport.
	stop := make(chan struct{})
	pending := collect(stream, catchUpBacklog, stop)
	token, err = f.scanner.Run(ctx, token)
	close(stop)
	held := <-pending
	if err != nil {
		return fmt.Errorf("follow %s: catch up: %w", contract, err)
	}
	caughtUp := token.Watermark

	f.log.Infow("following live transfers", "contract", contract, "watermark", caughtUp, "backlog", len(held.logs))

	if batch := f.dropReplayed(held.logs, caughtUp); len(batch) > 0 {
		watermark := batch[len(batch)-1].BlockNumber
		if _, err := f.applier.Apply(ctx, token, batch, watermark, metrics.SourceLive); err != nil {
			return fmt.Errorf("follow %s at block %d: %w", contract, watermark, err)
		}
		token.Watermark = max(token.Watermark, watermark)
	}
	if held.closed {
		return fmt.Errorf("follow %s at %d: %w", contract, token.Watermark, ErrSubscriptionClosed)
	}

	var stall <-chan time.Time
	var stallTimer *time.Timer
	if f.stallTimeout > 0 {
		stallTimer = time.NewTimer(f.stallTimeout)
		defer stallTimer.Stop()
		stall = stallTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-stall:
			f.log.Warnw("no live transfers received",
				"contract", contract,
				"watermark", token.Watermark,
				"for", f.stallTimeout,
			)
			stallTimer.Reset(f.stallTimeout)

		case l, ok := <-stream:
			if !ok {
				return fmt.Errorf("follow %s at %d: %w", contract, token.Watermark, ErrSubscriptionClosed)
			}
			if stallTimer != nil {
				stallTimer.Reset(f.stallTimeout)
			}

			batch, closed := drain(stream, l)
			batch = f.dropReplayed(batch, caughtUp)
			if len(batch) > 0 {
				watermark := batch[len(batch)-1].BlockNumber
				if _, err := f.applier.Apply(ctx, token, batch, watermark, metrics.SourceLive); err != nil {
					return fmt.Errorf("follow %s at block %d: %w", contract, watermark, err)
				}
				token.Watermark = max(token.Watermark, watermark)
			}
			if closed {
				return fmt.Errorf("follow %s at %d: %w", contract, token.Watermark, ErrSubscriptionClosed)
			}
		}
	}
}

// dropReplayed removes logs already covered by the catch-up scan.
func (f *Follower) dropReplayed(logs []chain.Log, watermark int64) []chain.Log {
	out := logs[:0]
	for _, l := range logs {
		if l.BlockNumber <= watermark {
			f.metrics.IncLogsSkipped(skipReplayed)
			continue
		}
		out = append(out, l)
	}
	return out
}

type backlog struct {
	logs   []chain.Log
	closed bool
}

// collect reads stream into memory until stop is closed, the stream ends or
// limit logs are held. Past the limit the stream is left to the caller unread.
func collect(stream <-chan chain.Log, limit int, stop <-chan struct{}) <-chan backlog {
	res := make(chan backlog, 1)
	go func() {
		var b backlog
		defer func() { res <- b }()
		for len(b.logs) < limit {
			select {
			case <-stop:
				return
			case l, ok := <-stream:
				if !ok {
					b.closed = true
					return
				}
				b.logs = append(b.logs, l)
			}
		}
	}()
	return res
}

// drain collects first and every log already buffered behind it, so the logs of
// one block are committed together. closed reports that the stream ended.
func drain(stream <-chan chain.Log, first chain.Log) (batch []chain.Log, closed bool) {
	batch = []chain.Log{first}
	for {
		select {
		case l, ok := <-stream:
			if !ok {
				return batch, true
			}
			batch = append(batch, l)
		default:
			return batch, false
		}
	}
}
