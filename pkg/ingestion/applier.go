package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/chain"
	"github.com/ava-labs/token-indexer/pkg/ledger"
	"github.com/ava-labs/token-indexer/pkg/metrics"
	"github.com/ava-labs/token-indexer/pkg/sink"
)

const skipMalformed = "malformed"

// Applier turns Transfer logs into ledger deltas and commits them together with
// the new watermark. Both the scanner and the follower go through it.
type Applier struct {
	store   ledger.Store
	sink    sink.Sink
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewApplier creates an Applier. out may be nil when no downstream sink is configured.
func NewApplier(store ledger.Store, out sink.Sink, log *zap.SugaredLogger, m *metrics.Metrics) (*Applier, error) {
	if store == nil {
		return nil, errors.New("invalid store: must not be nil")
	}
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	return &Applier{store: store, sink: out, log: log, metrics: m}, nil
}

// Apply decodes logs in order, books them and moves the token's watermark to
// watermark in a single store transaction. Logs that do not decode as ERC20
// transfers are skipped. source labels metrics (scan or live).
//
// It returns the number of transfers booked. On error nothing was committed.
func (a *Applier) Apply(ctx context.Context, token ledger.Token, logs []chain.Log, watermark int64, source string) (int, error) {
	transfers := make([]ledger.Transfer, 0, len(logs))
	records := make([]sink.Record, 0, len(logs))

	for _, l := range logs {
		tr, err := chain.DecodeTransfer(l)
		if err != nil {
			a.log.Warnw("skipping log",
				"contract", token.Contract.Hex(),
				"block", l.BlockNumber,
				"tx", l.TxHash.Hex(),
				"error", err,
			)
			a.metrics.IncLogsSkipped(skipMalformed)
			continue
		}
		transfers = append(transfers, ledger.Transfer{From: tr.From, To: tr.To, Amount: tr.Amount})
		records = append(records, sink.Record{
			TokenID:     token.ID,
			Contract:    token.Contract,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			LogIndex:    l.LogIndex,
			From:        tr.From,
			To:          tr.To,
			Amount:      tr.Amount,
		})
	}

	start := time.Now()
	if err := a.store.ApplyBatch(ctx, token.ID, transfers, watermark); err != nil {
		return 0, fmt.Errorf("commit %d transfers up to block %d: %w", len(transfers), watermark, err)
	}
	a.metrics.RecordCommit(token.Contract.Hex(), source, len(transfers), watermark, time.Since(start).Seconds())

	if a.sink != nil && len(records) > 0 {
		// the ledger is already committed, so a failed publish is not an ingestion error
		if err := a.sink.Publish(ctx, records); err != nil && ctx.Err() == nil {
			a.log.Warnw("downstream publish failed",
				"contract", token.Contract.Hex(),
				"watermark", watermark,
				"error", err,
			)
		}
	}
	return len(transfers), nil
}
