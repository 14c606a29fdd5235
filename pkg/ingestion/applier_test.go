package ingestion

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ava-labs/libevm/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/chain"
	"github.com/ava-labs/token-indexer/pkg/data/inmemory"
	"github.com/ava-labs/token-indexer/pkg/ledger"
	"github.com/ava-labs/token-indexer/pkg/metrics"
	"github.com/ava-labs/token-indexer/pkg/sink"
)

type recordingSink struct {
	batches [][]sink.Record
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, records []sink.Record) error {
	s.batches = append(s.batches, records)
	return s.err
}

type rejectingStore struct {
	ledger.Store
}

func (rejectingStore) ApplyBatch(context.Context, int64, []ledger.Transfer, int64) error {
	return ledger.ErrStore
}

func TestNewApplier_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewApplier(nil, nil, zap.NewNop().Sugar(), nil)
	require.Error(t, err)
	_, err = NewApplier(inmemory.New(), nil, nil, nil)
	require.Error(t, err)
}

func TestApplier_SkipsMalformedAndPublishes(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	out := &recordingSink{}
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	a, err := NewApplier(store, out, zap.NewNop().Sugar(), m)
	require.NoError(t, err)

	tok, err := store.CreateToken(t.Context(), tokenC, -1, DefaultSymbol, DefaultDecimals)
	require.NoError(t, err)

	nft := transferLog(tokenC, alice, bob, "1", 3)
	nft.Topics = append(nft.Topics, common.BigToHash(big.NewInt(7)))
	good := transferLog(tokenC, alice, bob, "340282366920938463463374607431768211456", 4)
	good.TxHash = common.HexToHash("0xabc")
	good.LogIndex = 2

	n, err := a.Apply(t.Context(), tok, []chain.Log{nft, good}, 10, metrics.SourceScan)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, "-340282366920938463463374607431768211456", store.Balance(alice, tok.ID).String())
	got, err := store.GetTokenByContract(t.Context(), tokenC)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.Watermark)

	require.Len(t, out.batches, 1)
	require.Len(t, out.batches[0], 1)
	rec := out.batches[0][0]
	require.Equal(t, tok.ID, rec.TokenID)
	require.Equal(t, int64(4), rec.BlockNumber)
	require.Equal(t, uint(2), rec.LogIndex)
	require.Equal(t, good.TxHash, rec.TxHash)
	require.Equal(t, alice, rec.From)
	require.Equal(t, bob, rec.To)
}

func TestApplier_EmptyWindowAdvancesWatermark(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	out := &recordingSink{}
	a, err := NewApplier(store, out, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	tok, err := store.CreateToken(t.Context(), tokenC, -1, DefaultSymbol, DefaultDecimals)
	require.NoError(t, err)

	n, err := a.Apply(t.Context(), tok, nil, 1_000_000, metrics.SourceScan)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, out.batches)

	got, err := store.GetTokenByContract(t.Context(), tokenC)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), got.Watermark)
}

func TestApplier_SinkFailureDoesNotFailCommit(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	out := &recordingSink{err: errors.New("broker down")}
	a, err := NewApplier(store, out, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	tok, err := store.CreateToken(t.Context(), tokenC, -1, DefaultSymbol, DefaultDecimals)
	require.NoError(t, err)

	_, err = a.Apply(t.Context(), tok, []chain.Log{transferLog(tokenC, alice, bob, "5", 1)}, 1, metrics.SourceLive)
	require.NoError(t, err)
	require.Equal(t, "5", store.Balance(bob, tok.ID).String())
}

func TestApplier_StoreFailure(t *testing.T) {
	t.Parallel()

	out := &recordingSink{}
	a, err := NewApplier(rejectingStore{Store: inmemory.New()}, out, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)

	_, err = a.Apply(t.Context(), ledger.Token{ID: 1, Contract: tokenC}, []chain.Log{transferLog(tokenC, alice, bob, "5", 1)}, 1, metrics.SourceScan)
	require.ErrorIs(t, err, ledger.ErrStore)
	require.Empty(t, out.batches)
}
