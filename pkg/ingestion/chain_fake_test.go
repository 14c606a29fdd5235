package ingestion

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ava-labs/libevm/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/chain"
	"github.com/ava-labs/token-indexer/pkg/data/inmemory"
	"github.com/ava-labs/token-indexer/pkg/ledger"
)

var (
	tokenC = common.HexToAddress("0x50327c6c5a14DCaDE707ABad2E27eB517df87AB5")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// fakeChain is a scriptable chain.Client.
type fakeChain struct {
	mu sync.Mutex

	head    int64
	headErr error
	// headSeq is consumed one value per HeadHeight call before falling back to head.
	headSeq []int64
	// getLogs answers a window; defaults to no logs.
	getLogs func(contract common.Address, from, to int64) ([]chain.Log, error)
	windows []Window

	subscribeErr error
	subscribed   map[common.Address]int
	streams      map[common.Address]chan chain.Log
}

func newFakeChain(head int64) *fakeChain {
	return &fakeChain{
		head:       head,
		subscribed: make(map[common.Address]int),
		streams:    make(map[common.Address]chan chain.Log),
	}
}

func (f *fakeChain) setHead(h int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = h
}

func (f *fakeChain) HeadHeight(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.headSeq) > 0 {
		f.head, f.headSeq = f.headSeq[0], f.headSeq[1:]
	}
	return f.head, f.headErr
}

func (f *fakeChain) GetLogs(_ context.Context, contracts []common.Address, from, to int64) ([]chain.Log, error) {
	f.mu.Lock()
	f.windows = append(f.windows, Window{From: from, To: to})
	fn := f.getLogs
	f.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(contracts[0], from, to)
}

func (f *fakeChain) SubscribeLogs(_ context.Context, contracts []common.Address, _ int64) (<-chan chain.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	ch := make(chan chain.Log, 16)
	f.subscribed[contracts[0]]++
	f.streams[contracts[0]] = ch
	return ch, nil
}

func (f *fakeChain) stream(contract common.Address) (chan chain.Log, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.streams[contract]
	return ch, ok
}

func (f *fakeChain) subscriptions(contract common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[contract]
}

func (f *fakeChain) scanned() []Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Window(nil), f.windows...)
}

func transferLog(contract, from, to common.Address, amount string, block int64) chain.Log {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		panic("invalid amount " + amount)
	}
	return chain.Log{
		Contract:    contract,
		BlockNumber: block,
		Topics: []common.Hash{
			chain.TransferSignature,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(v.Bytes(), 32),
	}
}

func noBackoff() ScanConfig {
	cfg := DefaultScanConfig()
	cfg.RateLimitBackoff = 0
	return cfg
}

type harness struct {
	store    *inmemory.Store
	chain    *fakeChain
	applier  *Applier
	scanner  *Scanner
	follower *Follower
}

func newHarness(t *testing.T, fc *fakeChain) *harness {
	t.Helper()
	log := zap.NewNop().Sugar()
	store := inmemory.New()

	applier, err := NewApplier(store, nil, log, nil)
	require.NoError(t, err)
	scanner, err := NewScanner(fc, applier, noBackoff(), log, nil)
	require.NoError(t, err)
	follower, err := NewFollower(fc, applier, scanner, 0, log, nil)
	require.NoError(t, err)

	return &harness{store: store, chain: fc, applier: applier, scanner: scanner, follower: follower}
}

func (h *harness) token(t *testing.T, contract common.Address, watermark int64) ledger.Token {
	t.Helper()
	tok, err := h.store.CreateToken(t.Context(), contract, watermark, DefaultSymbol, DefaultDecimals)
	require.NoError(t, err)
	return tok
}

func (h *harness) watermark(t *testing.T, contract common.Address) int64 {
	t.Helper()
	tok, err := h.store.GetTokenByContract(t.Context(), contract)
	require.NoError(t, err)
	return tok.Watermark
}
