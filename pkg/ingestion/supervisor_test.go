package ingestion

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ava-labs/libevm/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/chain"
	"github.com/ava-labs/token-indexer/pkg/ledger"
)

var tokenD = common.HexToAddress("0x582d872A1B094FC48F5DE31D3B73F2D9bE47def1")

type fakeResolver struct {
	symbol   string
	decimals int16
	err      error
}

func (r fakeResolver) TokenMetadata(context.Context, common.Address) (string, int16, error) {
	return r.symbol, r.decimals, r.err
}

func newTestSupervisor(t *testing.T, h *harness, mutate func(*SupervisorConfig)) *Supervisor {
	t.Helper()
	cfg := DefaultSupervisorConfig()
	cfg.BootstrapContracts = nil
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSupervisor(h.store, h.scanner, h.follower, nil, cfg, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	return s
}

// runSupervisor starts Run and returns a stop function that cancels it and waits for it to return.
func runSupervisor(t *testing.T, s *Supervisor) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
			return nil
		}
	}
}

func TestNewSupervisor_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeChain(0))
	log := zap.NewNop().Sugar()
	cfg := DefaultSupervisorConfig()

	tests := []struct {
		name   string
		build  func() (*Supervisor, error)
		errMsg string
	}{
		{
			name:   "nil store",
			build:  func() (*Supervisor, error) { return NewSupervisor(nil, h.scanner, h.follower, nil, cfg, log, nil) },
			errMsg: "invalid store",
		},
		{
			name:   "nil logger",
			build:  func() (*Supervisor, error) { return NewSupervisor(h.store, h.scanner, h.follower, nil, cfg, nil, nil) },
			errMsg: "invalid logger",
		},
		{
			name: "zero admission capacity",
			build: func() (*Supervisor, error) {
				c := cfg
				c.AdmissionCapacity = 0
				return NewSupervisor(h.store, h.scanner, h.follower, nil, c, log, nil)
			},
			errMsg: "invalid admission capacity",
		},
		{
			name: "zero scans",
			build: func() (*Supervisor, error) {
				c := cfg
				c.MaxConcurrentScans = 0
				return NewSupervisor(h.store, h.scanner, h.follower, nil, c, log, nil)
			},
			errMsg: "invalid max concurrent scans",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestSupervisor_BootstrapSeedsEmptyStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeChain(0))
	s := newTestSupervisor(t, h, func(c *SupervisorConfig) {
		c.BootstrapContracts = DefaultBootstrapContracts
	})

	tokens, err := s.Bootstrap(t.Context())
	require.NoError(t, err)
	require.Len(t, tokens, 4)
	for i, tok := range tokens {
		require.Equal(t, DefaultBootstrapContracts[i], tok.Contract)
		require.Equal(t, int64(-1), tok.Watermark)
		require.Equal(t, "TEST", tok.Symbol)
		require.Equal(t, int16(6), tok.Decimals)
	}

	// a populated store is not seeded again
	tokens, err = s.Bootstrap(t.Context())
	require.NoError(t, err)
	require.Len(t, tokens, 4)
}

func TestSupervisor_BootstrapKeepsExistingTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeChain(0))
	h.token(t, tokenD, 500)
	s := newTestSupervisor(t, h, func(c *SupervisorConfig) {
		c.BootstrapContracts = DefaultBootstrapContracts
	})

	tokens, err := s.Bootstrap(t.Context())
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.Equal(t, int64(500), tokens[0].Watermark)
}

func TestSupervisor_RegisterToken_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeChain(0))
	s := newTestSupervisor(t, h, nil)

	_, err := s.RegisterToken(t.Context(), "not-an-address")
	require.ErrorIs(t, err, ledger.ErrInvalidAddress)

	tok, err := s.RegisterToken(t.Context(), tokenC.Hex())
	require.NoError(t, err)
	require.Equal(t, tokenC, tok.Contract)
	require.Equal(t, int64(-1), tok.Watermark)

	_, err = s.RegisterToken(t.Context(), tokenC.Hex())
	require.ErrorIs(t, err, ledger.ErrDuplicateToken)
}

func TestSupervisor_RegisterToken_StartBlock(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeChain(0))
	s := newTestSupervisor(t, h, func(c *SupervisorConfig) { c.StartBlock = 1_000 })

	tok, err := s.RegisterToken(t.Context(), tokenC.Hex())
	require.NoError(t, err)
	require.Equal(t, int64(999), tok.Watermark)
}

func TestSupervisor_RegisterToken_AdmissionFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeChain(0))
	s := newTestSupervisor(t, h, func(c *SupervisorConfig) { c.AdmissionCapacity = 1 })

	_, err := s.RegisterToken(t.Context(), tokenC.Hex())
	require.NoError(t, err)

	_, err = s.RegisterToken(t.Context(), tokenD.Hex())
	require.ErrorIs(t, err, ErrAdmissionFull)

	// rejected before anything was written
	count, err := h.store.GetTokenCount(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestSupervisor_RegisterToken_Metadata(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		resolver     MetadataResolver
		wantSymbol   string
		wantDecimals int16
	}{
		{name: "resolved", resolver: fakeResolver{symbol: "USDC", decimals: 6}, wantSymbol: "USDC", wantDecimals: 6},
		{name: "fallback on error", resolver: fakeResolver{err: errors.New("execution reverted")}, wantSymbol: "TEST", wantDecimals: 6},
		{name: "fallback on empty symbol", resolver: fakeResolver{decimals: 18}, wantSymbol: "TEST", wantDecimals: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, newFakeChain(0))
			s, err := NewSupervisor(h.store, h.scanner, h.follower, tt.resolver, DefaultSupervisorConfig(), zap.NewNop().Sugar(), nil)
			require.NoError(t, err)

			tok, err := s.RegisterToken(t.Context(), tokenC.Hex())
			require.NoError(t, err)
			require.Equal(t, tt.wantSymbol, tok.Symbol)
			require.Equal(t, tt.wantDecimals, tok.Decimals)
		})
	}
}

func TestSupervisor_RunEndToEnd(t *testing.T) {
	t.Parallel()

	fc := newFakeChain(50)
	fc.getLogs = func(contract common.Address, from, to int64) ([]chain.Log, error) {
		if contract != tokenC {
			return nil, nil
		}
		return []chain.Log{
			transferLog(contract, alice, bob, "100", 5),
			transferLog(contract, alice, alice, "3", 6),
			transferLog(contract, bob, bob, "4", 7),
		}, nil
	}
	h := newHarness(t, fc)
	s := newTestSupervisor(t, h, func(c *SupervisorConfig) {
		c.BootstrapContracts = []common.Address{tokenC}
	})

	stop := runSupervisor(t, s)

	require.Eventually(t, func() bool {
		return fc.subscriptions(tokenC) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(50), h.watermark(t, tokenC))
	tokC, err := h.store.GetTokenByContract(t.Context(), tokenC)
	require.NoError(t, err)
	require.Equal(t, "-100", h.store.Balance(alice, tokC.ID).String())
	require.Equal(t, "100", h.store.Balance(bob, tokC.ID).String())

	// late registration becomes a new pipeline without disturbing the first
	_, err = s.RegisterToken(t.Context(), tokenD.Hex())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return fc.subscriptions(tokenD) == 1 && s.ActivePipelines() == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, err = s.RegisterToken(t.Context(), tokenC.Hex())
	require.ErrorIs(t, err, ledger.ErrDuplicateToken)
	require.Equal(t, 2, s.ActivePipelines())
	require.Equal(t, 1, fc.subscriptions(tokenC))

	require.NoError(t, stop())
	require.Equal(t, 0, s.ActivePipelines())

	_, err = s.RegisterToken(t.Context(), "0xc5f0f7b66764F6ec8C8Dff7BA683102295E16409")
	require.ErrorIs(t, err, ErrStopped)
}

func TestSupervisor_OnePipelinePerToken(t *testing.T) {
	t.Parallel()

	fc := newFakeChain(10)
	h := newHarness(t, fc)
	tok := h.token(t, tokenC, 10)
	s := newTestSupervisor(t, h, nil)

	// the same token arrives through bootstrap and admission
	require.NoError(t, s.admit(tok))
	require.NoError(t, s.admit(tok))

	stop := runSupervisor(t, s)
	require.Eventually(t, func() bool {
		return fc.subscriptions(tokenC) == 1 && len(s.admission) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, s.ActivePipelines())
	require.Equal(t, 1, fc.subscriptions(tokenC))

	require.NoError(t, stop())
}

func TestSupervisor_FailureIsolation(t *testing.T) {
	t.Parallel()

	fc := newFakeChain(100)
	fc.getLogs = func(contract common.Address, from, to int64) ([]chain.Log, error) {
		if contract == tokenD {
			return nil, &chain.Error{Kind: chain.KindProviderError, Op: "eth_getLogs", Err: errors.New("invalid params")}
		}
		return nil, nil
	}
	h := newHarness(t, fc)
	s := newTestSupervisor(t, h, func(c *SupervisorConfig) {
		c.BootstrapContracts = []common.Address{tokenC, tokenD}
	})

	stop := runSupervisor(t, s)

	require.Eventually(t, func() bool {
		return fc.subscriptions(tokenC) == 1 && s.ActivePipelines() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, fc.subscriptions(tokenD))
	require.Equal(t, int64(-1), h.watermark(t, tokenD))
	require.Equal(t, int64(100), h.watermark(t, tokenC))

	// the supervisor keeps admitting after a pipeline failure
	_, err := s.RegisterToken(t.Context(), "0xc5f0f7b66764F6ec8C8Dff7BA683102295E16409")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ActivePipelines() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
}

func TestSupervisor_SubscriptionLossEndsOnlyThatPipeline(t *testing.T) {
	t.Parallel()

	fc := newFakeChain(10)
	h := newHarness(t, fc)
	s := newTestSupervisor(t, h, func(c *SupervisorConfig) {
		c.BootstrapContracts = []common.Address{tokenC, tokenD}
	})

	stop := runSupervisor(t, s)
	streamC := waitForStream(t, fc, tokenC)
	waitForStream(t, fc, tokenD)
	require.Eventually(t, func() bool { return s.ActivePipelines() == 2 }, 2*time.Second, 5*time.Millisecond)

	close(streamC)
	require.Eventually(t, func() bool { return s.ActivePipelines() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
}

type failingStore struct {
	ledger.Store
}

func (failingStore) GetTokenCount(context.Context) (int64, error) {
	return 0, ledger.ErrStore
}

func TestSupervisor_BootstrapFailureIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeChain(0))
	s, err := NewSupervisor(failingStore{Store: h.store}, h.scanner, h.follower, nil, DefaultSupervisorConfig(), zap.NewNop().Sugar(), nil)
	require.NoError(t, err)

	err = s.Run(t.Context())
	require.ErrorIs(t, err, ledger.ErrStore)

	_, err = s.RegisterToken(t.Context(), tokenC.Hex())
	require.ErrorIs(t, err, ErrStopped)
}

type countingStore struct {
	ledger.Store
	counts atomic.Int32
}

func (s *countingStore) GetTokenCount(ctx context.Context) (int64, error) {
	s.counts.Add(1)
	return s.Store.GetTokenCount(ctx)
}

func TestSupervisor_RunBootstrapsOnce(t *testing.T) {
	t.Parallel()
	fc := newFakeChain(10)
	h := newHarness(t, fc)
	store := &countingStore{Store: h.store}
	cfg := DefaultSupervisorConfig()
	cfg.BootstrapContracts = []common.Address{tokenC, tokenD}
	cfg.StartBlock = 10
	s, err := NewSupervisor(store, h.scanner, h.follower, nil, cfg, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)

	stop := runSupervisor(t, s)
	require.Eventually(t, func() bool {
		return fc.subscriptions(tokenC) == 1 && fc.subscriptions(tokenD) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	require.Equal(t, int32(1), store.counts.Load())
	count, err := h.store.GetTokenCount(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}
