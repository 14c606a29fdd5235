package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ava-labs/libevm/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/chain"
)

func waitForStream(t *testing.T, fc *fakeChain, contract common.Address) chan chain.Log {
	t.Helper()
	var ch chan chain.Log
	require.Eventually(t, func() bool {
		var ok bool
		ch, ok = fc.stream(contract)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return ch
}

func TestNewFollower_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeChain(0))
	log := zap.NewNop().Sugar()

	_, err := NewFollower(nil, h.applier, h.scanner, 0, log, nil)
	require.Error(t, err)
	_, err = NewFollower(h.chain, nil, h.scanner, 0, log, nil)
	require.Error(t, err)
	_, err = NewFollower(h.chain, h.applier, nil, 0, log, nil)
	require.Error(t, err)
	_, err = NewFollower(h.chain, h.applier, h.scanner, -time.Second, log, nil)
	require.Error(t, err)
}

func TestFollower_AppliesLiveTransfers(t *testing.T) {
	t.Parallel()

	fc := newFakeChain(10)
	h := newHarness(t, fc)
	tok := h.token(t, tokenC, 10)

	errCh := make(chan error, 1)
	go func() { errCh <- h.follower.Run(t.Context(), tok) }()

	stream := waitForStream(t, fc, tokenC)
	stream <- transferLog(tokenC, alice, bob, "999", 9) // replayed, already covered
	stream <- transferLog(tokenC, alice, bob, "50", 11)
	stream <- transferLog(tokenC, bob, alice, "20", 12)
	close(stream)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not stop")
	}

	require.Equal(t, "-30", h.store.Balance(alice, tok.ID).String())
	require.Equal(t, "30", h.store.Balance(bob, tok.ID).String())
	require.Equal(t, int64(12), h.watermark(t, tokenC))
}

func TestFollower_SelfTransferAdvancesWatermark(t *testing.T) {
	t.Parallel()

	fc := newFakeChain(10)
	h := newHarness(t, fc)
	tok := h.token(t, tokenC, 10)

	errCh := make(chan error, 1)
	go func() { errCh <- h.follower.Run(t.Context(), tok) }()

	stream := waitForStream(t, fc, tokenC)
	stream <- transferLog(tokenC, alice, alice, "5", 15)
	close(stream)

	require.ErrorIs(t, <-errCh, ErrSubscriptionClosed)
	require.Equal(t, "0", h.store.Balance(alice, tok.ID).String())
	require.Equal(t, int64(15), h.watermark(t, tokenC))
}

func TestFollower_FillsGapBeforeStreaming(t *testing.T) {
	t.Parallel()

	fc := newFakeChain(20)
	fc.getLogs = func(contract common.Address, from, to int64) ([]chain.Log, error) {
		return []chain.Log{transferLog(contract, alice, bob, "5", 15)}, nil
	}
	h := newHarness(t, fc)
	tok := h.token(t, tokenC, 10)

	errCh := make(chan error, 1)
	go func() { errCh <- h.follower.Run(t.Context(), tok) }()

	stream := waitForStream(t, fc, tokenC)
	// the subscription also delivers the block fetched by the catch-up scan
	stream <- transferLog(tokenC, alice, bob, "5", 15)
	stream <- transferLog(tokenC, alice, bob, "1", 21)
	close(stream)

	require.ErrorIs(t, <-errCh, ErrSubscriptionClosed)
	require.Equal(t, []Window{{From: 11, To: 20}}, fc.scanned())
	require.Equal(t, "-6", h.store.Balance(alice, tok.ID).String())
	require.Equal(t, "6", h.store.Balance(bob, tok.ID).String())
	require.Equal(t, int64(21), h.watermark(t, tokenC))
}

func TestFollower_Cancel(t *testing.T) {
	t.Parallel()

	fc := newFakeChain(10)
	h := newHarness(t, fc)
	tok := h.token(t, tokenC, 10)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- h.follower.Run(ctx, tok) }()

	waitForStream(t, fc, tokenC)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not stop")
	}
}

func TestFollower_SubscribeFailure(t *testing.T) {
	t.Parallel()

	fc := newFakeChain(10)
	fc.subscribeErr = &chain.Error{Kind: chain.KindProviderUnavailable, Err: errors.New("notifications not supported")}
	h := newHarness(t, fc)
	tok := h.token(t, tokenC, 10)

	err := h.follower.Run(t.Context(), tok)
	require.ErrorIs(t, err, chain.ErrProviderUnavailable)
}

func TestDrain(t *testing.T) {
	t.Parallel()

	ch := make(chan chain.Log, 4)
	ch <- chain.Log{BlockNumber: 2}
	ch <- chain.Log{BlockNumber: 2}

	batch, closed := drain(ch, chain.Log{BlockNumber: 1})
	require.False(t, closed)
	require.Len(t, batch, 3)

	ch <- chain.Log{BlockNumber: 3}
	close(ch)
	batch, closed = drain(ch, chain.Log{BlockNumber: 3})
	require.True(t, closed)
	require.Len(t, batch, 2)
}

func TestFollower_ReadsStreamDuringCatchUp(t *testing.T) {
	t.Parallel()

	fc := newFakeChain(20)
	fc.getLogs = func(contract common.Address, from, to int64) ([]chain.Log, error) {
		stream, ok := fc.stream(contract)
		if !ok {
			return nil, errors.New("no subscription")
		}
		// more logs than the stream can buffer arrive while the window is fetched
		for block := int64(21); block <= 60; block++ {
			select {
			case stream <- transferLog(contract, alice, bob, "1", block):
			case <-time.After(2 * time.Second):
				return nil, errors.New("stream not read during catch-up")
			}
		}
		close(stream)
		return nil, nil
	}
	h := newHarness(t, fc)
	tok := h.token(t, tokenC, 10)

	err := h.follower.Run(t.Context(), tok)
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.Equal(t, []Window{{From: 11, To: 20}}, fc.scanned())
	require.Equal(t, "-40", h.store.Balance(alice, tok.ID).String())
	require.Equal(t, "40", h.store.Balance(bob, tok.ID).String())
	require.Equal(t, int64(60), h.watermark(t, tokenC))
}

func TestCollect(t *testing.T) {
	t.Parallel()

	t.Run("stops at limit", func(t *testing.T) {
		t.Parallel()
		ch := make(chan chain.Log, 8)
		for i := int64(1); i <= 5; i++ {
			ch <- chain.Log{BlockNumber: i}
		}
		b := <-collect(ch, 3, make(chan struct{}))
		require.Len(t, b.logs, 3)
		require.False(t, b.closed)
		require.Len(t, ch, 2)
	})

	t.Run("stops when told", func(t *testing.T) {
		t.Parallel()
		stop := make(chan struct{})
		res := collect(make(chan chain.Log), 10, stop)
		close(stop)
		b := <-res
		require.Empty(t, b.logs)
		require.False(t, b.closed)
	})

	t.Run("stream closed", func(t *testing.T) {
		t.Parallel()
		ch := make(chan chain.Log, 1)
		ch <- chain.Log{BlockNumber: 7}
		close(ch)
		b := <-collect(ch, 10, make(chan struct{}))
		require.Equal(t, []chain.Log{{BlockNumber: 7}}, b.logs)
		require.True(t, b.closed)
	})
}
