package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/core/types"
	"github.com/ava-labs/libevm/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ava-labs/token-indexer/pkg/chain"
	"github.com/ava-labs/token-indexer/pkg/metrics"
)

var _ chain.Client = (*Client)(nil)

const (
	methodBlockNumber = "eth_blockNumber"
	methodGetLogs     = "eth_getLogs"
	methodSubscribe   = "eth_subscribe"
	methodCall        = "eth_call"

	// subscriptionBuffer bounds how many live logs may wait for the follower.
	subscriptionBuffer = 256
)

// Backend is the subset of *ethclient.Client used by Client.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Client implements chain.Client on top of a libevm JSON-RPC client.
// It is stateless per call apart from the request limiter, which is itself safe
// for concurrent use, so a single Client is shared by every pipeline.
type Client struct {
	backend  Backend
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	classify chain.Classifier
	timeout  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithClassifier replaces the default provider error classifier.
func WithClassifier(c chain.Classifier) Option {
	return func(cl *Client) {
		if c != nil {
			cl.classify = c
		}
	}
}

// WithRateLimit caps outgoing requests per second. rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithMetrics records RPC call outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithRequestTimeout bounds every unary call. Zero means no per-call deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// Dial connects to a websocket (or HTTP, without subscriptions) endpoint.
func Dial(ctx context.Context, url string, log *zap.SugaredLogger, opts ...Option) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, chain.Wrap("dial", err, nil)
	}
	c, err := New(ec, log, opts...)
	if err != nil {
		ec.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an existing backend.
func New(backend Backend, log *zap.SugaredLogger, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("invalid backend: must not be nil")
	}
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	c := &Client{
		backend:  backend,
		log:      log,
		limiter:  rate.NewLimiter(rate.Inf, 0),
		classify: chain.Classify,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.backend.Close()
}

func (c *Client) HeadHeight(ctx context.Context) (int64, error) {
	var head uint64
	err := c.call(ctx, methodBlockNumber, func(ctx context.Context) error {
		var err error
		head, err = c.backend.BlockNumber(ctx)
		return err
	})
	if err != nil {
		// any failure to learn the head is treated as the provider being unreachable
		var ce *chain.Error
		if errors.As(err, &ce) {
			ce.Kind = chain.KindProviderUnavailable
		}
		return 0, err
	}
	return int64(head), nil
}

func (c *Client) GetLogs(ctx context.Context, contracts []common.Address, from, to int64) ([]chain.Log, error) {
	if from > to {
		return nil, fmt.Errorf("invalid range [%d, %d]", from, to)
	}
	q := filterQuery(contracts, from)
	q.ToBlock = big.NewInt(to)

	var raw []types.Log
	err := c.call(ctx, methodGetLogs, func(ctx context.Context) error {
		var err error
		raw, err = c.backend.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		if errors.Is(err, chain.ErrRateLimited) {
			c.metrics.IncRateLimited()
		}
		return nil, err
	}

	out := make([]chain.Log, 0, len(raw))
	for i := range raw {
		if raw[i].Removed {
			continue
		}
		out = append(out, toLog(&raw[i]))
	}
	return out, nil
}

func (c *Client) SubscribeLogs(ctx context.Context, contracts []common.Address, from int64) (<-chan chain.Log, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	raw := make(chan types.Log, subscriptionBuffer)
	start := time.Now()
	sub, err := c.backend.SubscribeFilterLogs(ctx, filterQuery(contracts, from), raw)
	c.metrics.RecordRPCCall(methodSubscribe, err, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &chain.Error{Kind: chain.KindProviderUnavailable, Op: methodSubscribe, Err: err}
	}

	out := make(chan chain.Log, subscriptionBuffer)
	go c.forward(ctx, sub, raw, out)
	return out, nil
}

// forward copies subscription logs to out until the transport drops or ctx ends,
// then closes out. Removed logs are dropped.
func (c *Client) forward(ctx context.Context, sub ethereum.Subscription, raw <-chan types.Log, out chan<- chain.Log) {
	defer close(out)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				c.log.Warnw("log subscription dropped", "error", err)
			}
			return
		case l := <-raw:
			if l.Removed {
				c.log.Warnw("ignoring removed log", "block", l.BlockNumber, "tx", l.TxHash.Hex())
				continue
			}
			select {
			case out <- toLog(&l):
			case <-ctx.Done():
				return
			}
		}
	}
}

// call waits for the limiter, applies the per-call timeout and records metrics.
// The returned error is already classified.
func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.metrics.IncRPCInFlight()
	start := time.Now()
	err := fn(ctx)
	c.metrics.DecRPCInFlight()
	c.metrics.RecordRPCCall(method, err, time.Since(start).Seconds())

	return chain.Wrap(method, err, c.classify)
}

func filterQuery(contracts []common.Address, from int64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		Addresses: contracts,
		Topics:    [][]common.Hash{{chain.TransferSignature}},
	}
}

func toLog(l *types.Log) chain.Log {
	return chain.Log{
		Contract:    l.Address,
		BlockNumber: int64(l.BlockNumber),
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		Topics:      l.Topics,
		Data:        l.Data,
	}
}
