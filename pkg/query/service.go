// Package query serves read-only listings of tokens and balances.
package query

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/ava-labs/libevm/common"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/ledger"
)

const (
	RouteTokens   = "tokens"
	RouteBalances = "balances"

	tokenCountKey = "count:tokens"
)

// Result is one page of a listing together with the total row count.
type Result[T any] struct {
	Items []T
	Total int64
	Page  ledger.Page
	Links Links
}

// Service reads from the ledger store. Totals go through the optional cache;
// a cache failure falls back to the store.
type Service struct {
	store   ledger.Store
	cache   CountCache
	baseURL string
	log     *zap.SugaredLogger
}

// NewService creates a Service. cache may be nil.
func NewService(store ledger.Store, cache CountCache, baseURL string, log *zap.SugaredLogger) (*Service, error) {
	if store == nil {
		return nil, errors.New("invalid store: must not be nil")
	}
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	return &Service{store: store, cache: cache, baseURL: baseURL, log: log}, nil
}

func (s *Service) ListTokens(ctx context.Context, q TokenQuery) (Result[ledger.Token], error) {
	page := q.Page.Normalize()
	tokens, err := s.store.ListTokens(ctx, page, q.Sort)
	if err != nil {
		return Result[ledger.Token]{}, fmt.Errorf("failed to list tokens: %w", err)
	}
	total, err := s.count(ctx, tokenCountKey, s.store.GetTokenCount)
	if err != nil {
		return Result[ledger.Token]{}, fmt.Errorf("failed to count tokens: %w", err)
	}

	extra := url.Values{}
	switch q.Sort {
	case ledger.TokenSortSymbolAsc:
		extra.Set(ParamSort, "symbol")
	case ledger.TokenSortSymbolDesc:
		extra.Set(ParamSort, "-symbol")
	}
	return Result[ledger.Token]{
		Items: tokens,
		Total: total,
		Page:  page,
		Links: BuildLinks(s.baseURL, RouteTokens, page, total, extra),
	}, nil
}

func (s *Service) ListBalances(ctx context.Context, q BalanceQuery) (Result[ledger.Balance], error) {
	if err := q.Filter.Validate(); err != nil {
		return Result[ledger.Balance]{}, err
	}
	page := q.Page.Normalize()
	balances, err := s.store.ListBalances(ctx, q.Filter, page, q.Sort)
	if err != nil {
		return Result[ledger.Balance]{}, fmt.Errorf("failed to list balances: %w", err)
	}

	extra := url.Values{}
	var key string
	if q.Filter.Holder != nil {
		extra.Set(ParamFilterHolder, q.Filter.Holder.Hex())
		key = "count:balances:holder:" + q.Filter.Holder.Hex()
	} else {
		extra.Set(ParamFilterToken, q.Filter.Token.Hex())
		key = "count:balances:token:" + q.Filter.Token.Hex()
	}
	switch q.Sort {
	case ledger.BalanceSortAmountAsc:
		extra.Set(ParamSort, "amount")
	case ledger.BalanceSortAmountDesc:
		extra.Set(ParamSort, "-amount")
	}

	total, err := s.count(ctx, key, func(ctx context.Context) (int64, error) {
		return s.store.CountBalances(ctx, q.Filter)
	})
	if err != nil {
		return Result[ledger.Balance]{}, fmt.Errorf("failed to count balances: %w", err)
	}
	return Result[ledger.Balance]{
		Items: balances,
		Total: total,
		Page:  page,
		Links: BuildLinks(s.baseURL, RouteBalances, page, total, extra),
	}, nil
}

// GetToken looks a token up by contract address.
func (s *Service) GetToken(ctx context.Context, contract common.Address) (ledger.Token, error) {
	return s.store.GetTokenByContract(ctx, contract)
}

// TokenRegistered drops the cached token total after a registration.
func (s *Service) TokenRegistered(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tokenCountKey); err != nil {
		s.log.Warnw("failed to invalidate token count", "error", err)
	}
}

func (s *Service) count(ctx context.Context, key string, load func(context.Context) (int64, error)) (int64, error) {
	if s.cache != nil {
		n, ok, err := s.cache.GetCount(ctx, key)
		if err != nil {
			s.log.Warnw("count cache read failed", "key", key, "error", err)
		} else if ok {
			return n, nil
		}
	}

	n, err := load(ctx)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.SetCount(ctx, key, n); err != nil {
			s.log.Warnw("count cache write failed", "key", key, "error", err)
		}
	}
	return n, nil
}
