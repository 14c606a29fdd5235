package inmemory

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ava-labs/libevm/common"

	"github.com/ava-labs/token-indexer/pkg/ledger"
)

var _ ledger.Store = (*Store)(nil)

type balanceKey struct {
	holderID int64
	tokenID  int64
}

// Store is a thread-safe in-memory ledger.Store. It is used by tests and by
// the "memory" store backend for local runs; state is lost on exit.
type Store struct {
	mu sync.Mutex

	tokens      []ledger.Token
	tokenByAddr map[common.Address]int
	holders     []ledger.Holder
	holderByAdr map[common.Address]int64
	balances    map[balanceKey]*big.Int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tokenByAddr: make(map[common.Address]int),
		holderByAdr: make(map[common.Address]int64),
		balances:    make(map[balanceKey]*big.Int),
	}
}

func (s *Store) CreateToken(_ context.Context, contract common.Address, watermark int64, symbol string, decimals int16) (ledger.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokenByAddr[contract]; ok {
		return ledger.Token{}, ledger.ErrDuplicateToken
	}
	t := ledger.Token{
		ID:        int64(len(s.tokens) + 1),
		Contract:  contract,
		Watermark: watermark,
		Symbol:    symbol,
		Decimals:  decimals,
	}
	s.tokens = append(s.tokens, t)
	s.tokenByAddr[contract] = len(s.tokens) - 1
	return t, nil
}

func (s *Store) GetTokenByContract(_ context.Context, contract common.Address) (ledger.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.tokenByAddr[contract]
	if !ok {
		return ledger.Token{}, ledger.ErrNotFound
	}
	return s.tokens[i], nil
}

func (s *Store) ListTokens(_ context.Context, page ledger.Page, order ledger.TokenSort) ([]ledger.Token, error) {
	s.mu.Lock()
	out := make([]ledger.Token, len(s.tokens))
	copy(out, s.tokens)
	s.mu.Unlock()

	switch order {
	case ledger.TokenSortSymbolAsc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	case ledger.TokenSortSymbolDesc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol > out[j].Symbol })
	}
	return paginate(out, page), nil
}

func (s *Store) GetTokenCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.tokens)), nil
}

func (s *Store) UpdateTokenWatermark(_ context.Context, tokenID, watermark int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(tokenID, watermark)
}

func (s *Store) GetOrCreateHolder(_ context.Context, address common.Address) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holderLocked(address), nil
}

func (s *Store) UpsertBalanceDelta(_ context.Context, holderID, tokenID int64, delta *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(holderID, tokenID, delta)
	return nil
}

func (s *Store) ApplyTransfer(_ context.Context, tokenID int64, t ledger.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tokenExistsLocked(tokenID); err != nil {
		return err
	}
	s.applyLocked(tokenID, t)
	return nil
}

func (s *Store) ApplyBatch(_ context.Context, tokenID int64, transfers []ledger.Transfer, watermark int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tokenExistsLocked(tokenID); err != nil {
		return err
	}
	for _, t := range transfers {
		s.applyLocked(tokenID, t)
	}
	return s.advanceLocked(tokenID, watermark)
}

func (s *Store) ListBalances(_ context.Context, filter ledger.BalanceFilter, page ledger.Page, order ledger.BalanceSort) ([]ledger.Balance, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := s.matchLocked(filter)
	s.mu.Unlock()

	switch order {
	case ledger.BalanceSortAmountAsc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Amount.Cmp(out[j].Amount) < 0 })
	case ledger.BalanceSortAmountDesc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Amount.Cmp(out[j].Amount) > 0 })
	}
	return paginate(out, page), nil
}

func (s *Store) CountBalances(_ context.Context, filter ledger.BalanceFilter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.matchLocked(filter))), nil
}

func (s *Store) ResetToken(_ context.Context, tokenID, watermark int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tokenExistsLocked(tokenID); err != nil {
		return err
	}
	for k := range s.balances {
		if k.tokenID == tokenID {
			delete(s.balances, k)
		}
	}
	s.tokens[tokenID-1].Watermark = watermark
	return nil
}

// Balance returns the current amount for a holder/token pair, zero when absent.
func (s *Store) Balance(holder common.Address, tokenID int64) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holderByAdr[holder]
	if !ok {
		return new(big.Int)
	}
	if v, ok := s.balances[balanceKey{holderID: id, tokenID: tokenID}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// HolderCount returns the number of distinct holders seen so far.
func (s *Store) HolderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holders)
}

func (s *Store) tokenExistsLocked(tokenID int64) error {
	if tokenID < 1 || tokenID > int64(len(s.tokens)) {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) advanceLocked(tokenID, watermark int64) error {
	if err := s.tokenExistsLocked(tokenID); err != nil {
		return err
	}
	t := &s.tokens[tokenID-1]
	if watermark > t.Watermark {
		t.Watermark = watermark
	}
	return nil
}

func (s *Store) holderLocked(address common.Address) int64 {
	if id, ok := s.holderByAdr[address]; ok {
		return id
	}
	id := int64(len(s.holders) + 1)
	s.holders = append(s.holders, ledger.Holder{ID: id, Address: address})
	s.holderByAdr[address] = id
	return id
}

func (s *Store) addLocked(holderID, tokenID int64, delta *big.Int) {
	k := balanceKey{holderID: holderID, tokenID: tokenID}
	cur, ok := s.balances[k]
	if !ok {
		cur = new(big.Int)
		s.balances[k] = cur
	}
	cur.Add(cur, delta)
}

func (s *Store) applyLocked(tokenID int64, t ledger.Transfer) {
	if t.IsSelf() {
		return
	}
	from := s.holderLocked(t.From)
	to := s.holderLocked(t.To)
	s.addLocked(from, tokenID, new(big.Int).Neg(t.Amount))
	s.addLocked(to, tokenID, t.Amount)
}

func (s *Store) matchLocked(filter ledger.BalanceFilter) []ledger.Balance {
	out := make([]ledger.Balance, 0)
	for k, amount := range s.balances {
		holder := s.holders[k.holderID-1]
		token := s.tokens[k.tokenID-1]
		if filter.Holder != nil && holder.Address != *filter.Holder {
			continue
		}
		if filter.Token != nil && token.Contract != *filter.Token {
			continue
		}
		out = append(out, ledger.Balance{
			Holder:   holder.Address,
			Token:    token.Contract,
			HolderID: k.holderID,
			TokenID:  k.tokenID,
			Amount:   new(big.Int).Set(amount),
		})
	}
	// map iteration is random; fix a base order before any requested sort
	sort.Slice(out, func(i, j int) bool {
		if out[i].TokenID != out[j].TokenID {
			return out[i].TokenID < out[j].TokenID
		}
		return bytes.Compare(out[i].Holder.Bytes(), out[j].Holder.Bytes()) < 0
	})
	return out
}

func paginate[T any](rows []T, page ledger.Page) []T {
	page = page.Normalize()
	off := page.Offset()
	if off >= len(rows) {
		return []T{}
	}
	end := min(off+page.Size, len(rows))
	return rows[off:end]
}
