package ledgerrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ava-labs/libevm/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/ledger"
)

var _ ledger.Store = (*Repository)(nil)

const defaultHolderCacheSize = 100_000

var tokenOrder = map[ledger.TokenSort]string{
	ledger.TokenSortID:         "token_id ASC",
	ledger.TokenSortSymbolAsc:  "symbol ASC, token_id ASC",
	ledger.TokenSortSymbolDesc: "symbol DESC, token_id ASC",
}

var balanceOrder = map[ledger.BalanceSort]string{
	ledger.BalanceSortNone:       "b.token_id ASC, b.holder_id ASC",
	ledger.BalanceSortAmountAsc:  "b.amount ASC, b.holder_id ASC",
	ledger.BalanceSortAmountDesc: "b.amount DESC, b.holder_id ASC",
}

// Repository is the Postgres implementation of ledger.Store.
//
// Holder ids are immutable once assigned, so they are cached in an LRU keyed
// by address. Holder creation runs outside of batch transactions: a holder row
// without balances is harmless, and short autocommit upserts keep lock order
// out of the ledger transaction.
type Repository struct {
	db      *sql.DB
	holders *lru.Cache[common.Address, int64]
	log     *zap.SugaredLogger
}

// NewRepository creates the repository and initializes the schema.
func NewRepository(ctx context.Context, db *sql.DB, holderCacheSize int, log *zap.SugaredLogger) (*Repository, error) {
	if db == nil {
		return nil, errors.New("invalid db: must not be nil")
	}
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if holderCacheSize <= 0 {
		holderCacheSize = defaultHolderCacheSize
	}
	cache, err := lru.New[common.Address, int64](holderCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create holder cache: %w", err)
	}

	r := &Repository{db: db, holders: cache, log: log}
	if err := r.Initialize(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Initialize creates the ledger tables if they do not exist.
func (r *Repository) Initialize(ctx context.Context) error {
	for _, q := range []string{createTokensTable, createHoldersTable, createBalancesTable, createBalancesTokenIndex} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: failed to initialize schema: %w", ledger.ErrStore, err)
		}
	}
	return nil
}

func (r *Repository) CreateToken(ctx context.Context, contract common.Address, watermark int64, symbol string, decimals int16) (ledger.Token, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, insertToken, contract.Bytes(), watermark, symbol, decimals).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Token{}, ledger.ErrDuplicateToken
	}
	if err != nil {
		return ledger.Token{}, storeErr("create token", err)
	}
	return ledger.Token{
		ID:        id,
		Contract:  contract,
		Watermark: watermark,
		Symbol:    symbol,
		Decimals:  decimals,
	}, nil
}

func (r *Repository) GetTokenByContract(ctx context.Context, contract common.Address) (ledger.Token, error) {
	t, err := scanToken(r.db.QueryRowContext(ctx, selectTokenByContract, contract.Bytes()))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Token{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Token{}, storeErr("get token", err)
	}
	return t, nil
}

func (r *Repository) ListTokens(ctx context.Context, page ledger.Page, order ledger.TokenSort) ([]ledger.Token, error) {
	orderBy, ok := tokenOrder[order]
	if !ok {
		orderBy = tokenOrder[ledger.TokenSortID]
	}
	page = page.Normalize()

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(selectTokens, orderBy), page.Size, page.Offset())
	if err != nil {
		return nil, storeErr("list tokens", err)
	}
	defer rows.Close()

	out := make([]ledger.Token, 0, page.Size)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, storeErr("scan token", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list tokens", err)
	}
	return out, nil
}

func (r *Repository) GetTokenCount(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, countTokens).Scan(&n); err != nil {
		return 0, storeErr("count tokens", err)
	}
	return n, nil
}

func (r *Repository) UpdateTokenWatermark(ctx context.Context, tokenID, watermark int64) error {
	return r.execWatermark(ctx, r.db, advanceWatermark, tokenID, watermark)
}

func (r *Repository) GetOrCreateHolder(ctx context.Context, address common.Address) (int64, error) {
	if id, ok := r.holders.Get(address); ok {
		return id, nil
	}
	var id int64
	if err := r.db.QueryRowContext(ctx, upsertHolder, address.Bytes()).Scan(&id); err != nil {
		return 0, storeErr("upsert holder", err)
	}
	r.holders.Add(address, id)
	return id, nil
}

func (r *Repository) UpsertBalanceDelta(ctx context.Context, holderID, tokenID int64, delta *big.Int) error {
	if _, err := r.db.ExecContext(ctx, upsertBalance, holderID, tokenID, delta.String()); err != nil {
		return storeErr("upsert balance", err)
	}
	return nil
}

func (r *Repository) ApplyTransfer(ctx context.Context, tokenID int64, t ledger.Transfer) error {
	if t.IsSelf() {
		return nil
	}
	deltas, err := r.netDeltas(ctx, []ledger.Transfer{t})
	if err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return writeDeltas(ctx, tx, tokenID, deltas)
	})
}

func (r *Repository) ApplyBatch(ctx context.Context, tokenID int64, transfers []ledger.Transfer, watermark int64) error {
	deltas, err := r.netDeltas(ctx, transfers)
	if err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := writeDeltas(ctx, tx, tokenID, deltas); err != nil {
			return err
		}
		return r.execWatermark(ctx, tx, advanceWatermark, tokenID, watermark)
	})
}

func (r *Repository) ListBalances(ctx context.Context, filter ledger.BalanceFilter, page ledger.Page, order ledger.BalanceSort) ([]ledger.Balance, error) {
	column, arg, err := filterClause(filter)
	if err != nil {
		return nil, err
	}
	orderBy, ok := balanceOrder[order]
	if !ok {
		orderBy = balanceOrder[ledger.BalanceSortNone]
	}
	page = page.Normalize()

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(selectBalances, column, orderBy), arg, page.Size, page.Offset())
	if err != nil {
		return nil, storeErr("list balances", err)
	}
	defer rows.Close()

	out := make([]ledger.Balance, 0, page.Size)
	for rows.Next() {
		var (
			holder, token []byte
			b             ledger.Balance
			amount        string
		)
		if err := rows.Scan(&holder, &token, &b.HolderID, &b.TokenID, &amount); err != nil {
			return nil, storeErr("scan balance", err)
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, storeErr("scan balance", fmt.Errorf("non-integer amount %q", amount))
		}
		b.Holder = common.BytesToAddress(holder)
		b.Token = common.BytesToAddress(token)
		b.Amount = v
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list balances", err)
	}
	return out, nil
}

func (r *Repository) CountBalances(ctx context.Context, filter ledger.BalanceFilter) (int64, error) {
	column, arg, err := filterClause(filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, fmt.Sprintf(countBalances, column), arg).Scan(&n); err != nil {
		return 0, storeErr("count balances", err)
	}
	return n, nil
}

func (r *Repository) ResetToken(ctx context.Context, tokenID, watermark int64) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, deleteTokenBalances, tokenID); err != nil {
			return storeErr("delete balances", err)
		}
		return r.execWatermark(ctx, tx, forceWatermark, tokenID, watermark)
	})
}

type holderDelta struct {
	holderID int64
	amount   *big.Int
}

// netDeltas resolves holder ids and folds the transfers into one signed delta
// per holder, ordered by holder id so concurrent writers lock rows in the same order.
func (r *Repository) netDeltas(ctx context.Context, transfers []ledger.Transfer) ([]holderDelta, error) {
	sums := make(map[int64]*big.Int)
	add := func(addr common.Address, v *big.Int) error {
		id, err := r.GetOrCreateHolder(ctx, addr)
		if err != nil {
			return err
		}
		cur, ok := sums[id]
		if !ok {
			cur = new(big.Int)
			sums[id] = cur
		}
		cur.Add(cur, v)
		return nil
	}

	for _, t := range transfers {
		if t.IsSelf() {
			continue
		}
		if err := add(t.From, new(big.Int).Neg(t.Amount)); err != nil {
			return nil, err
		}
		if err := add(t.To, t.Amount); err != nil {
			return nil, err
		}
	}

	out := make([]holderDelta, 0, len(sums))
	for id, v := range sums {
		out = append(out, holderDelta{holderID: id, amount: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].holderID < out[j].holderID })
	return out, nil
}

func writeDeltas(ctx context.Context, tx *sql.Tx, tokenID int64, deltas []holderDelta) error {
	for _, d := range deltas {
		if _, err := tx.ExecContext(ctx, upsertBalance, d.holderID, tokenID, d.amount.String()); err != nil {
			return storeErr("upsert balance", err)
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *Repository) execWatermark(ctx context.Context, db execer, query string, tokenID, watermark int64) error {
	res, err := db.ExecContext(ctx, query, tokenID, watermark)
	if err != nil {
		return storeErr("update watermark", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update watermark", err)
	}
	if n == 0 {
		return fmt.Errorf("token %d: %w", tokenID, ledger.ErrNotFound)
	}
	return nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.log.Warnw("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func filterClause(filter ledger.BalanceFilter) (string, []byte, error) {
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}
	if filter.Holder != nil {
		return "h.holder_addr", filter.Holder.Bytes(), nil
	}
	return "t.contract_addr", filter.Token.Bytes(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (ledger.Token, error) {
	var (
		t        ledger.Token
		contract []byte
	)
	if err := row.Scan(&t.ID, &contract, &t.Watermark, &t.Symbol, &t.Decimals); err != nil {
		return ledger.Token{}, err
	}
	t.Contract = common.BytesToAddress(contract)
	return t, nil
}

// storeErr tags driver failures with ledger.ErrStore and keeps the Postgres
// error code visible in the message.
func storeErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w: %s: %s (%s): %w", ledger.ErrStore, op, pqErr.Message, pqErr.Code, err)
	}
	return fmt.Errorf("%w: %s: %w", ledger.ErrStore, op, err)
}
