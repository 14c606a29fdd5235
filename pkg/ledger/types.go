package ledger

import (
	"math/big"

	"github.com/ava-labs/libevm/common"
)

// Token is a tracked ERC20 contract together with its ingestion watermark.
// Watermark is the highest block whose transfers are fully reflected in the
// ledger; -1 means nothing has been ingested yet.
type Token struct {
	ID        int64
	Contract  common.Address
	Watermark int64
	Symbol    string
	Decimals  int16
}

// Holder is an address that has appeared on either side of a transfer.
type Holder struct {
	ID      int64
	Address common.Address
}

// Balance is the signed running sum of all transfer deltas for a (holder, token) pair.
// Balances may be negative when ingestion starts after genesis.
type Balance struct {
	Holder   common.Address
	Token    common.Address
	HolderID int64
	TokenID  int64
	Amount   *big.Int
}

// Transfer is the ledger view of one decoded Transfer event.
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// IsSelf reports whether the transfer moves value from an address to itself.
func (t Transfer) IsSelf() bool {
	return t.From == t.To
}

// Page selects a 1-based page of fixed size.
type Page struct {
	Number int
	Size   int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// Normalize clamps the page into valid bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Number - 1) * n.Size
}

// TokenSort orders token listings.
type TokenSort int

const (
	TokenSortID TokenSort = iota
	TokenSortSymbolAsc
	TokenSortSymbolDesc
)

// BalanceSort orders balance listings.
type BalanceSort int

const (
	BalanceSortNone BalanceSort = iota
	BalanceSortAmountAsc
	BalanceSortAmountDesc
)

// BalanceFilter restricts a balance listing to a single holder or a single token.
// Exactly one of the two fields must be set.
type BalanceFilter struct {
	Holder *common.Address
	Token  *common.Address
}
