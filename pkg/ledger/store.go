package ledger

import (
	"context"
	"math/big"

	"github.com/ava-labs/libevm/common"
)

// Store persists tokens, holders and balances.
//
// Every balance mutation is an atomic add of a signed delta, so concurrent
// pipelines touching the same holder never lose updates. Watermark updates
// are monotonic: a lower value than the stored one is ignored.
type Store interface {
	CreateToken(ctx context.Context, contract common.Address, watermark int64, symbol string, decimals int16) (Token, error)
	GetTokenByContract(ctx context.Context, contract common.Address) (Token, error)
	ListTokens(ctx context.Context, page Page, sort TokenSort) ([]Token, error)
	GetTokenCount(ctx context.Context) (int64, error)
	UpdateTokenWatermark(ctx context.Context, tokenID, watermark int64) error

	GetOrCreateHolder(ctx context.Context, address common.Address) (int64, error)
	UpsertBalanceDelta(ctx context.Context, holderID, tokenID int64, delta *big.Int) error

	// ApplyTransfer books a single transfer: -amount on the sender, +amount on the receiver.
	// A self transfer is a no-op.
	ApplyTransfer(ctx context.Context, tokenID int64, t Transfer) error
	// ApplyBatch books every transfer in order and advances the watermark in one atomic unit.
	ApplyBatch(ctx context.Context, tokenID int64, transfers []Transfer, watermark int64) error

	ListBalances(ctx context.Context, filter BalanceFilter, page Page, sort BalanceSort) ([]Balance, error)
	CountBalances(ctx context.Context, filter BalanceFilter) (int64, error)

	// ResetToken drops every balance of the token and forces its watermark to the given value.
	ResetToken(ctx context.Context, tokenID, watermark int64) error
}

// Validate checks that the filter names exactly one side.
func (f BalanceFilter) Validate() error {
	if (f.Holder == nil) == (f.Token == nil) {
		return ErrInvalidFilter
	}
	return nil
}
