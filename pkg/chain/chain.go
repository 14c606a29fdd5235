// Package chain defines the narrow view of an EVM node the ingestion engine needs:
// the current head, bounded Transfer log queries and a live Transfer log stream.
package chain

import (
	"context"

	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/crypto"
)

// TransferSignature is keccak256("Transfer(address,address,uint256)"), topic0 of every ERC20 transfer.
var TransferSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Log is a Transfer log as returned by the node.
type Log struct {
	Contract    common.Address
	BlockNumber int64
	TxHash      common.Hash
	LogIndex    uint
	Topics      []common.Hash
	Data        []byte
}

// Client is the chain access used by the scanner and the follower.
// Implementations must be safe for concurrent use by every pipeline.
type Client interface {
	// HeadHeight returns the latest block number.
	// Fails with ErrProviderUnavailable on transport errors.
	HeadHeight(ctx context.Context) (int64, error)

	// GetLogs returns the Transfer logs emitted by the contracts in the inclusive range
	// [from, to], in chain order. Fails with ErrRateLimited when the provider refuses
	// the range, and ErrProviderError otherwise.
	GetLogs(ctx context.Context, contracts []common.Address, from, to int64) ([]Log, error)

	// SubscribeLogs opens a live stream of Transfer logs starting at block from.
	// The channel is closed when the transport drops or ctx is cancelled; there is
	// no reconnect. Fails with ErrProviderUnavailable when the stream cannot be opened.
	SubscribeLogs(ctx context.Context, contracts []common.Address, from int64) (<-chan Log, error)
}
