package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ava-labs/libevm/common"
)

// ErrMalformedTransfer is returned for logs that match the Transfer topic but
// do not carry the ERC20 layout (ERC721 transfers index the token id as a fourth topic).
var ErrMalformedTransfer = errors.New("malformed transfer log")

// Transfer is a decoded ERC20 Transfer event together with the log it came from.
type Transfer struct {
	Log    Log
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// DecodeTransfer decodes an ERC20 Transfer(address indexed from, address indexed to, uint256 value) log.
func DecodeTransfer(l Log) (Transfer, error) {
	if len(l.Topics) != 3 {
		return Transfer{}, fmt.Errorf("%w: expected 3 topics, got %d", ErrMalformedTransfer, len(l.Topics))
	}
	if l.Topics[0] != TransferSignature {
		return Transfer{}, fmt.Errorf("%w: unexpected topic0 %s", ErrMalformedTransfer, l.Topics[0].Hex())
	}
	if len(l.Data) == 0 || len(l.Data) > common.HashLength {
		return Transfer{}, fmt.Errorf("%w: unexpected data length %d", ErrMalformedTransfer, len(l.Data))
	}
	return Transfer{
		Log:    l,
		From:   common.BytesToAddress(l.Topics[1].Bytes()),
		To:     common.BytesToAddress(l.Topics[2].Bytes()),
		Amount: new(big.Int).SetBytes(l.Data),
	}, nil
}
