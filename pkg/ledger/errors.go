package ledger

import (
	"errors"
	"strings"

	"github.com/ava-labs/libevm/common"
)

var (
	// ErrDuplicateToken is returned when a contract is registered twice.
	ErrDuplicateToken = errors.New("token already registered")
	// ErrInvalidAddress is returned for input that is not a 20-byte hex address.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNotFound is returned when a looked-up entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidFilter is returned when a balance filter does not name exactly one side.
	ErrInvalidFilter = errors.New("balance filter must set exactly one of holder or token")
	// ErrStore wraps failures of the underlying storage engine.
	ErrStore = errors.New("ledger store failure")
)

// ParseAddress parses a hex address with or without the 0x prefix.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}
