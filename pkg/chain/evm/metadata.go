package evm

import (
	"context"
	"fmt"
	"strings"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/accounts/abi"
	"github.com/ava-labs/libevm/common"
)

const erc20MetadataABI = `[
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20MetadataABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// TokenMetadata reads symbol() and decimals() from an ERC20 contract at the latest block.
// Both are optional in the standard, so callers should fall back to placeholders on error.
func (c *Client) TokenMetadata(ctx context.Context, contract common.Address) (string, int16, error) {
	symbolOut, err := c.callView(ctx, contract, "symbol")
	if err != nil {
		return "", 0, err
	}
	symbol, ok := symbolOut[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("symbol(): unexpected type %T", symbolOut[0])
	}

	decimalsOut, err := c.callView(ctx, contract, "decimals")
	if err != nil {
		return "", 0, err
	}
	decimals, ok := decimalsOut[0].(uint8)
	if !ok {
		return "", 0, fmt.Errorf("decimals(): unexpected type %T", decimalsOut[0])
	}

	return symbol, int16(decimals), nil
}

func (c *Client) callView(ctx context.Context, contract common.Address, method string) ([]any, error) {
	input, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var out []byte
	err = c.call(ctx, methodCall, func(ctx context.Context) error {
		var err error
		out, err = c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s(): expected 1 output, got %d", method, len(values))
	}
	return values, nil
}
