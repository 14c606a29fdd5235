package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/ava-labs/libevm/common"

	"github.com/ava-labs/token-indexer/pkg/ledger"
)

const (
	ParamPageNumber    = "page[number]"
	ParamPageSize      = "page[size]"
	ParamSort          = "sort"
	ParamFilterHolder  = "filter[holder.holder_addr]"
	ParamFilterToken   = "filter[token.contract_addr]"
)

// ErrInvalidParameter marks request parameters that fail validation.
var ErrInvalidParameter = errors.New("invalid parameter")

// ParamError names the offending parameter.
type ParamError struct {
	Parameter string
	Detail    string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Parameter, e.Detail)
}

func (e *ParamError) Unwrap() error { return ErrInvalidParameter }

// TokenQuery selects a page of tokens.
type TokenQuery struct {
	Page ledger.Page
	Sort ledger.TokenSort
}

// BalanceQuery selects a page of balances for one holder or one token.
type BalanceQuery struct {
	Filter ledger.BalanceFilter
	Page   ledger.Page
	Sort   ledger.BalanceSort
}

var (
	tokenSorts = map[string]ledger.TokenSort{
		"":        ledger.TokenSortID,
		"symbol":  ledger.TokenSortSymbolAsc,
		"-symbol": ledger.TokenSortSymbolDesc,
	}
	balanceSorts = map[string]ledger.BalanceSort{
		"":        ledger.BalanceSortNone,
		"amount":  ledger.BalanceSortAmountAsc,
		"-amount": ledger.BalanceSortAmountDesc,
	}
)

// ParseTokenQuery reads page[number], page[size] and sort=symbol|-symbol.
func ParseTokenQuery(v url.Values) (TokenQuery, error) {
	page, err := parsePage(v)
	if err != nil {
		return TokenQuery{}, err
	}
	sort, ok := tokenSorts[v.Get(ParamSort)]
	if !ok {
		return TokenQuery{}, &ParamError{Parameter: ParamSort, Detail: "must be one of symbol, -symbol"}
	}
	return TokenQuery{Page: page, Sort: sort}, nil
}

// ParseBalanceQuery reads the page, sort=amount|-amount and exactly one of the
// holder or token address filters.
func ParseBalanceQuery(v url.Values) (BalanceQuery, error) {
	page, err := parsePage(v)
	if err != nil {
		return BalanceQuery{}, err
	}
	sort, ok := balanceSorts[v.Get(ParamSort)]
	if !ok {
		return BalanceQuery{}, &ParamError{Parameter: ParamSort, Detail: "must be one of amount, -amount"}
	}

	holder, hasHolder := v[ParamFilterHolder]
	token, hasToken := v[ParamFilterToken]
	if hasHolder == hasToken {
		return BalanceQuery{}, &ParamError{
			Parameter: "filter",
			Detail:    fmt.Sprintf("exactly one of %s or %s is required", ParamFilterHolder, ParamFilterToken),
		}
	}

	var filter ledger.BalanceFilter
	if hasHolder {
		addr, err := parseAddressParam(ParamFilterHolder, holder)
		if err != nil {
			return BalanceQuery{}, err
		}
		filter.Holder = &addr
	} else {
		addr, err := parseAddressParam(ParamFilterToken, token)
		if err != nil {
			return BalanceQuery{}, err
		}
		filter.Token = &addr
	}
	return BalanceQuery{Filter: filter, Page: page, Sort: sort}, nil
}

func parsePage(v url.Values) (ledger.Page, error) {
	number, err := parsePositive(v, ParamPageNumber, 1)
	if err != nil {
		return ledger.Page{}, err
	}
	size, err := parsePositive(v, ParamPageSize, ledger.DefaultPageSize)
	if err != nil {
		return ledger.Page{}, err
	}
	if size > ledger.MaxPageSize {
		return ledger.Page{}, &ParamError{
			Parameter: ParamPageSize,
			Detail:    fmt.Sprintf("must not exceed %d", ledger.MaxPageSize),
		}
	}
	return ledger.Page{Number: number, Size: size}, nil
}

func parsePositive(v url.Values, name string, def int) (int, error) {
	raw := v.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &ParamError{Parameter: name, Detail: "must be a positive integer"}
	}
	return n, nil
}

func parseAddressParam(name string, values []string) (common.Address, error) {
	if len(values) != 1 {
		return common.Address{}, &ParamError{Parameter: name, Detail: "must be given once"}
	}
	addr, err := ledger.ParseAddress(values[0])
	if err != nil {
		return common.Address{}, &ParamError{Parameter: name, Detail: fmt.Sprintf("%q is not a hex address", values[0])}
	}
	return addr, nil
}
