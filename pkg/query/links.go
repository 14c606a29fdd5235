package query

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/ava-labs/token-indexer/pkg/ledger"
)

// Links points at neighbouring pages of a listing. Empty fields are omitted.
type Links struct {
	First string `json:"first,omitempty"`
	Prev  string `json:"prev,omitempty"`
	Next  string `json:"next,omitempty"`
	Last  string `json:"last,omitempty"`
}

// LastPage returns the 1-based number of the last page, at least 1.
func LastPage(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 1
	}
	return int((total + int64(size) - 1) / int64(size))
}

// BuildLinks returns first/prev when the page is past the first one and
// next/last when more pages follow. extra carries the listing's sort and
// filter parameters so every link reproduces the same query.
func BuildLinks(baseURL, route string, page ledger.Page, total int64, extra url.Values) Links {
	page = page.Normalize()
	last := LastPage(total, page.Size)

	link := func(n int) string {
		v := url.Values{}
		for k, vals := range extra {
			v[k] = vals
		}
		v.Set(ParamPageNumber, strconv.Itoa(n))
		v.Set(ParamPageSize, strconv.Itoa(page.Size))
		return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(route, "/") + "?" + v.Encode()
	}

	var l Links
	if page.Number > 1 {
		l.First = link(1)
		l.Prev = link(min(page.Number-1, last))
	}
	if page.Number < last {
		l.Next = link(page.Number + 1)
		l.Last = link(last)
	}
	return l
}
