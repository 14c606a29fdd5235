//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/ava-labs/libevm/common"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/token-indexer/pkg/clickhouse"
	"github.com/ava-labs/token-indexer/pkg/ledger"
)

func getEnvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		var out int64
		_, _ = fmt.Sscanf(v, "%d", &out)
		if out != 0 {
			return out
		}
	}
	return def
}

// waitForWatermark polls the store until the token's watermark reaches target.
func waitForWatermark(t *testing.T, ctx context.Context, store ledger.Store, contract common.Address, target int64) ledger.Token {
	t.Helper()
	for {
		token, err := store.GetTokenByContract(ctx, contract)
		if err == nil && token.Watermark >= target {
			return token
		}
		select {
		case <-ctx.Done():
			require.FailNow(t, "watermark did not reach target", "target %d, last %d, err %v", target, token.Watermark, err)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func queryCount(t *testing.T, ctx context.Context, ch clickhouse.Client, query string, args ...interface{}) uint64 {
	t.Helper()
	var cnt uint64
	require.NoError(t, ch.Conn().QueryRow(ctx, query, args...).Scan(&cnt))
	return cnt
}

func getJSON(t *testing.T, url string, want int, out any) {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec,noctx // test URL
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, want, resp.StatusCode, "GET %s", url)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}
