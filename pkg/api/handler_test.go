package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ava-labs/libevm/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/data/inmemory"
	"github.com/ava-labs/token-indexer/pkg/ingestion"
	"github.com/ava-labs/token-indexer/pkg/ledger"
	"github.com/ava-labs/token-indexer/pkg/query"
)

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) RegisterToken(ctx context.Context, contractHex string) (ledger.Token, error) {
	args := m.Called(ctx, contractHex)
	return args.Get(0).(ledger.Token), args.Error(1)
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	usdc  = common.HexToAddress("0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E")
)

func newTestServer(t *testing.T, reg Registrar) *httptest.Server {
	t.Helper()
	ctx := t.Context()
	store := inmemory.New()
	tok, err := store.CreateToken(ctx, usdc, -1, "USDC", 6)
	require.NoError(t, err)
	require.NoError(t, store.ApplyBatch(ctx, tok.ID, []ledger.Transfer{
		{From: alice, To: bob, Amount: big.NewInt(50)},
		{From: bob, To: alice, Amount: big.NewInt(20)},
	}, 12))

	svc, err := query.NewService(store, nil, "http://localhost:8080", zap.NewNop().Sugar())
	require.NoError(t, err)
	h, err := NewHandler(svc, reg, zap.NewNop().Sugar())
	require.NoError(t, err)

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp, raw
}

func decodeError(t *testing.T, raw []byte) ErrorObject {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	return body.Error
}

func TestNewHandler_Validation(t *testing.T) {
	t.Parallel()
	log := zap.NewNop().Sugar()
	svc, err := query.NewService(inmemory.New(), nil, "", log)
	require.NoError(t, err)

	_, err = NewHandler(nil, &mockRegistrar{}, log)
	require.Error(t, err)
	_, err = NewHandler(svc, nil, log)
	require.Error(t, err)
	_, err = NewHandler(svc, &mockRegistrar{}, nil)
	require.Error(t, err)
}

func TestHandler_ListTokens(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &mockRegistrar{})

	resp, raw := do(t, http.MethodGet, srv.URL+"/tokens?sort=-symbol", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body listResponse[tokenDTO]
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, usdc.Hex(), body.Data[0].ContractAddr)
	assert.Equal(t, int64(12), body.Data[0].LastChecked)
	assert.Equal(t, meta{TotalCount: 1, PageNumber: 1, PageSize: ledger.DefaultPageSize}, body.Meta)
}

func TestHandler_ListBalances(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &mockRegistrar{})

	resp, raw := do(t, http.MethodGet, srv.URL+"/balances?filter[token.contract_addr]="+usdc.Hex()+"&sort=-amount&page[size]=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body listResponse[balanceDTO]
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, bob.Hex(), body.Data[0].HolderAddr)
	assert.Equal(t, "30", body.Data[0].Amount)
	assert.Equal(t, int64(2), body.Meta.TotalCount)
	assert.NotEmpty(t, body.Links.Next)
	assert.NotEmpty(t, body.Links.Last)
}

func TestHandler_BadRequests(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &mockRegistrar{})

	tests := []struct {
		name      string
		path      string
		status    int
		parameter string
	}{
		{name: "balances without filter", path: "/balances", status: http.StatusBadRequest, parameter: "filter"},
		{name: "bad sort", path: "/tokens?sort=amount", status: http.StatusBadRequest, parameter: query.ParamSort},
		{name: "bad page", path: "/tokens?page[number]=-2", status: http.StatusBadRequest, parameter: query.ParamPageNumber},
		{name: "bad contract", path: "/tokens/0x1234", status: http.StatusBadRequest, parameter: "contract"},
		{name: "unknown token", path: "/tokens/" + alice.Hex(), status: http.StatusNotFound},
		{name: "unknown route", path: "/holders", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, raw := do(t, http.MethodGet, srv.URL+tt.path, "")
			require.Equal(t, tt.status, resp.StatusCode)
			e := decodeError(t, raw)
			assert.Equal(t, http.StatusText(tt.status), e.Title)
			assert.Equal(t, tt.parameter, e.Parameter)
		})
	}
}

func TestHandler_GetToken(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &mockRegistrar{})

	resp, raw := do(t, http.MethodGet, srv.URL+"/tokens/"+strings.ToLower(usdc.Hex()), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok tokenDTO
	require.NoError(t, json.Unmarshal(raw, &tok))
	assert.Equal(t, "USDC", tok.Symbol)
}

func TestHandler_RegisterToken(t *testing.T) {
	t.Parallel()
	contract := "0x2AF5D2aD76741191D15Dfe7bF6aC92d4Bd912Ca3"

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "created", body: `{"contract_addr":"` + contract + `"}`, status: http.StatusCreated},
		{name: "duplicate", body: `{"contract_addr":"` + contract + `"}`, err: ledger.ErrDuplicateToken, status: http.StatusConflict},
		{name: "invalid address", body: `{"contract_addr":"0x12"}`, err: ledger.ErrInvalidAddress, status: http.StatusBadRequest},
		{name: "admission full", body: `{"contract_addr":"` + contract + `"}`, err: ingestion.ErrAdmissionFull, status: http.StatusServiceUnavailable},
		{name: "store down", body: `{"contract_addr":"` + contract + `"}`, err: errors.New("connection reset"), status: http.StatusInternalServerError},
		{name: "missing attribute", body: `{}`, status: http.StatusBadRequest},
		{name: "not json", body: `contract`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg := &mockRegistrar{}
			reg.On("RegisterToken", mock.Anything, mock.Anything).
				Return(ledger.Token{ID: 2, Contract: common.HexToAddress(contract), Watermark: -1, Symbol: "TEST", Decimals: 6}, tt.err).
				Maybe()
			srv := newTestServer(t, reg)

			resp, raw := do(t, http.MethodPost, srv.URL+"/tokens", tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.status != http.StatusCreated {
				e := decodeError(t, raw)
				assert.Equal(t, http.StatusText(tt.status), e.Title)
				if tt.status == http.StatusInternalServerError {
					assert.Equal(t, "internal error", e.Detail)
				}
				return
			}
			var tok tokenDTO
			require.NoError(t, json.Unmarshal(raw, &tok))
			assert.Equal(t, contract, tok.ContractAddr)
			assert.Equal(t, "TEST", tok.Symbol)
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &mockRegistrar{})

	resp, _ := do(t, http.MethodDelete, srv.URL+"/tokens", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
