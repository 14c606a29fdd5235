// Package api exposes token registration and the read path over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ava-labs/libevm/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/ledger"
	"github.com/ava-labs/token-indexer/pkg/query"
)

const maxBodyBytes = 1 << 16

var errBadBody = errors.New("malformed request body")

// Registrar admits new tokens for ingestion.
type Registrar interface {
	RegisterToken(ctx context.Context, contractHex string) (ledger.Token, error)
}

// Reader serves listings.
type Reader interface {
	ListTokens(ctx context.Context, q query.TokenQuery) (query.Result[ledger.Token], error)
	ListBalances(ctx context.Context, q query.BalanceQuery) (query.Result[ledger.Balance], error)
	GetToken(ctx context.Context, contract common.Address) (ledger.Token, error)
	TokenRegistered(ctx context.Context)
}

var _ Reader = (*query.Service)(nil)

type Handler struct {
	reader    Reader
	registrar Registrar
	log       *zap.SugaredLogger
}

func NewHandler(reader Reader, registrar Registrar, log *zap.SugaredLogger) (*Handler, error) {
	if reader == nil {
		return nil, errors.New("invalid reader: must not be nil")
	}
	if registrar == nil {
		return nil, errors.New("invalid registrar: must not be nil")
	}
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	return &Handler{reader: reader, registrar: registrar, log: log}, nil
}

// Router wires the routes:
//
//	GET  /tokens             page[number], page[size], sort=symbol|-symbol
//	POST /tokens             {"contract_addr": "0x..."}
//	GET  /tokens/{contract}
//	GET  /balances           filter[holder.holder_addr] or filter[token.contract_addr], page, sort=amount|-amount
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/tokens", h.listTokens).Methods(http.MethodGet)
	r.HandleFunc("/tokens", h.registerToken).Methods(http.MethodPost)
	r.HandleFunc("/tokens/{contract}", h.getToken).Methods(http.MethodGet)
	r.HandleFunc("/balances", h.listBalances).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("no route for %s", r.URL.Path), "")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, r.Method+" is not supported here", "")
	})
	return r
}

type tokenDTO struct {
	ID           int64  `json:"id"`
	ContractAddr string `json:"contract_addr"`
	Symbol       string `json:"symbol"`
	Decimals     int16  `json:"decimals"`
	LastChecked  int64  `json:"last_checked_block"`
}

type balanceDTO struct {
	HolderAddr   string `json:"holder_addr"`
	ContractAddr string `json:"contract_addr"`
	Amount       string `json:"amount"`
}

type meta struct {
	TotalCount int64 `json:"total_count"`
	PageNumber int   `json:"page_number"`
	PageSize   int   `json:"page_size"`
}

type listResponse[T any] struct {
	Data  []T         `json:"data"`
	Meta  meta        `json:"meta"`
	Links query.Links `json:"links"`
}

type registerRequest struct {
	ContractAddr string `json:"contract_addr"`
}

func toTokenDTO(t ledger.Token) tokenDTO {
	return tokenDTO{
		ID:           t.ID,
		ContractAddr: t.Contract.Hex(),
		Symbol:       t.Symbol,
		Decimals:     t.Decimals,
		LastChecked:  t.Watermark,
	}
}

func toBalanceDTO(b ledger.Balance) balanceDTO {
	return balanceDTO{
		HolderAddr:   b.Holder.Hex(),
		ContractAddr: b.Token.Hex(),
		Amount:       b.Amount.String(),
	}
}

func listOf[T, D any](res query.Result[T], conv func(T) D) listResponse[D] {
	data := make([]D, len(res.Items))
	for i, item := range res.Items {
		data[i] = conv(item)
	}
	return listResponse[D]{
		Data:  data,
		Meta:  meta{TotalCount: res.Total, PageNumber: res.Page.Number, PageSize: res.Page.Size},
		Links: res.Links,
	}
}

func (h *Handler) listTokens(w http.ResponseWriter, r *http.Request) {
	q, err := query.ParseTokenQuery(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.reader.ListTokens(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listOf(res, toTokenDTO))
}

func (h *Handler) listBalances(w http.ResponseWriter, r *http.Request) {
	q, err := query.ParseBalanceQuery(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.reader.ListBalances(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listOf(res, toBalanceDTO))
}

func (h *Handler) getToken(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["contract"]
	contract, err := ledger.ParseAddress(raw)
	if err != nil {
		h.fail(w, r, &query.ParamError{Parameter: "contract", Detail: fmt.Sprintf("%q is not a hex address", raw)})
		return
	}
	token, err := h.reader.GetToken(r.Context(), contract)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTokenDTO(token))
}

func (h *Handler) registerToken(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", errBadBody, err))
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", errBadBody, err))
		return
	}
	if req.ContractAddr == "" {
		h.fail(w, r, &query.ParamError{Parameter: "contract_addr", Detail: "missing required attribute"})
		return
	}

	token, err := h.registrar.RegisterToken(r.Context(), req.ContractAddr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reader.TokenRegistered(r.Context())
	h.log.Infow("token registered", "token", token.ID, "contract", token.Contract.Hex())
	respondJSON(w, http.StatusCreated, toTokenDTO(token))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	var param string
	var perr *query.ParamError
	if errors.As(err, &perr) {
		param = perr.Parameter
	}
	if status == http.StatusInternalServerError {
		h.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, status, "internal error", param)
		return
	}
	respondError(w, status, err.Error(), param)
}
