package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ava-labs/token-indexer/pkg/ingestion"
	"github.com/ava-labs/token-indexer/pkg/ledger"
	"github.com/ava-labs/token-indexer/pkg/query"
)

// ErrorBody is the payload of every non-2xx response.
type ErrorBody struct {
	Error ErrorObject `json:"error"`
}

type ErrorObject struct {
	Status    string `json:"status"`
	Title     string `json:"title"`
	Detail    string `json:"detail,omitempty"`
	Parameter string `json:"parameter,omitempty"`
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, query.ErrInvalidParameter),
		errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, ledger.ErrInvalidFilter),
		errors.Is(err, errBadBody):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrDuplicateToken):
		return http.StatusConflict
	case errors.Is(err, ingestion.ErrAdmissionFull), errors.Is(err, ingestion.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck // client went away
}

func respondError(w http.ResponseWriter, status int, detail, parameter string) {
	respondJSON(w, status, ErrorBody{Error: ErrorObject{
		Status:    strconv.Itoa(status),
		Title:     http.StatusText(status),
		Detail:    detail,
		Parameter: parameter,
	}})
}
