package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/ava-labs/libevm/rpc"
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrRateLimited         = errors.New("provider rate limited")
	ErrProviderError       = errors.New("provider error")
)

// Kind classifies a provider failure.
type Kind int

const (
	KindProviderError Kind = iota
	KindRateLimited
	KindProviderUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindProviderUnavailable:
		return "provider_unavailable"
	default:
		return "provider_error"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindProviderUnavailable:
		return ErrProviderUnavailable
	default:
		return ErrProviderError
	}
}

// Error is a classified provider failure. errors.Is matches both the kind's
// sentinel and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// Classifier maps a raw provider error to a Kind. Providers disagree on how they
// signal throttling, so the classifier is swappable per client.
type Classifier func(err error) Kind

// LimitExceededCode is the JSON-RPC error code used for "limit exceeded"
// (EIP-1474), returned by most hosted providers for oversized log queries.
const LimitExceededCode = -32005

var rateLimitMessages = []string{
	"limit exceeded",
	"too many requests",
	"rate limit",
	"query returned more than",
	"response size exceeded",
	"block range is too large",
	"code: -32005",
}

var unavailableMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"use of closed network connection",
	"websocket: close",
}

// Classify is the default Classifier.
func Classify(err error) Kind {
	if err == nil {
		return KindProviderError
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == LimitExceededCode {
		return KindRateLimited
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return KindRateLimited
		case httpErr.StatusCode >= http.StatusInternalServerError:
			return KindProviderUnavailable
		}
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, rpc.ErrClientQuit) {
		return KindProviderUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindProviderUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMessages {
		if strings.Contains(msg, m) {
			return KindRateLimited
		}
	}
	for _, m := range unavailableMessages {
		if strings.Contains(msg, m) {
			return KindProviderUnavailable
		}
	}
	return KindProviderError
}

// Wrap classifies err and wraps it as *Error. A nil error stays nil and a
// cancelled context is returned unchanged so shutdown is never reported as a provider fault.
func Wrap(op string, err error, classify Classifier) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if classify == nil {
		classify = Classify
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

// KindOf returns the kind of a classified error, or KindProviderError for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProviderError
}
