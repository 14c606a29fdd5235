package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	healthCheckTimeout = 2 * time.Second
	readHeaderTimeout  = 10 * time.Second
)

// HealthCheck reports whether a dependency of the indexer (ledger store,
// count cache) is reachable.
type HealthCheck func(ctx context.Context) error

// Server exposes /metrics and a /health probe for the indexer process.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the server on addr (e.g. ":9090"). /health answers 503
// with the first failure when any check fails within healthCheckTimeout.
func NewServer(addr string, gatherer prometheus.Gatherer, checks ...HealthCheck) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.Handle("/health", healthHandler(checks))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// healthHandler runs every check concurrently under one deadline.
func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		for i, check := range checks {
			g.Go(func() error {
				if err := check(gctx); err != nil {
					return fmt.Errorf("check %d: %w", i, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck // best-effort health response
	}
}

// Start serves in the background. The returned channel carries a listen
// failure, if any, and is closed when the server stops.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	return errCh
}

// Shutdown stops accepting connections and waits for in-flight scrapes until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
