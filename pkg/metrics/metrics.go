// Package metrics provides the Prometheus registry and HTTP endpoint of the harvester.
// All metrics are defined in their respective packages (client, ratelimit, store,
// pagination, download, sweep) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Path is where Handler is mounted by Serve.
const Path = "/metrics"

// Handler returns the HTTP handler exposing all registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(Path, Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - harvester_ratelimit_wait_seconds{reason} (Histogram): Waits by reason (spacing, budget, cooldown)
//   - harvester_ratelimit_penalties_total (Counter): Throttling signals reported to the limiter
//   - harvester_ratelimit_cooldowns_total (Counter): Cooldowns served
//   - harvester_ratelimit_window_calls (Gauge): Calls granted in the current budget window
//
// Request Metrics (pkg/client):
//   - harvester_upstream_requests_total{kind, status} (Counter): Requests by kind (bootstrap, page, artifact) and status
//   - harvester_upstream_request_duration_seconds{kind} (Histogram): Request duration by kind
//   - harvester_upstream_errors_total{class} (Counter): Errors by class (network, status, rate_limit, read)
//
// Store Metrics (pkg/store):
//   - harvester_store_errors_total{backend, operation} (Counter): Failed store operations
//   - harvester_store_bytes_written_total{backend, kind} (Counter): Bytes written by kind (page, artifact)
//
// Sweep Metrics (pkg/pagination, pkg/download, pkg/sweep):
//   - harvester_pages_fetched_total{category} (Counter): Listing pages fetched beyond the first
//   - harvester_artifact_bytes{category} (Histogram): Downloaded artifact sizes
//   - harvester_items_processed_total{category, outcome} (Counter): Steps by outcome
//   - harvester_progress{category} (Gauge): Progress counter
//   - harvester_cycles_total (Counter): Completed sweep cycles
//
// Example Prometheus Queries:
//
//   # Download Rate
//   sum(rate(harvester_items_processed_total{outcome="downloaded"}[5m]))
//
//   # Throttling
//   rate(harvester_ratelimit_penalties_total[15m]) > 0
//
//   # Categories Behind
//   harvester_items_processed_total{outcome="caught_up"} unless on(category) harvester_items_processed_total{outcome="downloaded"}
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvester_upstream_request_duration_seconds_bucket[5m]))
