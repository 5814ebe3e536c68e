// Package client performs authenticated GET requests against the upstream
// replay API. Every call passes through the configured rate limiter first,
// and responses are classified so that callers can tell transient failures
// (including 200 responses that carry an error body) from usable payloads.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for upstream calls.
var (
	harvesterRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_upstream_requests_total",
		Help: "Total upstream requests by kind and status",
	}, []string{"kind", "status"})

	harvesterRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by kind",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"kind"})

	harvesterErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassStatus represents a non-200 status code.
	ErrorClassStatus ErrorClass = "status"

	// ErrorClassRateLimit represents a throttling response, including a 200
	// whose body reports "Too many requests".
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassRead represents a failure while reading the response body.
	ErrorClassRead ErrorClass = "read"
)

// Kind labels a request for metrics and logs.
type Kind string

const (
	KindBootstrap Kind = "bootstrap"
	KindPage      Kind = "page"
	KindArtifact  Kind = "artifact"
)

// DefaultTimeout bounds every upstream call.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps a single response body.
const maxBodyBytes = 64 << 20

// Gate is the rate limiter consulted before each call.
type Gate interface {
	Acquire(ctx context.Context) error
}

// Config holds the client configuration.
type Config struct {
	// Token is sent verbatim as the Authorization header.
	Token string

	// UserAgent header, optional.
	UserAgent string

	// Timeout per request (default: DefaultTimeout).
	Timeout time.Duration
}

// Client is the upstream API client.
type Client struct {
	httpClient *http.Client
	gate       Gate
	config     Config
	logger     zerolog.Logger
	requests   atomic.Int64
}

// New creates a client that paces itself through gate.
func New(cfg Config, gate Gate, logger zerolog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	if gate == nil {
		return nil, ErrNoGate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		gate:       gate,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Get waits for the rate limiter, fetches url and returns the body of a
// successful response. Failures are returned as *UpstreamError; a context
// error from the limiter is returned as is.
func (c *Client) Get(ctx context.Context, kind Kind, url string) ([]byte, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.config.Token)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	start := time.Now()
	defer func() {
		harvesterRequestDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	c.requests.Add(1)
	c.logger.Debug().Str("kind", string(kind)).Str("url", url).Msg("Executing upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, c.fail(kind, &UpstreamError{Class: ErrorClassNetwork, URL: url, Message: "request failed", Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.fail(kind, &UpstreamError{
			StatusCode: resp.StatusCode, Class: ErrorClassRead, URL: url, Message: "read body", Err: err,
		})
	}

	if resp.StatusCode != http.StatusOK {
		class := ErrorClassStatus
		if cls, _ := CheckBody(body); cls == ErrorClassRateLimit {
			class = ErrorClassRateLimit
		}
		return nil, c.fail(kind, &UpstreamError{
			StatusCode: resp.StatusCode, Class: class, URL: url, Message: resp.Status,
		})
	}

	if class, msg := CheckBody(body); class != "" {
		return nil, c.fail(kind, &UpstreamError{
			StatusCode: resp.StatusCode, Class: class, URL: url, Message: msg,
		})
	}

	harvesterRequestsTotal.WithLabelValues(string(kind), strconv.Itoa(resp.StatusCode)).Inc()
	return body, nil
}

// Requests returns the number of requests sent since the client was created.
func (c *Client) Requests() int64 {
	return c.requests.Load()
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func (c *Client) fail(kind Kind, err *UpstreamError) error {
	status := string(err.Class)
	if err.StatusCode != 0 && err.Class == ErrorClassStatus {
		status = strconv.Itoa(err.StatusCode)
	}
	harvesterRequestsTotal.WithLabelValues(string(kind), status).Inc()
	harvesterErrorsTotal.WithLabelValues(string(err.Class)).Inc()

	c.logger.Debug().
		Str("kind", string(kind)).
		Str("error_class", string(err.Class)).
		Int("status", err.StatusCode).
		Msg("Upstream request failed")
	return err
}
