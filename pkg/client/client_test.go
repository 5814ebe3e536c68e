package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// countingGate records how many calls were admitted.
type countingGate struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (g *countingGate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.calls++
	return nil
}

func newTestClient(t *testing.T, gate Gate) *Client {
	t.Helper()
	c, err := New(Config{Token: "secret-token", UserAgent: "replay-harvester/test"}, gate, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		gate    Gate
		wantErr error
	}{
		{name: "valid", cfg: Config{Token: "t"}, gate: &countingGate{}},
		{name: "missing token", cfg: Config{}, gate: &countingGate{}, wantErr: ErrNoToken},
		{name: "missing gate", cfg: Config{Token: "t"}, gate: nil, wantErr: ErrNoGate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, tt.gate, zerolog.Nop())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("New() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && c.httpClient.Timeout != DefaultTimeout {
				t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, DefaultTimeout)
			}
		})
	}
}

func TestGet_SendsAuthAndPassesGate(t *testing.T) {
	var gotAuth, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(`{"count":0,"list":[]}`))
	}))
	defer server.Close()

	gate := &countingGate{}
	c := newTestClient(t, gate)

	body, err := c.Get(context.Background(), KindPage, server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != `{"count":0,"list":[]}` {
		t.Errorf("body = %q", body)
	}
	if gotAuth != "secret-token" {
		t.Errorf("Authorization = %q, want the raw token", gotAuth)
	}
	if gotUA != "replay-harvester/test" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gate.calls != 1 {
		t.Errorf("gate calls = %d, want 1", gate.calls)
	}
	if c.Requests() != 1 {
		t.Errorf("Requests() = %d, want 1", c.Requests())
	}
}

func TestGet_GateErrorSkipsRequest(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	c := newTestClient(t, &countingGate{err: context.Canceled})

	_, err := c.Get(context.Background(), KindPage, server.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Get() error = %v, want context.Canceled", err)
	}
	if hits != 0 {
		t.Errorf("server hits = %d, want 0", hits)
	}
}

func TestGet_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantClass  ErrorClass
		wantStatus int
	}{
		{"disguised rate limit", 200, `{"error":"Too many requests"}`, ErrorClassRateLimit, 200},
		{"rate limit message", 200, `{"error": "too many requests, slow down"}`, ErrorClassRateLimit, 200},
		{"unauthorized", 401, `{"error":"unauthorized"}`, ErrorClassStatus, 401},
		{"429 with marker", 429, `{"error":"Too many requests"}`, ErrorClassRateLimit, 429},
		{"server error", 502, `bad gateway`, ErrorClassStatus, 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := newTestClient(t, &countingGate{})
			_, err := c.Get(context.Background(), KindArtifact, server.URL)

			var ue *UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("Get() error = %v, want *UpstreamError", err)
			}
			if ue.Class != tt.wantClass {
				t.Errorf("Class = %q, want %q", ue.Class, tt.wantClass)
			}
			if ue.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", ue.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestGet_ReturnsOtherBodiesAsIs(t *testing.T) {
	bodies := []string{
		`{"error":"replay is being processed"}`,
		`{"id":"a","error":"x"}`,
		`{"count":`,
		``,
	}

	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer server.Close()

			c := newTestClient(t, &countingGate{})
			got, err := c.Get(context.Background(), KindArtifact, server.URL)
			if err != nil {
				t.Fatalf("Get() error = %v, want nil", err)
			}
			if string(got) != body {
				t.Errorf("Get() body = %q, want %q", got, body)
			}
		})
	}
}

func TestGet_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := newTestClient(t, &countingGate{})
	_, err := c.Get(context.Background(), KindArtifact, url)

	if ClassOf(err) != ErrorClassNetwork {
		t.Fatalf("ClassOf(%v) = %q, want network", err, ClassOf(err))
	}
	if !IsThrottle(err) {
		t.Error("network errors should trigger a cooldown")
	}
}

func TestGet_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c, err := New(Config{Token: "t", Timeout: 20 * time.Millisecond}, &countingGate{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Get(context.Background(), KindPage, server.URL)
	if ClassOf(err) != ErrorClassNetwork {
		t.Errorf("ClassOf(%v) = %q, want network", err, ClassOf(err))
	}
}

func TestGet_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := newTestClient(t, &countingGate{})
	_, err := c.Get(ctx, KindPage, server.URL)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get() error = %v, want context.DeadlineExceeded", err)
	}
}
