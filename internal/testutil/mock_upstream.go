// Package testutil provides an in-process replay listing API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ListPath is the listing endpoint served by MockUpstream.
const ListPath = "/api/replays"

// MockResponse overrides the next response of the server.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream emulates the paginated listing API: one listing per category
// selected by min-rank, pages chained through next links carrying an empty
// max-rank filter, and one downloadable JSON payload per item.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	items    map[string]int
	queued   []MockResponse
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	ListingCount      int
	ItemCount         int
	MaxRanks          []string
	LastRequestHeader http.Header
}

// NewMockUpstream creates and starts a mock upstream.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		items:    make(map[string]int),
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		if r.URL.Path == ListPath {
			mock.ListingCount++
			mock.MaxRanks = append(mock.MaxRanks, r.URL.Query().Get("max-rank"))
		} else {
			mock.ItemCount++
		}

		var override *MockResponse
		if len(mock.queued) > 0 {
			override = &mock.queued[0]
			mock.queued = mock.queued[1:]
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		switch {
		case override != nil:
			writeResponse(w, *override)
		case exists:
			handler(w, r)
		case r.URL.Path == ListPath:
			mock.listHandler(w, r)
		case strings.HasPrefix(r.URL.Path, ListPath+"/"):
			mock.itemHandler(w, r)
		default:
			http.NotFound(w, r)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// BaseURL returns the listing endpoint URL.
func (m *MockUpstream) BaseURL() string {
	return m.server.URL + ListPath
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ListingCount = 0
	m.ItemCount = 0
	m.MaxRanks = nil
	m.LastRequestHeader = nil
}

// SetItems sets the number of items the upstream reports for category.
func (m *MockUpstream) SetItems(category string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[category] = n
}

// Enqueue makes the next requests, in order, return the given responses
// instead of the regular ones.
func (m *MockUpstream) Enqueue(resp ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, resp...)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetItemCount returns the number of item downloads made to the server.
func (m *MockUpstream) GetItemCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ItemCount
}

// GetListingCount returns the number of listing requests made to the server.
func (m *MockUpstream) GetListingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ListingCount
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockUpstream) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader.Clone()
}

// GetMaxRanks returns the max-rank value of every listing request so far.
func (m *MockUpstream) GetMaxRanks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.MaxRanks...)
}

// ItemLink returns the download link of item n of category.
func (m *MockUpstream) ItemLink(category string, n int) string {
	return fmt.Sprintf("%s%s/%s-%d", m.server.URL, ListPath, category, n)
}

// ItemBody returns the payload served for item n of category.
func ItemBody(category string, n int) string {
	return fmt.Sprintf(`{"id":"%s-%d","rank":"%s"}`, category, n, category)
}

type listing struct {
	Count int               `json:"count"`
	List  []json.RawMessage `json:"list"`
	Next  *string           `json:"next,omitempty"`
}

// listHandler serves one page of a category. The page index is carried in
// the "after" parameter of next links.
func (m *MockUpstream) listHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := q.Get("min-rank")

	size, err := strconv.Atoi(q.Get("count"))
	if err != nil || size <= 0 {
		size = 200
	}
	index := 0
	if after := q.Get("after"); after != "" {
		if index, err = strconv.Atoi(after); err != nil {
			http.Error(w, `{"error":"bad cursor"}`, http.StatusBadRequest)
			return
		}
	}

	m.mu.RLock()
	total := m.items[category]
	m.mu.RUnlock()

	page := listing{Count: total, List: []json.RawMessage{}}
	for n := index * size; n < total && n < (index+1)*size; n++ {
		ref, _ := json.Marshal(map[string]string{
			"id":   fmt.Sprintf("%s-%d", category, n),
			"link": m.ItemLink(category, n),
		})
		page.List = append(page.List, ref)
	}
	if (index+1)*size < total {
		next := fmt.Sprintf("%s%s?after=%d&count=%d&max-rank=&min-rank=%s&playlist=%s&season=%s",
			m.server.URL, ListPath, index+1, size, category, q.Get("playlist"), q.Get("season"))
		page.Next = &next
	}

	body, _ := json.Marshal(page)
	writeResponse(w, MockResponse{StatusCode: http.StatusOK, Body: string(body)})
}

func (m *MockUpstream) itemHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, ListPath+"/")
	cut := strings.LastIndex(id, "-")
	if cut <= 0 {
		http.NotFound(w, r)
		return
	}
	n, err := strconv.Atoi(id[cut+1:])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeResponse(w, MockResponse{StatusCode: http.StatusOK, Body: ItemBody(id[:cut], n)})
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	w.Header().Set("Content-Type", "application/json")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewDisguisedRateLimitResponse creates the 200 response the upstream sends
// when it throttles a client.
func NewDisguisedRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"error":"Too many requests"}`,
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"Too many requests"}`,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":"Internal server error"}`,
	}
}
