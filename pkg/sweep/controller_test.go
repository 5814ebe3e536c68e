package sweep

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/replay-harvester/internal/testutil"
	"github.com/Sternrassler/replay-harvester/pkg/client"
	"github.com/Sternrassler/replay-harvester/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimiter struct {
	mu        sync.Mutex
	acquires  int
	penalties int
}

func (l *fakeLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return ctx.Err()
}

func (l *fakeLimiter) Penalize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalties++
}

func (l *fakeLimiter) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires
}

func (l *fakeLimiter) Penalties() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.penalties
}

type harness struct {
	up     *testutil.MockUpstream
	st     *store.FileStore
	lim    *fakeLimiter
	client *client.Client
	ctrl   *Controller
	cfg    Config
	ctx    context.Context
}

func newHarness(t *testing.T, pageSize int, categories ...string) *harness {
	t.Helper()

	up := testutil.NewMockUpstream()
	t.Cleanup(up.Close)

	lim := &fakeLimiter{}
	c, err := client.New(client.Config{Token: "secret"}, lim, zerolog.Nop())
	require.NoError(t, err)

	cfg := Config{
		Categories:   categories,
		PageSize:     pageSize,
		Playlist:     "ranked-standard",
		Season:       "f13",
		BaseURL:      up.BaseURL(),
		IdleInterval: time.Millisecond,
	}
	st := store.NewFileStore(t.TempDir() + "/replays")
	ctrl, err := New(cfg, st, c, lim, zerolog.Nop())
	require.NoError(t, err)

	return &harness{up: up, st: st, lim: lim, client: c, ctrl: ctrl, cfg: cfg, ctx: context.Background()}
}

func (h *harness) counter(t *testing.T, category string) int {
	t.Helper()
	n, err := h.st.LoadCounter(h.ctx, category)
	require.NoError(t, err)
	return n
}

func (h *harness) artifacts(t *testing.T, category string) int {
	t.Helper()
	n, err := h.st.CountArtifacts(h.ctx, category)
	require.NoError(t, err)
	return n
}

func (h *harness) step(t *testing.T, category string) StepResult {
	t.Helper()
	res, err := h.ctrl.Step(h.ctx, category)
	require.NoError(t, err)
	return res
}

func TestNew_Validation(t *testing.T) {
	lim := &fakeLimiter{}
	st := store.NewFileStore(t.TempDir())

	_, err := New(Config{}, st, nil, lim, zerolog.Nop())
	assert.Error(t, err)

	cfg := Config{Categories: []string{"gold-2"}, PageSize: 200, BaseURL: "https://api.test/replays"}
	_, err = New(cfg, nil, nil, lim, zerolog.Nop())
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Categories: []string{"gold-1", "gold-2"}, PageSize: 200, BaseURL: "https://api.test/replays"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "no categories", mutate: func(c *Config) { c.Categories = nil }},
		{name: "duplicate category", mutate: func(c *Config) { c.Categories = []string{"gold-1", "gold-1"} }},
		{name: "invalid category", mutate: func(c *Config) { c.Categories = []string{"../gold"} }},
		{name: "zero page size", mutate: func(c *Config) { c.PageSize = 0 }},
		{name: "no base url", mutate: func(c *Config) { c.BaseURL = "" }},
		{name: "negative idle", mutate: func(c *Config) { c.IdleInterval = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			cfg.Categories = append([]string(nil), valid.Categories...)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBootstrap_SeedsEveryCategory(t *testing.T) {
	h := newHarness(t, 200, "gold-2", "silver-1")
	h.up.SetItems("gold-2", 5)

	created, err := h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	for _, cat := range []string{"gold-2", "silver-1"} {
		assert.Equal(t, 0, h.counter(t, cat))
		_, err := h.st.LoadPage(h.ctx, cat, 0)
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{"gold-2", "silver-1"}, h.up.GetMaxRanks())
	assert.Equal(t, "secret", h.up.GetLastRequestHeader().Get("Authorization"))

	ok, err := h.ctrl.Initialized(h.ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBootstrap_SkipsInitializedCategories(t *testing.T) {
	h := newHarness(t, 200, "gold-2", "silver-1")
	h.up.SetItems("gold-2", 5)

	_, err := h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)
	h.up.Reset()

	created, err := h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Zero(t, h.up.GetRequestCount())
}

func TestInitialized_RequiresEveryCategory(t *testing.T) {
	h := newHarness(t, 200, "gold-2", "silver-1")

	ok, err := h.ctrl.Initialized(h.ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.st.CreateCategory(h.ctx, "gold-2", []byte(`{"count":0,"list":[]}`)))
	ok, err = h.ctrl.Initialized(h.ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a partly seeded store must not count as initialized")

	_, err = h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)
	ok, err = h.ctrl.Initialized(h.ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBootstrap_FailureIsFatal(t *testing.T) {
	h := newHarness(t, 200, "gold-2", "silver-1")
	h.up.Enqueue(testutil.MockResponse{StatusCode: 200, Body: `{"count":1,"list":[]}`}, testutil.NewDisguisedRateLimitResponse())

	created, err := h.ctrl.Bootstrap(h.ctx)
	require.Error(t, err)
	assert.Equal(t, client.ErrorClassRateLimit, client.ClassOf(err))
	assert.Equal(t, 1, created)

	ok, err := h.st.HasCategory(h.ctx, "silver-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEndToEnd_FiveItemsThenCaughtUp(t *testing.T) {
	h := newHarness(t, 200, "gold-2")
	h.up.SetItems("gold-2", 5)

	_, err := h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		report, err := h.ctrl.RunCycle(h.ctx)
		require.NoError(t, err)
		require.Len(t, report.Results, 1)
		assert.Equal(t, OutcomeDownloaded, report.Results[0].Outcome, "cycle %d", i)
		assert.Equal(t, i+1, report.Results[0].Counter)
	}
	assert.Equal(t, 5, h.counter(t, "gold-2"))
	assert.Equal(t, 5, h.artifacts(t, "gold-2"))

	for i := 0; i < 5; i++ {
		payload, err := h.st.LoadArtifact(h.ctx, "gold-2", i)
		require.NoError(t, err)
		assert.JSONEq(t, testutil.ItemBody("gold-2", i), string(payload))
	}

	h.up.Reset()
	calls := h.lim.Calls()
	for i := 0; i < 10; i++ {
		report, err := h.ctrl.RunCycle(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCaughtUp, report.Results[0].Outcome)
		assert.True(t, report.Idle())
	}
	assert.Zero(t, h.up.GetRequestCount())
	assert.Equal(t, calls, h.lim.Calls(), "caught up categories must not wait on the limiter")
	assert.Equal(t, 5, h.counter(t, "gold-2"))
}

func TestStep_FollowsNextPagesWithinCategory(t *testing.T) {
	h := newHarness(t, 2, "gold-2")
	h.up.SetItems("gold-2", 5)

	_, err := h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res := h.step(t, "gold-2")
		require.Equal(t, OutcomeDownloaded, res.Outcome)
		assert.Equal(t, i/2, res.Page)
		assert.Equal(t, i%2, res.Offset)
	}
	assert.Equal(t, OutcomeCaughtUp, h.step(t, "gold-2").Outcome)

	assert.Equal(t, 3, h.up.GetListingCount())
	for _, maxRank := range h.up.GetMaxRanks() {
		assert.Equal(t, "gold-2", maxRank)
	}
	for i := 0; i < 3; i++ {
		_, err := h.st.LoadPage(h.ctx, "gold-2", i)
		assert.NoError(t, err)
	}
}

func TestStep_NoMorePagesAtPageBoundary(t *testing.T) {
	h := newHarness(t, 2, "gold-2")
	h.up.SetItems("gold-2", 2)

	_, err := h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)
	h.step(t, "gold-2")
	h.step(t, "gold-2")
	h.up.Reset()

	res := h.step(t, "gold-2")
	assert.Equal(t, OutcomeNoMorePages, res.Outcome)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 2, res.Counter)
	assert.Zero(t, h.up.GetRequestCount())
}

func TestStep_DisguisedRateLimitDoesNotAdvance(t *testing.T) {
	h := newHarness(t, 200, "gold-2")
	h.up.SetItems("gold-2", 3)

	_, err := h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)

	h.up.Enqueue(testutil.NewDisguisedRateLimitResponse())
	res := h.step(t, "gold-2")
	assert.Equal(t, OutcomeTransient, res.Outcome)
	assert.True(t, res.Penalized)
	assert.Equal(t, client.ErrorClassRateLimit, client.ClassOf(res.Err))
	assert.Equal(t, 0, res.Counter)
	assert.Equal(t, 0, h.counter(t, "gold-2"))
	assert.Zero(t, h.artifacts(t, "gold-2"))
	assert.Equal(t, 1, h.lim.Penalties())

	res = h.step(t, "gold-2")
	assert.Equal(t, OutcomeDownloaded, res.Outcome)
	assert.Equal(t, 1, h.counter(t, "gold-2"))
}

func TestStep_TransientFailuresMatchNetworkFailure(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.MockResponse
	}{
		{name: "disguised rate limit", resp: testutil.NewDisguisedRateLimitResponse()},
		{name: "429", resp: testutil.NewRateLimitResponse()},
		{name: "500", resp: testutil.NewServerErrorResponse()},
		{name: "404", resp: testutil.MockResponse{StatusCode: 404, Body: `{"error":"not found"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 200, "gold-2")
			h.up.SetItems("gold-2", 1)
			_, err := h.ctrl.Bootstrap(h.ctx)
			require.NoError(t, err)

			h.up.Enqueue(tt.resp)
			res := h.step(t, "gold-2")
			assert.Equal(t, OutcomeTransient, res.Outcome)
			assert.True(t, res.Penalized)
			assert.Equal(t, 0, h.counter(t, "gold-2"))
		})
	}
}

func TestStep_StoresNonThrottleBodies(t *testing.T) {
	bodies := []struct {
		name string
		body string
	}{
		{name: "error field", body: `{"error":"replay is being processed"}`},
		{name: "error beside data", body: `{"id":"gold-2-0","error":"x"}`},
		{name: "not json", body: `not json`},
	}

	for _, tt := range bodies {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 200, "gold-2")
			h.up.SetItems("gold-2", 2)
			h.up.SetHandler(testutil.ListPath+"/gold-2-0", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			_, err := h.ctrl.Bootstrap(h.ctx)
			require.NoError(t, err)

			res := h.step(t, "gold-2")
			assert.Equal(t, OutcomeDownloaded, res.Outcome)
			assert.False(t, res.Penalized)
			assert.Zero(t, h.lim.Penalties())
			assert.Equal(t, 1, h.counter(t, "gold-2"))

			payload, err := h.st.LoadArtifact(h.ctx, "gold-2", 0)
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(payload))

			assert.Equal(t, OutcomeDownloaded, h.step(t, "gold-2").Outcome)
		})
	}
}

func TestStep_NextPageFailure(t *testing.T) {
	tests := []struct {
		name      string
		resp      testutil.MockResponse
		penalized bool
	}{
		{name: "throttled", resp: testutil.NewDisguisedRateLimitResponse(), penalized: true},
		{name: "outage", resp: testutil.NewServerErrorResponse(), penalized: true},
		{name: "not found", resp: testutil.MockResponse{StatusCode: 404}, penalized: false},
		{name: "not a page", resp: testutil.MockResponse{StatusCode: 200, Body: `{"list":[]}`}, penalized: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, "gold-2")
			h.up.SetItems("gold-2", 2)
			_, err := h.ctrl.Bootstrap(h.ctx)
			require.NoError(t, err)
			require.Equal(t, OutcomeDownloaded, h.step(t, "gold-2").Outcome)

			h.up.Enqueue(tt.resp)
			res := h.step(t, "gold-2")
			assert.Equal(t, OutcomeTransient, res.Outcome)
			assert.Equal(t, tt.penalized, res.Penalized)
			assert.Equal(t, 1, h.counter(t, "gold-2"))
			_, err = h.st.LoadPage(h.ctx, "gold-2", 1)
			assert.ErrorIs(t, err, store.ErrNotFound)

			assert.Equal(t, OutcomeDownloaded, h.step(t, "gold-2").Outcome)
		})
	}
}

func TestStep_UnresolvableItemAdvances(t *testing.T) {
	h := newHarness(t, 200, "gold-2")
	first := `{"count":3,"list":[{"id":"a"},{"link":"` + h.up.ItemLink("gold-2", 1) + `"},{"link":42}]}`
	require.NoError(t, h.st.CreateCategory(h.ctx, "gold-2", []byte(first)))

	skipped := 0
	for i := 0; i < 3; i++ {
		res := h.step(t, "gold-2")
		require.True(t, res.Outcome.Advanced())
		if res.Outcome == OutcomeSkipped {
			skipped++
			assert.Error(t, res.Err)
		}
	}
	assert.Equal(t, 2, skipped)
	assert.Equal(t, 1, h.up.GetItemCount())
	assert.Equal(t, 3, h.counter(t, "gold-2"))
	assert.Equal(t, h.counter(t, "gold-2"), h.artifacts(t, "gold-2")+skipped)

	_, err := h.st.LoadArtifact(h.ctx, "gold-2", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.st.LoadArtifact(h.ctx, "gold-2", 1)
	assert.NoError(t, err)
}

var errCrash = errors.New("process killed")

type crashingStore struct {
	store.Store
	crash bool
}

func (s *crashingStore) SaveCounter(ctx context.Context, category string, value int) error {
	if s.crash {
		s.crash = false
		return errCrash
	}
	return s.Store.SaveCounter(ctx, category, value)
}

func TestStep_CrashBetweenArtifactAndCounter(t *testing.T) {
	h := newHarness(t, 200, "gold-2")
	h.up.SetItems("gold-2", 4)
	_, err := h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)
	h.step(t, "gold-2")
	h.step(t, "gold-2")

	const k = 2
	crashing, err := New(h.cfg, &crashingStore{Store: h.st, crash: true}, h.client, h.lim, zerolog.Nop())
	require.NoError(t, err)
	_, err = crashing.Step(h.ctx, "gold-2")
	require.ErrorIs(t, err, errCrash)

	assert.Equal(t, k, h.counter(t, "gold-2"))
	assert.Equal(t, k+1, h.artifacts(t, "gold-2"))

	// restart
	restarted, err := New(h.cfg, h.st, h.client, h.lim, zerolog.Nop())
	require.NoError(t, err)
	items := h.up.GetItemCount()

	res, err := restarted.Step(h.ctx, "gold-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, res.Outcome)
	assert.Equal(t, k+1, h.counter(t, "gold-2"))
	assert.Equal(t, items+1, h.up.GetItemCount())
	assert.Equal(t, k+1, h.artifacts(t, "gold-2"))

	payload, err := h.st.LoadArtifact(h.ctx, "gold-2", k)
	require.NoError(t, err)
	assert.JSONEq(t, testutil.ItemBody("gold-2", k), string(payload))
}

func TestStep_Fatal(t *testing.T) {
	t.Run("not bootstrapped", func(t *testing.T) {
		h := newHarness(t, 200, "gold-2")
		_, err := h.ctrl.Step(h.ctx, "gold-2")
		assert.ErrorIs(t, err, ErrNotBootstrapped)
	})

	t.Run("corrupt counter", func(t *testing.T) {
		h := newHarness(t, 200, "gold-2")
		h.up.SetItems("gold-2", 1)
		_, err := h.ctrl.Bootstrap(h.ctx)
		require.NoError(t, err)
		writeFile(t, h.st.Root()+"/gold-2/num_processed.txt", "garbage")

		_, err = h.ctrl.Step(h.ctx, "gold-2")
		assert.ErrorIs(t, err, store.ErrCorrupt)
	})

	t.Run("cancelled", func(t *testing.T) {
		h := newHarness(t, 200, "gold-2")
		h.up.SetItems("gold-2", 1)
		_, err := h.ctrl.Bootstrap(h.ctx)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = h.ctrl.Step(ctx, "gold-2")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, h.counter(t, "gold-2"))
	})
}

func TestRunCycle_VisitsCategoriesInOrder(t *testing.T) {
	h := newHarness(t, 200, "silver-1", "gold-2", "gold-3")
	h.up.SetItems("silver-1", 1)
	h.up.SetItems("gold-3", 2)
	_, err := h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)

	report, err := h.ctrl.RunCycle(h.ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Equal(t, "silver-1", report.Results[0].Category)
	assert.Equal(t, "gold-2", report.Results[1].Category)
	assert.Equal(t, "gold-3", report.Results[2].Category)
	assert.Equal(t, 2, report.Count(OutcomeDownloaded))
	assert.Equal(t, 1, report.Count(OutcomeCaughtUp))
	assert.False(t, report.Idle())
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, 200, "gold-2", "gold-3")
	h.up.SetItems("gold-2", 3)
	h.up.SetItems("gold-3", 1)
	_, err := h.ctrl.Bootstrap(h.ctx)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := h.st.LoadCounter(h.ctx, "gold-2")
		return err == nil && n == 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, 1, h.counter(t, "gold-3"))
	assert.Equal(t, 3, h.artifacts(t, "gold-2"))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "downloaded", OutcomeDownloaded.String())
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "caught_up", OutcomeCaughtUp.String())
	assert.Equal(t, "no_more_pages", OutcomeNoMorePages.String())
	assert.Equal(t, "transient", OutcomeTransient.String())
}
