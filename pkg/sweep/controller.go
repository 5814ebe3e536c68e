// Package sweep drives the harvest: it seeds every category with its first
// listing page and then cycles over the categories forever, advancing each
// one by at most one item per cycle.
//
// A step reads the category counter, resolves the page covering it and
// hands the item at that position to the fetcher. The counter is written
// only after the artifact of the same index is durable, so a crash at any
// point leaves at worst one artifact that is downloaded again on restart.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/replay-harvester/pkg/client"
	"github.com/Sternrassler/replay-harvester/pkg/download"
	"github.com/Sternrassler/replay-harvester/pkg/pagination"
	"github.com/Sternrassler/replay-harvester/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	harvesterItemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_items_processed_total",
		Help: "Sweep steps by category and outcome",
	}, []string{"category", "outcome"})

	harvesterProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvester_progress",
		Help: "Progress counter per category",
	}, []string{"category"})

	harvesterCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_cycles_total",
		Help: "Completed sweep cycles",
	})
)

// ErrNotBootstrapped is returned when a category has no counter.
var ErrNotBootstrapped = errors.New("category not bootstrapped")

// Outcome is the result of one step for one category.
type Outcome int

const (
	// OutcomeDownloaded means an artifact was stored and the counter advanced.
	OutcomeDownloaded Outcome = iota

	// OutcomeSkipped means the slot had no usable link; the counter advanced.
	OutcomeSkipped

	// OutcomeCaughtUp means every reported item is processed.
	OutcomeCaughtUp

	// OutcomeNoMorePages means the last stored page has no next link yet.
	OutcomeNoMorePages

	// OutcomeTransient means an upstream call failed; retried next cycle.
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCaughtUp:
		return "caught_up"
	case OutcomeNoMorePages:
		return "no_more_pages"
	case OutcomeTransient:
		return "transient"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Advanced reports whether the outcome moved the counter.
func (o Outcome) Advanced() bool {
	return o == OutcomeDownloaded || o == OutcomeSkipped
}

// Idle reports whether the outcome is a steady state with nothing to do.
func (o Outcome) Idle() bool {
	return o == OutcomeCaughtUp || o == OutcomeNoMorePages
}

// StepResult describes one step.
type StepResult struct {
	Category string
	Outcome  Outcome

	// Counter is the counter after the step.
	Counter int

	Page   int
	Offset int

	// Penalized is true when the step imposed a cooldown on the limiter.
	Penalized bool

	// Err is the transient failure or the reason an item was skipped.
	Err error
}

// Getter performs rate limited upstream calls.
type Getter interface {
	Get(ctx context.Context, kind client.Kind, url string) ([]byte, error)
}

// Limiter is the part of the rate limiter the controller drives. Waiting is
// done by the Getter before each call.
type Limiter interface {
	Penalize()
	Calls() int
}

// Controller runs bootstrap and sweep cycles over a store.
type Controller struct {
	cfg      Config
	store    store.Store
	getter   Getter
	limiter  Limiter
	resolver *pagination.Resolver
	fetcher  *download.Fetcher
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a controller. getter must route every call through limiter.
func New(cfg Config, st store.Store, getter Getter, limiter Limiter, logger zerolog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sweep config: %w", err)
	}
	if st == nil || getter == nil || limiter == nil {
		return nil, errors.New("store, getter and limiter are required")
	}
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	cats := make([]string, len(cfg.Categories))
	copy(cats, cfg.Categories)
	cfg.Categories = cats

	return &Controller{
		cfg:      cfg,
		store:    st,
		getter:   getter,
		limiter:  limiter,
		resolver: pagination.NewResolver(st, getter, cfg.PageSize, logger),
		fetcher:  download.NewFetcher(st, getter, logger),
		logger:   logger,
		sleep:    sleepContext,
	}, nil
}

// Categories returns the sweep order.
func (c *Controller) Categories() []string {
	return append([]string(nil), c.cfg.Categories...)
}

// Step advances one category by at most one item. Recoverable conditions are
// reported in the result; a returned error is fatal.
func (c *Controller) Step(ctx context.Context, category string) (StepResult, error) {
	result := StepResult{Category: category}

	counter, err := c.store.LoadCounter(ctx, category)
	if errors.Is(err, store.ErrNotFound) {
		return result, fmt.Errorf("%s: %w", category, ErrNotBootstrapped)
	}
	if err != nil {
		return result, fmt.Errorf("%s: load counter: %w", category, err)
	}
	result.Counter = counter

	res, err := c.resolver.Resolve(ctx, category, counter)
	if err != nil {
		return result, err
	}
	result.Page, result.Offset = res.Index, res.Offset

	switch res.Status {
	case pagination.StatusNoMorePages:
		result.Outcome = OutcomeNoMorePages
		return c.finish(result), nil
	case pagination.StatusTransient:
		result.Outcome = OutcomeTransient
		result.Err = res.Err
		if res.Throttled {
			c.limiter.Penalize()
			result.Penalized = true
		}
		return c.finish(result), nil
	}

	out, err := c.fetcher.Fetch(ctx, category, res.Page, res.Offset, counter)
	if err != nil {
		return result, err
	}

	switch out.Status {
	case download.StatusCaughtUp:
		result.Outcome = OutcomeCaughtUp
	case download.StatusTransient:
		result.Outcome = OutcomeTransient
		result.Err = out.Err
		c.limiter.Penalize()
		result.Penalized = true
	case download.StatusUnresolvable, download.StatusDownloaded:
		if err := c.store.SaveCounter(ctx, category, counter+1); err != nil {
			return result, fmt.Errorf("%s: save counter %d: %w", category, counter+1, err)
		}
		result.Counter = counter + 1
		result.Outcome = OutcomeDownloaded
		if out.Status == download.StatusUnresolvable {
			result.Outcome = OutcomeSkipped
			result.Err = out.Err
		}
	}

	return c.finish(result), nil
}

func (c *Controller) finish(r StepResult) StepResult {
	harvesterItemsProcessedTotal.WithLabelValues(r.Category, r.Outcome.String()).Inc()
	harvesterProgress.WithLabelValues(r.Category).Set(float64(r.Counter))

	var ev *zerolog.Event
	switch r.Outcome {
	case OutcomeDownloaded:
		ev = c.logger.Info()
	case OutcomeCaughtUp:
		ev = c.logger.Debug()
	default:
		ev = c.logger.Warn()
	}
	if r.Err != nil {
		ev = ev.Err(r.Err).Str("error_class", string(client.ClassOf(r.Err)))
	}
	ev.Str("category", r.Category).
		Int("page", r.Page).
		Int("offset", r.Offset).
		Int("counter", r.Counter).
		Int("requests", c.limiter.Calls()).
		Str("outcome", r.Outcome.String()).
		Msg(stepMessage(r.Outcome))

	return r
}

func stepMessage(o Outcome) string {
	switch o {
	case OutcomeDownloaded:
		return "Replay stored"
	case OutcomeSkipped:
		return "Item has no usable link, skipping slot"
	case OutcomeCaughtUp:
		return "Category caught up"
	case OutcomeNoMorePages:
		return "No next page available yet"
	default:
		return "Upstream call failed, retrying next cycle"
	}
}

// CycleReport is the result of one pass over all categories.
type CycleReport struct {
	Results []StepResult
}

// Count returns the number of steps with the given outcome.
func (r CycleReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Idle reports whether no category could make progress.
func (r CycleReport) Idle() bool {
	for _, res := range r.Results {
		if !res.Outcome.Idle() {
			return false
		}
	}
	return true
}

// RunCycle steps every category once, in order. Cancellation is checked
// between steps.
func (c *Controller) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{Results: make([]StepResult, 0, len(c.cfg.Categories))}
	for _, cat := range c.cfg.Categories {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := c.Step(ctx, cat)
		if err != nil {
			return report, err
		}
		report.Results = append(report.Results, res)
	}
	harvesterCyclesTotal.Inc()
	return report, nil
}

// Run cycles until ctx is cancelled or a fatal error occurs. When a whole
// cycle was idle it pauses for the idle interval before the next one.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info().Strs("categories", c.cfg.Categories).Msg("Starting sweep")
	for cycle := 1; ; cycle++ {
		report, err := c.RunCycle(ctx)
		if err != nil {
			return err
		}
		if report.Idle() {
			c.logger.Debug().Int("cycle", cycle).Dur("wait", c.cfg.IdleInterval).Msg("All categories idle")
			if err := c.sleep(ctx, c.cfg.IdleInterval); err != nil {
				return err
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
