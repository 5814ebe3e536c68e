package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for call pacing.
var (
	harvesterRateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_ratelimit_wait_seconds",
		Help:    "Time spent waiting before an upstream call by reason",
		Buckets: []float64{0.1, 0.3, 0.6, 1, 5, 30, 60, 600},
	}, []string{"reason"})

	harvesterRateLimitPenaltiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_ratelimit_penalties_total",
		Help: "Total number of throttling signals reported to the limiter",
	})

	harvesterRateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_ratelimit_cooldowns_total",
		Help: "Total number of cooldowns served",
	})

	harvesterRateLimitWindowCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_ratelimit_window_calls",
		Help: "Upstream calls granted in the current budget window",
	})
)

// Limiter grants permission for upstream calls. Acquire calls are serialized;
// the harvester drives it from a single worker.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	logger zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	next        time.Time
	windowStart time.Time
	calls       int
	penalized   bool
}

// New creates a limiter with the given schedule. Invalid fields fall back to the defaults.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HourlyBudget < 0 {
		cfg.HourlyBudget = 0
	}
	if cfg.HourlyBudget > 0 && cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	return &Limiter{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Acquire blocks until another upstream call is allowed. It serves a pending
// cooldown first, then waits for the budget window if the cap is reached, then
// honors the minimum spacing. Time that passed while the caller was busy is not
// banked: after a long pause the next call goes out immediately, but only one.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.penalized {
		l.logger.Warn().
			Dur("cooldown", l.cfg.Cooldown).
			Msg("Throttling detected, cooling down")
		if err := l.wait(ctx, "cooldown", l.cfg.Cooldown); err != nil {
			return err
		}
		l.penalized = false
		l.calls = 0
		l.windowStart = time.Time{}
		harvesterRateLimitCooldownsTotal.Inc()
	}

	now := l.now()
	if l.cfg.HourlyBudget > 0 {
		if !l.windowStart.IsZero() && now.Sub(l.windowStart) >= l.cfg.Window {
			l.calls = 0
			l.windowStart = time.Time{}
		}
		if l.calls >= l.cfg.HourlyBudget {
			d := l.windowStart.Add(l.cfg.Window).Sub(now)
			l.logger.Info().
				Int("requests", l.calls).
				Dur("wait", d).
				Msg("Call budget exhausted, waiting for the window to roll over")
			if err := l.wait(ctx, "budget", d); err != nil {
				return err
			}
			l.calls = 0
			l.windowStart = time.Time{}
			now = l.now()
		}
	}

	if d := l.next.Sub(now); d > 0 {
		if err := l.wait(ctx, "spacing", d); err != nil {
			return err
		}
		now = l.now()
	}

	l.next = now.Add(l.cfg.Interval)
	if l.windowStart.IsZero() {
		l.windowStart = now
	}
	l.calls++
	harvesterRateLimitWindowCalls.Set(float64(l.calls))

	return nil
}

// Penalize makes the next Acquire wait the cooldown and resets the window counter.
func (l *Limiter) Penalize() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.penalized = true
	l.calls = 0
	l.windowStart = time.Time{}
	harvesterRateLimitPenaltiesTotal.Inc()
	harvesterRateLimitWindowCalls.Set(0)
}

// State returns a snapshot of the limiter.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return State{
		Calls:       l.calls,
		WindowStart: l.windowStart,
		NextAt:      l.next,
		Penalized:   l.penalized,
	}
}

// Calls returns the number of calls granted in the current window.
func (l *Limiter) Calls() int {
	return l.State().Calls
}

func (l *Limiter) wait(ctx context.Context, reason string, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	l.logger.Debug().Str("reason", reason).Dur("wait", d).Msg("Waiting before next call")
	harvesterRateLimitWaitSeconds.WithLabelValues(reason).Observe(d.Seconds())
	return l.sleep(ctx, d)
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
