// Package ratelimit paces upstream calls for the harvester. A single Limiter
// is shared by every request path so that the documented budget of the
// upstream API (2 calls per second, 500 calls per hour) holds regardless of
// how many categories are swept.
package ratelimit

import (
	"errors"
	"time"
)

// Defaults derived from the upstream budget.
const (
	// DefaultInterval keeps calls under 2 per second with some headroom.
	DefaultInterval = 600 * time.Millisecond

	// DefaultHourlyBudget is the number of calls allowed per window.
	DefaultHourlyBudget = 500

	// DefaultWindow is the length of the rolling budget window.
	DefaultWindow = time.Hour

	// DefaultCooldown is the extra wait imposed after a throttling signal.
	DefaultCooldown = 60 * time.Second
)

// Config holds the pacing schedule.
type Config struct {
	// Interval is the minimum spacing between two calls.
	Interval time.Duration

	// HourlyBudget caps the calls made within one Window. Zero disables the cap.
	HourlyBudget int

	// Window is the budget window length.
	Window time.Duration

	// Cooldown is waited once by the next Acquire after Penalize.
	Cooldown time.Duration
}

// DefaultConfig returns the schedule matching the upstream budget.
func DefaultConfig() Config {
	return Config{
		Interval:     DefaultInterval,
		HourlyBudget: DefaultHourlyBudget,
		Window:       DefaultWindow,
		Cooldown:     DefaultCooldown,
	}
}

// Validate reports whether the schedule is usable.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("ratelimit: interval must be positive")
	}
	if c.Cooldown < 0 {
		return errors.New("ratelimit: cooldown must not be negative")
	}
	if c.HourlyBudget < 0 {
		return errors.New("ratelimit: hourly budget must not be negative")
	}
	if c.HourlyBudget > 0 && c.Window <= 0 {
		return errors.New("ratelimit: window must be positive when a budget is set")
	}
	return nil
}

// State is a point-in-time view of the limiter.
type State struct {
	// Calls is the number of calls granted in the current window.
	Calls int

	// WindowStart is when the current window began. Zero before the first call.
	WindowStart time.Time

	// NextAt is the earliest time the next call may start.
	NextAt time.Time

	// Penalized is true when the next Acquire will wait the cooldown first.
	Penalized bool
}

// TimeUntilNext returns how long a call made at now would wait for spacing.
func (s State) TimeUntilNext(now time.Time) time.Duration {
	d := s.NextAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// BudgetExhausted reports whether the window cap has been reached.
func (s State) BudgetExhausted(budget int) bool {
	return budget > 0 && s.Calls >= budget
}
