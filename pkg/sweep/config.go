package sweep

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/replay-harvester/pkg/store"
)

// DefaultIdleInterval is the pause between cycles in which no category
// could make progress.
const DefaultIdleInterval = 30 * time.Second

// Config is the static query description the controller sweeps.
type Config struct {
	// Categories are swept in this order, every cycle.
	Categories []string

	// PageSize is the count parameter of listing queries.
	PageSize int

	Playlist string
	Season   string

	// BaseURL is the listing endpoint.
	BaseURL string

	// IdleInterval is slept after a cycle where every category was caught
	// up or waiting for a next link (default: DefaultIdleInterval).
	IdleInterval time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Categories) == 0 {
		return errors.New("at least one category is required")
	}
	seen := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if err := store.ValidateCategory(cat); err != nil {
			return err
		}
		if seen[cat] {
			return fmt.Errorf("duplicate category %q", cat)
		}
		seen[cat] = true
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.BaseURL == "" {
		return errors.New("base url is required")
	}
	if c.IdleInterval < 0 {
		return fmt.Errorf("idle interval must not be negative, got %s", c.IdleInterval)
	}
	return nil
}
