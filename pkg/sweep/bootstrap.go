package sweep

import (
	"context"
	"fmt"

	"github.com/Sternrassler/replay-harvester/pkg/client"
	"github.com/Sternrassler/replay-harvester/pkg/pagination"
)

// Initialized reports whether every configured category has been seeded. A
// store left behind by an interrupted bootstrap is not initialized.
func (c *Controller) Initialized(ctx context.Context) (bool, error) {
	exists, err := c.store.Initialized(ctx)
	if err != nil || !exists {
		return false, err
	}
	for _, cat := range c.cfg.Categories {
		ok, err := c.store.HasCategory(ctx, cat)
		if err != nil {
			return false, fmt.Errorf("%s: %w", cat, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Bootstrap fetches the first listing page of every category that has not
// been seeded yet and stores it with a zero counter. It returns the number
// of categories created. Any failure is fatal; categories created before it
// are kept, so Bootstrap can simply be run again.
func (c *Controller) Bootstrap(ctx context.Context) (int, error) {
	created := 0
	for _, cat := range c.cfg.Categories {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		exists, err := c.store.HasCategory(ctx, cat)
		if err != nil {
			return created, fmt.Errorf("%s: %w", cat, err)
		}
		if exists {
			c.logger.Info().Str("category", cat).Msg("Category already initialized, skipping")
			continue
		}

		u, err := pagination.InitialURL(c.cfg.BaseURL, c.cfg.Playlist, c.cfg.Season, cat, c.cfg.PageSize)
		if err != nil {
			return created, err
		}

		c.logger.Info().Str("category", cat).Str("url", u).Msg("Downloading first index page")
		body, err := c.getter.Get(ctx, client.KindBootstrap, u)
		if err != nil {
			return created, fmt.Errorf("%s: bootstrap: %w", cat, err)
		}
		page, err := pagination.ParsePage(body)
		if err != nil {
			return created, fmt.Errorf("%s: bootstrap: %w", cat, err)
		}

		if err := c.store.CreateCategory(ctx, cat, body); err != nil {
			return created, fmt.Errorf("%s: create: %w", cat, err)
		}
		harvesterProgress.WithLabelValues(cat).Set(0)
		created++

		c.logger.Info().
			Str("category", cat).
			Int("count", page.Count).
			Int("items", len(page.List)).
			Int("requests", c.limiter.Calls()).
			Msg("Category initialized")
	}
	return created, nil
}
