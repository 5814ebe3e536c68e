package pagination

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/replay-harvester/pkg/client"
	"github.com/Sternrassler/replay-harvester/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var harvesterPagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvester_pages_fetched_total",
	Help: "Total pages fetched from upstream and stored, by category",
}, []string{"category"})

// ErrMissingPredecessor indicates that the page before a missing page is not
// stored either, which cannot happen when pages are filled in order.
var ErrMissingPredecessor = errors.New("predecessor page missing")

// Status is the recoverable outcome of a resolution.
type Status int

const (
	// StatusResolved means Page covers the counter.
	StatusResolved Status = iota

	// StatusNoMorePages means the previous page has no next link yet.
	StatusNoMorePages

	// StatusTransient means the next page could not be fetched this cycle.
	StatusTransient
)

func (s Status) String() string {
	switch s {
	case StatusResolved:
		return "resolved"
	case StatusNoMorePages:
		return "no_more_pages"
	case StatusTransient:
		return "transient"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Resolution is the result of locating the page for a counter.
type Resolution struct {
	Status Status
	Index  int
	Offset int

	// Page is set when Status is StatusResolved.
	Page *Page

	// Fetched is true when Page was downloaded during this call.
	Fetched bool

	// Err describes a transient failure.
	Err error

	// Throttled is true when the transient failure signals upstream throttling.
	Throttled bool
}

// Fetcher downloads an upstream URL.
type Fetcher interface {
	Get(ctx context.Context, kind client.Kind, url string) ([]byte, error)
}

// Resolver finds or fetches the page covering a category's counter.
type Resolver struct {
	store    store.Store
	fetcher  Fetcher
	pageSize int
	logger   zerolog.Logger
}

// NewResolver creates a resolver for pages of pageSize items.
func NewResolver(st store.Store, fetcher Fetcher, pageSize int, logger zerolog.Logger) *Resolver {
	if pageSize <= 0 {
		panic("pagination: page size must be positive")
	}
	return &Resolver{
		store:    st,
		fetcher:  fetcher,
		pageSize: pageSize,
		logger:   logger,
	}
}

// PageSize returns the number of items per page.
func (r *Resolver) PageSize() int {
	return r.pageSize
}

// Resolve returns the page covering counter. Stored pages are never fetched
// again. A returned error is fatal: corrupted state, a missing predecessor,
// a store failure or a cancelled context.
func (r *Resolver) Resolve(ctx context.Context, category string, counter int) (Resolution, error) {
	index, offset := Position(counter, r.pageSize)
	res := Resolution{Index: index, Offset: offset}

	page, err := r.load(ctx, category, index)
	if err == nil {
		res.Status = StatusResolved
		res.Page = page
		return res, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return res, err
	}
	if index == 0 {
		return res, fmt.Errorf("%s: first page: %w", category, ErrMissingPredecessor)
	}

	prev, err := r.load(ctx, category, index-1)
	if errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("%s: page %d: %w", category, index-1, ErrMissingPredecessor)
	}
	if err != nil {
		return res, err
	}

	if prev.Next == "" {
		res.Status = StatusNoMorePages
		return res, nil
	}

	nextURL, err := RewriteNext(prev.Next, category)
	if err != nil {
		res.Status = StatusTransient
		res.Err = err
		return res, nil
	}

	r.logger.Info().
		Str("category", category).
		Int("page", index).
		Str("url", nextURL).
		Msg("Downloading next index page")

	body, err := r.fetcher.Get(ctx, client.KindPage, nextURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		res.Status = StatusTransient
		res.Err = err
		res.Throttled = client.IsThrottle(err)
		return res, nil
	}

	page, err = ParsePage(body)
	if err != nil {
		res.Status = StatusTransient
		res.Err = err
		return res, nil
	}

	if err := r.store.SavePage(ctx, category, index, body); err != nil {
		return res, fmt.Errorf("%s: store page %d: %w", category, index, err)
	}
	harvesterPagesFetchedTotal.WithLabelValues(category).Inc()

	res.Status = StatusResolved
	res.Page = page
	res.Fetched = true
	return res, nil
}

func (r *Resolver) load(ctx context.Context, category string, index int) (*Page, error) {
	raw, err := r.store.LoadPage(ctx, category, index)
	if err != nil {
		return nil, err
	}
	page, err := ParsePage(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: stored page %d: %w", category, index, err)
	}
	return page, nil
}
