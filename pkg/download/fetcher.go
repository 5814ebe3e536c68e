// Package download resolves item references from a stored page to their
// artifacts and persists the downloaded payloads.
package download

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/replay-harvester/pkg/client"
	"github.com/Sternrassler/replay-harvester/pkg/pagination"
	"github.com/Sternrassler/replay-harvester/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var harvesterArtifactBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "harvester_artifact_bytes",
	Help:    "Size of downloaded artifacts in bytes by category",
	Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
}, []string{"category"})

// Status is the outcome of one fetch attempt.
type Status int

const (
	// StatusDownloaded means the artifact is stored under the counter.
	StatusDownloaded Status = iota

	// StatusUnresolvable means the slot has no usable link and must be skipped.
	StatusUnresolvable

	// StatusCaughtUp means every item the upstream reports has been processed.
	StatusCaughtUp

	// StatusTransient means the download failed and should be retried next cycle.
	StatusTransient
)

func (s Status) String() string {
	switch s {
	case StatusDownloaded:
		return "downloaded"
	case StatusUnresolvable:
		return "unresolvable"
	case StatusCaughtUp:
		return "caught_up"
	case StatusTransient:
		return "transient"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome describes what Fetch did.
type Outcome struct {
	Status Status

	// Link is the resolved download link, when there is one.
	Link string

	// Bytes is the stored payload size for StatusDownloaded.
	Bytes int

	// Err describes a transient failure or why an item was unresolvable.
	Err error
}

// Getter downloads an upstream URL.
type Getter interface {
	Get(ctx context.Context, kind client.Kind, url string) ([]byte, error)
}

// Fetcher downloads the item at a page offset.
type Fetcher struct {
	store  store.Store
	getter Getter
	logger zerolog.Logger
}

// NewFetcher creates a fetcher storing artifacts in st.
func NewFetcher(st store.Store, getter Getter, logger zerolog.Logger) *Fetcher {
	return &Fetcher{store: st, getter: getter, logger: logger}
}

// Fetch processes the item at offset of page for a category whose progress
// counter is counter. Only fatal conditions (store failure, cancelled
// context) are returned as errors; the counter is never touched here.
func (f *Fetcher) Fetch(ctx context.Context, category string, page *pagination.Page, offset, counter int) (Outcome, error) {
	if page.Count <= counter {
		return Outcome{Status: StatusCaughtUp}, nil
	}

	item, ok := page.Item(offset)
	if !ok {
		return Outcome{
			Status: StatusUnresolvable,
			Err:    fmt.Errorf("no item at offset %d (page holds %d)", offset, len(page.List)),
		}, nil
	}
	link, err := ExtractLink(item)
	if err != nil {
		return Outcome{Status: StatusUnresolvable, Err: err}, nil
	}

	f.logger.Info().
		Str("category", category).
		Int("counter", counter).
		Str("link", link).
		Msg("Downloading replay file")

	body, err := f.getter.Get(ctx, client.KindArtifact, link)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		return Outcome{Status: StatusTransient, Link: link, Err: err}, nil
	}

	if err := f.store.SaveArtifact(ctx, category, counter, body); err != nil {
		return Outcome{}, fmt.Errorf("%s: store artifact %d: %w", category, counter, err)
	}
	harvesterArtifactBytes.WithLabelValues(category).Observe(float64(len(body)))

	return Outcome{Status: StatusDownloaded, Link: link, Bytes: len(body)}, nil
}

type itemRef struct {
	Link *string `json:"link"`
}

// ExtractLink returns the absolute http(s) download link of an item reference.
func ExtractLink(item json.RawMessage) (string, error) {
	var ref itemRef
	if err := json.Unmarshal(item, &ref); err != nil {
		return "", fmt.Errorf("item is not an object: %w", err)
	}
	if ref.Link == nil {
		return "", fmt.Errorf("item has no link")
	}
	link := strings.TrimSpace(*ref.Link)
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("item link %q: %w", link, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("item link %q is not an absolute http url", link)
	}
	return link, nil
}
