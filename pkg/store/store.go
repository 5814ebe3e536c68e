// Package store persists the harvester's durable state: per category, the raw
// pagination responses keyed by page index, the progress counter, and the
// downloaded artifacts keyed by the counter value at download time.
//
// Pages are immutable once stored. Writing the same index again is a no-op
// when the content matches and ErrPageConflict otherwise. Every write returns
// only after the data is durable for the backend, so callers may advance
// in-memory progress as soon as a write succeeds.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the requested page, counter or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPageConflict indicates an attempt to overwrite a stored page with different content.
	ErrPageConflict = errors.New("page already stored with different content")

	// ErrCorrupt indicates persisted state that cannot be parsed.
	ErrCorrupt = errors.New("corrupted state")

	// ErrInvalidCategory indicates a category name that cannot be used as a namespace.
	ErrInvalidCategory = errors.New("invalid category")
)

// Store is the durable state of the harvester.
type Store interface {
	// Initialized reports whether any persisted layout exists.
	Initialized(ctx context.Context) (bool, error)

	// HasCategory reports whether the category has been bootstrapped.
	HasCategory(ctx context.Context, category string) (bool, error)

	// CreateCategory stores page 0 and a zero counter for the category. The
	// counter is written last so a crash leaves the category uninitialized.
	CreateCategory(ctx context.Context, category string, firstPage []byte) error

	// LoadPage returns the raw page, or ErrNotFound.
	LoadPage(ctx context.Context, category string, index int) ([]byte, error)

	// SavePage stores the raw page under index.
	SavePage(ctx context.Context, category string, index int, data []byte) error

	// LoadCounter returns the progress counter, ErrNotFound or ErrCorrupt.
	LoadCounter(ctx context.Context, category string) (int, error)

	// SaveCounter replaces the progress counter.
	SaveCounter(ctx context.Context, category string, value int) error

	// SaveArtifact stores the payload under the counter value. Rewriting the
	// same counter replaces the payload atomically.
	SaveArtifact(ctx context.Context, category string, counter int, payload []byte) error

	// LoadArtifact returns the payload stored under counter, or ErrNotFound.
	LoadArtifact(ctx context.Context, category string, counter int) ([]byte, error)

	// CountArtifacts returns the number of artifacts stored for the category.
	CountArtifacts(ctx context.Context, category string) (int, error)

	// Close releases the backend.
	Close() error
}

// ValidateCategory rejects names that would escape or collide in a namespace.
func ValidateCategory(category string) error {
	switch {
	case category == "", category == ".", category == "..":
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	case strings.ContainsAny(category, `/\:`):
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidCategory, category)
	}
	return nil
}
