package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const backendBolt = "bolt"

// Nested bucket and key names inside each category bucket.
var (
	bucketPages     = []byte("pages")
	bucketArtifacts = []byte("artifacts")
	keyCounter      = []byte("num_processed")
)

// BoltStore keeps all categories in one bbolt file. Each category is a
// top-level bucket holding a pages bucket, an artifacts bucket and the
// counter key. Keys are big-endian so cursors iterate in index order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Initialized(ctx context.Context) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			found = true
			return nil
		})
	})
	return found, err
}

func (s *BoltStore) HasCategory(ctx context.Context, category string) (bool, error) {
	if err := ValidateCategory(category); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(category)); b != nil {
			found = b.Get(keyCounter) != nil
		}
		return nil
	})
	return found, err
}

func (s *BoltStore) CreateCategory(ctx context.Context, category string, firstPage []byte) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := categoryBucket(tx, category)
		if err != nil {
			return err
		}
		if err := b.Bucket(bucketPages).Put(itob(0), firstPage); err != nil {
			return err
		}
		return b.Put(keyCounter, []byte("0"))
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendBolt, "create").Inc()
		return fmt.Errorf("create category %s: %w", category, err)
	}
	StoreBytesWritten.WithLabelValues(backendBolt, "page").Add(float64(len(firstPage)))
	return nil
}

func (s *BoltStore) LoadPage(ctx context.Context, category string, index int) ([]byte, error) {
	if err := ValidateCategory(category); err != nil {
		return nil, err
	}
	data, err := s.get(category, bucketPages, itob(index))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("page %s/%d: %w", category, index, ErrNotFound)
	}
	return data, nil
}

func (s *BoltStore) SavePage(ctx context.Context, category string, index int, data []byte) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := categoryBucket(tx, category)
		if err != nil {
			return err
		}
		pages := b.Bucket(bucketPages)
		if existing := pages.Get(itob(index)); existing != nil {
			if bytes.Equal(existing, data) {
				return nil
			}
			return fmt.Errorf("page %s/%d: %w", category, index, ErrPageConflict)
		}
		return pages.Put(itob(index), data)
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendBolt, "save_page").Inc()
		return err
	}
	StoreBytesWritten.WithLabelValues(backendBolt, "page").Add(float64(len(data)))
	return nil
}

func (s *BoltStore) LoadCounter(ctx context.Context, category string) (int, error) {
	if err := ValidateCategory(category); err != nil {
		return 0, err
	}
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(category)); b != nil {
			if v := b.Get(keyCounter); v != nil {
				raw = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendBolt, "load_counter").Inc()
		return 0, err
	}
	if raw == nil {
		return 0, fmt.Errorf("counter %s: %w", category, ErrNotFound)
	}
	return parseCounter(category, string(raw))
}

func (s *BoltStore) SaveCounter(ctx context.Context, category string, value int) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	if value < 0 {
		return fmt.Errorf("counter %s: negative value %d", category, value)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := categoryBucket(tx, category)
		if err != nil {
			return err
		}
		return b.Put(keyCounter, []byte(strconv.Itoa(value)))
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendBolt, "save_counter").Inc()
	}
	return err
}

func (s *BoltStore) SaveArtifact(ctx context.Context, category string, counter int, payload []byte) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := categoryBucket(tx, category)
		if err != nil {
			return err
		}
		return b.Bucket(bucketArtifacts).Put(itob(counter), payload)
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendBolt, "save_artifact").Inc()
		return err
	}
	StoreBytesWritten.WithLabelValues(backendBolt, "artifact").Add(float64(len(payload)))
	return nil
}

func (s *BoltStore) LoadArtifact(ctx context.Context, category string, counter int) ([]byte, error) {
	if err := ValidateCategory(category); err != nil {
		return nil, err
	}
	data, err := s.get(category, bucketArtifacts, itob(counter))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("artifact %s/%d: %w", category, counter, ErrNotFound)
	}
	return data, nil
}

func (s *BoltStore) CountArtifacts(ctx context.Context, category string) (int, error) {
	if err := ValidateCategory(category); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(category))
		if b == nil {
			return nil
		}
		if a := b.Bucket(bucketArtifacts); a != nil {
			n = a.Stats().KeyN
		}
		return nil
	})
	return n, err
}

func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// get copies the value out of the transaction; bbolt values are only valid inside it.
func (s *BoltStore) get(category string, bucket, key []byte) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(category))
		if b == nil {
			return nil
		}
		nested := b.Bucket(bucket)
		if nested == nil {
			return nil
		}
		if v := nested.Get(key); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

func categoryBucket(tx *bolt.Tx, category string) (*bolt.Bucket, error) {
	b, err := tx.CreateBucketIfNotExists([]byte(category))
	if err != nil {
		return nil, err
	}
	for _, name := range [][]byte{bucketPages, bucketArtifacts} {
		if _, err := b.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func itob(v int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
