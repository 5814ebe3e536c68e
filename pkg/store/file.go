package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// File names of the on-disk layout.
const (
	counterFile = "num_processed.txt"
	artifactDir = "parsed"
	jsonSuffix  = ".json"
	fileMode    = 0o644
	dirMode     = 0o755
	backendFile = "file"
)

// FileStore keeps one directory per category under Root:
//
//	<root>/<category>/<page>.json
//	<root>/<category>/num_processed.txt
//	<root>/<category>/parsed/<counter>.json
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at dir. The directory is created lazily.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Root returns the root directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Initialized(ctx context.Context) (bool, error) {
	info, err := os.Stat(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", s.root, err)
	}
	return info.IsDir(), nil
}

func (s *FileStore) HasCategory(ctx context.Context, category string) (bool, error) {
	if err := ValidateCategory(category); err != nil {
		return false, err
	}
	_, err := os.Stat(s.counterPath(category))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat counter: %w", err)
	}
	return true, nil
}

func (s *FileStore) CreateCategory(ctx context.Context, category string, firstPage []byte) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	if err := os.MkdirAll(s.categoryDir(category), dirMode); err != nil {
		StoreErrors.WithLabelValues(backendFile, "create").Inc()
		return fmt.Errorf("create category dir: %w", err)
	}
	if err := s.writeAtomic(s.pagePath(category, 0), firstPage); err != nil {
		StoreErrors.WithLabelValues(backendFile, "create").Inc()
		return fmt.Errorf("write first page: %w", err)
	}
	StoreBytesWritten.WithLabelValues(backendFile, "page").Add(float64(len(firstPage)))
	return s.SaveCounter(ctx, category, 0)
}

func (s *FileStore) LoadPage(ctx context.Context, category string, index int) ([]byte, error) {
	if err := ValidateCategory(category); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.pagePath(category, index))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("page %s/%d: %w", category, index, ErrNotFound)
	}
	if err != nil {
		StoreErrors.WithLabelValues(backendFile, "load_page").Inc()
		return nil, fmt.Errorf("read page %s/%d: %w", category, index, err)
	}
	return data, nil
}

func (s *FileStore) SavePage(ctx context.Context, category string, index int, data []byte) error {
	existing, err := s.LoadPage(ctx, category, index)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("page %s/%d: %w", category, index, ErrPageConflict)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	if err := os.MkdirAll(s.categoryDir(category), dirMode); err != nil {
		StoreErrors.WithLabelValues(backendFile, "save_page").Inc()
		return fmt.Errorf("create category dir: %w", err)
	}
	if err := s.writeAtomic(s.pagePath(category, index), data); err != nil {
		StoreErrors.WithLabelValues(backendFile, "save_page").Inc()
		return fmt.Errorf("write page %s/%d: %w", category, index, err)
	}
	StoreBytesWritten.WithLabelValues(backendFile, "page").Add(float64(len(data)))
	return nil
}

func (s *FileStore) LoadCounter(ctx context.Context, category string) (int, error) {
	if err := ValidateCategory(category); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(s.counterPath(category))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("counter %s: %w", category, ErrNotFound)
	}
	if err != nil {
		StoreErrors.WithLabelValues(backendFile, "load_counter").Inc()
		return 0, fmt.Errorf("read counter %s: %w", category, err)
	}
	return parseCounter(category, string(data))
}

func (s *FileStore) SaveCounter(ctx context.Context, category string, value int) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	if value < 0 {
		return fmt.Errorf("counter %s: negative value %d", category, value)
	}
	if err := s.writeAtomic(s.counterPath(category), []byte(strconv.Itoa(value))); err != nil {
		StoreErrors.WithLabelValues(backendFile, "save_counter").Inc()
		return fmt.Errorf("write counter %s: %w", category, err)
	}
	return nil
}

func (s *FileStore) SaveArtifact(ctx context.Context, category string, counter int, payload []byte) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	dir := filepath.Join(s.categoryDir(category), artifactDir)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		StoreErrors.WithLabelValues(backendFile, "save_artifact").Inc()
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := s.writeAtomic(s.artifactPath(category, counter), payload); err != nil {
		StoreErrors.WithLabelValues(backendFile, "save_artifact").Inc()
		return fmt.Errorf("write artifact %s/%d: %w", category, counter, err)
	}
	StoreBytesWritten.WithLabelValues(backendFile, "artifact").Add(float64(len(payload)))
	return nil
}

func (s *FileStore) LoadArtifact(ctx context.Context, category string, counter int) ([]byte, error) {
	if err := ValidateCategory(category); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.artifactPath(category, counter))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("artifact %s/%d: %w", category, counter, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s/%d: %w", category, counter, err)
	}
	return data, nil
}

func (s *FileStore) CountArtifacts(ctx context.Context, category string) (int, error) {
	if err := ValidateCategory(category); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(filepath.Join(s.categoryDir(category), artifactDir))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list artifacts %s: %w", category, err)
	}

	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, jsonSuffix) {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimSuffix(name, jsonSuffix)); err == nil {
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) categoryDir(category string) string {
	return filepath.Join(s.root, category)
}

func (s *FileStore) pagePath(category string, index int) string {
	return filepath.Join(s.categoryDir(category), strconv.Itoa(index)+jsonSuffix)
}

func (s *FileStore) counterPath(category string) string {
	return filepath.Join(s.categoryDir(category), counterFile)
}

func (s *FileStore) artifactPath(category string, counter int) string {
	return filepath.Join(s.categoryDir(category), artifactDir, strconv.Itoa(counter)+jsonSuffix)
}

// writeAtomic writes data to a temp file in the target directory, syncs it and
// renames it over path, so readers see either the old or the new content.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems cannot sync directories; the rename is still in place.
	_ = d.Sync()
	return nil
}

func parseCounter(category, raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w: %q", category, ErrCorrupt, raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("counter %s: %w: negative value %d", category, ErrCorrupt, v)
	}
	return v, nil
}
