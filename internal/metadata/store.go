package metadata

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hibiki.cc/otokura/internal/jsonstore"
)

// Store caches resolved works on disk, one JSON file per work code.
type Store struct {
	mu  sync.Mutex
	dir string
	ttl time.Duration
}

func NewStore(dir string, cacheDays int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create metadata cache dir: %w", err)
	}
	if cacheDays <= 0 {
		cacheDays = 30
	}
	return &Store{dir: dir, ttl: time.Duration(cacheDays) * 24 * time.Hour}, nil
}

// Get returns the cached work when present and not expired.
func (s *Store) Get(code string) (*Work, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var w Work
	if err := jsonstore.Load(s.path(code), &w); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("metadata cache read failed", "workno", code, "error", err)
		}
		return nil, false
	}
	if w.ExpiresAt == nil || time.Now().After(*w.ExpiresAt) {
		return nil, false
	}
	return &w, true
}

// Put stores w and stamps its cache window.
func (s *Store) Put(w *Work) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expires := now.Add(s.ttl)
	w.CachedAt = now
	w.ExpiresAt = &expires
	if err := jsonstore.Save(s.path(w.WorkCode), w); err != nil {
		return fmt.Errorf("cache metadata for %s: %w", w.WorkCode, err)
	}
	return nil
}

// Invalidate drops one cached work. Missing entries are not an error.
func (s *Store) Invalidate(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(code)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("invalidate metadata for %s: %w", code, err)
	}
	return nil
}

// Clear drops every cached work and reports how many were removed.
func (s *Store) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read metadata cache dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			slog.Warn("metadata cache remove failed", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Store) path(code string) string {
	return filepath.Join(s.dir, code+".json")
}
