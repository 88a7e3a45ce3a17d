// Package library tracks works already placed in the library: the
// snapshot index, the classifier that files new works, conflict records
// awaiting operator resolution, and the existing-folder scan cache.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hibiki.cc/otokura/internal/jsonstore"
	"hibiki.cc/otokura/internal/metrics"
)

// SnapshotRow records one work the library currently holds.
type SnapshotRow struct {
	WorkCode   string    `json:"work_code"`
	FolderPath string    `json:"folder_path"`
	FolderSize int64     `json:"folder_size"`
	FileCount  int       `json:"file_count"`
	ScannedAt  time.Time `json:"scanned_at"`
}

// Snapshot is the work-code → library-folder index, backed by a single
// JSON file. At most one row per code; lookups purge rows whose folder
// no longer exists on disk. Safe for concurrent use.
type Snapshot struct {
	mu   sync.RWMutex
	path string
	rows map[string]SnapshotRow
}

// OpenSnapshot loads the snapshot file, starting empty when absent.
func OpenSnapshot(path string) (*Snapshot, error) {
	s := &Snapshot{path: path, rows: make(map[string]SnapshotRow)}
	err := jsonstore.Load(path, &s.rows)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("library: open snapshot %q: %w", path, err)
	}
	metrics.LibraryWorks.Set(float64(len(s.rows)))
	return s, nil
}

// Get returns the row for code. A row whose folder vanished from disk is
// purged and reported as a miss.
func (s *Snapshot) Get(code string) (SnapshotRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[code]
	if !ok {
		return SnapshotRow{}, false
	}
	if _, err := os.Stat(row.FolderPath); err != nil {
		delete(s.rows, code)
		metrics.LibraryWorks.Set(float64(len(s.rows)))
		if err := s.save(); err != nil {
			slog.Warn("failed to persist snapshot purge", "work_code", code, "error", err)
		}
		slog.Info("purged stale snapshot row", "work_code", code, "folder", row.FolderPath)
		return SnapshotRow{}, false
	}
	return row, true
}

// Put replaces any existing row for the work code.
func (s *Snapshot) Put(row SnapshotRow) error {
	if row.WorkCode == "" {
		return fmt.Errorf("library: snapshot row needs a work code")
	}
	if row.ScannedAt.IsZero() {
		row.ScannedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, row.WorkCode)
	s.rows[row.WorkCode] = row
	metrics.LibraryWorks.Set(float64(len(s.rows)))
	return s.save()
}

// Delete removes the row for code. Unknown codes are not an error.
func (s *Snapshot) Delete(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[code]; !ok {
		return nil
	}
	delete(s.rows, code)
	metrics.LibraryWorks.Set(float64(len(s.rows)))
	return s.save()
}

// All returns every row ordered by work code.
func (s *Snapshot) All() []SnapshotRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SnapshotRow, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkCode < out[j].WorkCode })
	return out
}

// Count returns the number of indexed works.
func (s *Snapshot) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Totals returns the indexed work count and their summed folder sizes.
func (s *Snapshot) Totals() (works int, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.rows {
		bytes += row.FolderSize
	}
	return len(s.rows), bytes
}

func (s *Snapshot) save() error {
	return jsonstore.Save(s.path, s.rows)
}

// FindWorkDir scans the library tree for a directory whose name contains
// the work code, skipping `_` and `.` prefixed entries. Used as the slow
// path when the snapshot has no row for a code.
func FindWorkDir(root, code string) (string, bool) {
	if code == "" {
		return "", false
	}
	code = strings.ToUpper(code)

	var hit string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			return fs.SkipDir
		}
		if strings.Contains(strings.ToUpper(name), code) {
			hit = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil || hit == "" {
		return "", false
	}
	return hit, true
}

// DirStats walks path and returns its total file size and file count.
func DirStats(path string) (size int64, files int) {
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
			files++
		}
		return nil
	})
	return size, files
}
