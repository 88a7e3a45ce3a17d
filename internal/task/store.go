package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hibiki.cc/otokura/internal/jsonstore"
)

// storeVersion guards the on-disk snapshot format.
const storeVersion = "v1"

// Store persists task snapshots across daemon restarts.
type Store interface {
	Save(snap Snapshot) error
	Load(id string) (Snapshot, error)
	Delete(id string) error
	List() ([]Snapshot, error)
}

// persistedTask wraps a snapshot with the format version.
type persistedTask struct {
	Version string   `json:"version"`
	Task    Snapshot `json:"task"`
}

// FileStore keeps one JSON file per task under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create task store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Save(snap Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("save task: empty id")
	}
	return jsonstore.Save(s.path(snap.ID), persistedTask{Version: storeVersion, Task: snap})
}

func (s *FileStore) Load(id string) (Snapshot, error) {
	var p persistedTask
	if err := jsonstore.Load(s.path(id), &p); err != nil {
		return Snapshot{}, err
	}
	if p.Version != storeVersion {
		return Snapshot{}, fmt.Errorf("task %s: unsupported store version %q", id, p.Version)
	}
	return p.Task, nil
}

func (s *FileStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// List loads every snapshot in the directory. Unreadable rows are skipped so
// one corrupt file cannot block a restart.
func (s *FileStore) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task store dir: %w", err)
	}
	var out []Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var p persistedTask
		if err := json.Unmarshal(raw, &p); err != nil || p.Version != storeVersion {
			continue
		}
		out = append(out, p.Task)
	}
	return out, nil
}

// noopStore is used when persistence is disabled in tests.
type noopStore struct{}

func (noopStore) Save(Snapshot) error           { return nil }
func (noopStore) Load(string) (Snapshot, error) { return Snapshot{}, os.ErrNotExist }
func (noopStore) Delete(string) error           { return nil }
func (noopStore) List() ([]Snapshot, error)     { return nil, nil }

// NewNoopStore returns a store that remembers nothing.
func NewNoopStore() Store { return noopStore{} }
