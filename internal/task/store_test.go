package task

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "tasks"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func sampleSnapshot(id string, status Status) Snapshot {
	return Snapshot{
		ID:         id,
		Kind:       KindAutoProcess,
		Status:     status,
		SourcePath: "/in/RJ01234567.rar",
		WorkCode:   "RJ01234567",
		Progress:   40,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	snap := sampleSnapshot("task-1", StatusProcessing)

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("task-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != snap.ID || got.Status != snap.Status || got.WorkCode != snap.WorkCode {
		t.Fatalf("loaded %+v, want %+v", got, snap)
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load("nope"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestFileStoreSaveRejectsEmptyID(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(Snapshot{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestFileStoreDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(sampleSnapshot("task-1", StatusCompleted)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete("task-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("task-1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestFileStoreListSkipsCorruptRows(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Save(sampleSnapshot(id, StatusCompleted)); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt row: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, "old.json"), []byte(`{"version":"v0","task":{"id":"old"}}`), 0o644); err != nil {
		t.Fatalf("write old-version row: %v", err)
	}

	snaps, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("len = %d, want 3 (corrupt and old rows skipped)", len(snaps))
	}
}

func TestFileStoreVersionMismatch(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.dir, "task-x.json")
	if err := os.WriteFile(path, []byte(`{"version":"v999","task":{"id":"task-x"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Load("task-x"); err == nil {
		t.Fatal("expected version error")
	}
}

func TestNoopStore(t *testing.T) {
	s := NewNoopStore()
	if err := s.Save(sampleSnapshot("x", StatusPending)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Load("x"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load err = %v, want os.ErrNotExist", err)
	}
	snaps, err := s.List()
	if err != nil || snaps != nil {
		t.Fatalf("List = %v, %v", snaps, err)
	}
}
