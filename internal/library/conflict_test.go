package library

import (
	"path/filepath"
	"testing"
)

func newConflictStore(t *testing.T) (*ConflictStore, string) {
	t.Helper()
	dir := t.TempDir()
	cs, err := OpenConflicts(filepath.Join(dir, "conflicts"))
	if err != nil {
		t.Fatal(err)
	}
	return cs, dir
}

func TestConflictCreateAndGet(t *testing.T) {
	cs, dir := newConflictStore(t)
	newPath := filepath.Join(dir, "RJ123456.zip")
	writeFile(t, newPath, "archive")

	rec, created, err := cs.Create(ConflictRecord{
		WorkCode:     "RJ123456",
		Kind:         ConflictDuplicate,
		ExistingPath: "/library/RJ123456",
		NewPath:      newPath,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected record to be created")
	}
	if rec.Status != ResolutionPending {
		t.Errorf("status = %q, want PENDING", rec.Status)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Error("id/created_at not filled")
	}

	got, err := cs.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkCode != "RJ123456" || got.Kind != ConflictDuplicate {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestConflictCreateIdempotentPerCode(t *testing.T) {
	cs, dir := newConflictStore(t)
	newPath := filepath.Join(dir, "RJ123456.zip")
	writeFile(t, newPath, "archive")

	first, _, err := cs.Create(ConflictRecord{WorkCode: "RJ123456", NewPath: newPath})
	if err != nil {
		t.Fatal(err)
	}
	second, created, err := cs.Create(ConflictRecord{WorkCode: "RJ123456", NewPath: newPath})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second create for the same code must be skipped")
	}
	if second.ID != first.ID {
		t.Errorf("expected the pending record back, got %s want %s", second.ID, first.ID)
	}
	if cs.CountPending() != 1 {
		t.Errorf("pending count = %d, want 1", cs.CountPending())
	}
}

func TestConflictCreateSkipsVanishedPath(t *testing.T) {
	cs, dir := newConflictStore(t)

	rec, created, err := cs.Create(ConflictRecord{
		WorkCode: "RJ123456",
		NewPath:  filepath.Join(dir, "gone.zip"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if created || rec != nil {
		t.Fatal("conflict for a vanished path must not be recorded")
	}
	if cs.CountPending() != 0 {
		t.Errorf("pending count = %d, want 0", cs.CountPending())
	}
}

func TestConflictResolveLifecycle(t *testing.T) {
	cs, dir := newConflictStore(t)
	newPath := filepath.Join(dir, "RJ123456.zip")
	writeFile(t, newPath, "archive")

	rec, _, err := cs.Create(ConflictRecord{WorkCode: "RJ123456", NewPath: newPath})
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := cs.SetStatus(rec.ID, ResolutionKeepNew)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != ResolutionKeepNew {
		t.Errorf("status = %q, want KEEP_NEW", resolved.Status)
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}

	// Once resolved, a new conflict for the same code may be created.
	again, created, err := cs.Create(ConflictRecord{WorkCode: "RJ123456", NewPath: newPath})
	if err != nil {
		t.Fatal(err)
	}
	if !created || again.ID == rec.ID {
		t.Error("resolved record must not block new conflicts")
	}

	pending, err := cs.List(ResolutionPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != again.ID {
		t.Errorf("pending list = %+v", pending)
	}
	all, err := cs.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("total records = %d, want 2", len(all))
	}
}

func TestValidResolution(t *testing.T) {
	for _, action := range []string{
		ResolutionKeepNew, ResolutionKeepOld, ResolutionMerge,
		ResolutionSkip, ResolutionKeepBoth, ResolutionMergeLang,
	} {
		if !ValidResolution(action) {
			t.Errorf("ValidResolution(%q) = false", action)
		}
	}
	if ValidResolution(ResolutionPending) || ValidResolution("DELETE") {
		t.Error("invalid actions accepted")
	}
}
