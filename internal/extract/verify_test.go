package extract

import (
	"os"
	"path/filepath"
	"testing"

	"hibiki.cc/otokura/internal/archive"
)

func TestVerifyAcceptsMatchingTree(t *testing.T) {
	e := testEngine(t, nil)
	out := t.TempDir()

	if err := os.MkdirAll(filepath.Join(out, "cd1"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "cd1", "track.wav"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries := []archive.Entry{
		{Name: "cd1", IsDir: true},
		{Name: "cd1/track.wav", Size: 5},
	}
	if err := e.verify(out, entries); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestVerifyFailsOnSizeMismatch(t *testing.T) {
	e := testEngine(t, nil)
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, "track.wav"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := e.verify(out, []archive.Entry{{Name: "track.wav", Size: 99}})
	if err == nil {
		t.Fatal("size mismatch must fail verification")
	}
}

func TestVerifyMissingEntriesWarnOnly(t *testing.T) {
	e := testEngine(t, nil)
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, "present.wav"), []byte("xx"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries := []archive.Entry{
		{Name: "present.wav", Size: 2},
		{Name: "ghost.wav", Size: 10},
	}
	if err := e.verify(out, entries); err != nil {
		t.Errorf("missing entries must not fail verification: %v", err)
	}
}

func TestVerifyWithoutListing(t *testing.T) {
	e := testEngine(t, nil)
	if err := e.verify(t.TempDir(), nil); err != nil {
		t.Errorf("verify without listing: %v", err)
	}
}

func TestPathCandidates(t *testing.T) {
	got := pathCandidates("音声/トラック01.wav")
	if len(got) == 0 || got[0] != "音声/トラック01.wav" {
		t.Fatalf("candidates = %v", got)
	}
	// ASCII names need no reinterpretation.
	if got := pathCandidates("cd1/track.wav"); len(got) != 1 {
		t.Errorf("ascii candidates = %v", got)
	}
}
