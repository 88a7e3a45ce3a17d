package dupe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hibiki.cc/otokura/internal/catalog"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/library"
)

// Catalog fixtures: RJ111111 is the Japanese original, RJ222222 its
// Simplified Chinese parent edition, RJ444444 the translated child.
var catalogFixtures = map[string]string{
	"RJ111111": `[{
		"workno": "RJ111111",
		"work_name": "夜の声",
		"translation_info": {"is_original": true, "lang": "JPN"},
		"language_editions": [{"workno": "RJ222222", "lang": "CHI_HANS"}]
	}]`,
	"RJ222222": `[{
		"workno": "RJ222222",
		"work_name": "夜之声",
		"translation_info": {"is_parent": true, "original_workno": "RJ111111", "lang": "CHI_HANS"},
		"child_worknos": ["RJ444444"]
	}]`,
	"RJ444444": `[{
		"workno": "RJ444444",
		"work_name": "夜之声 (译)",
		"translation_info": {"is_child": true, "original_workno": "RJ111111", "parent_workno": "RJ222222", "lang": "CHI_HANS"}
	}]`,
	"RJ555555": `[{"workno": "RJ555555", "work_name": "単発作品"}]`,
}

func catalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if body, ok := catalogFixtures[r.URL.Query().Get("workno")]; ok {
			w.Write([]byte(body))
			return
		}
		w.Write([]byte("[]"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	det  *Detector
	snap *library.Snapshot
	root string
}

func newFixture(t *testing.T, withCatalog bool) fixture {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{}
	cfg.Storage.LibraryDir = root
	cfg.Companion.CueLanguages = []string{"CHI_HANS", "CHI_HANT"}

	snap, err := library.OpenSnapshot(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)

	var cat *catalog.Client
	if withCatalog {
		cat, err = catalog.NewClient(config.MetadataConfig{
			BaseURL:        catalogServer(t).URL,
			ConnectTimeout: "2s",
			ReadTimeout:    "2s",
			SleepInterval:  "0s",
		})
		require.NoError(t, err)
	}

	return fixture{det: NewDetector(cfg, snap, cat, nil), snap: snap, root: root}
}

func addLibraryWork(t *testing.T, f fixture, code, name string) string {
	t.Helper()
	dir := filepath.Join(f.root, name)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "track.wav"), []byte("audio"), 0o644))
	require.NoError(t, f.snap.Put(library.SnapshotRow{WorkCode: code, FolderPath: dir}))
	return dir
}

// ---

func TestCheckDirect_SnapshotHit(t *testing.T) {
	f := newFixture(t, false)
	dir := addLibraryWork(t, f, "RJ123456", "RJ123456 test")

	res := f.det.CheckDirect("RJ123456")
	assert.True(t, res.Found)
	assert.Equal(t, library.ConflictDuplicate, res.Kind)
	assert.Equal(t, dir, res.ExistingPath)
	assert.Equal(t, "RJ123456", res.MatchedCode)
}

func TestCheckDirect_LibraryScanBackfillsSnapshot(t *testing.T) {
	f := newFixture(t, false)

	// On disk but absent from the snapshot.
	dir := filepath.Join(f.root, "maker", "RJ123456 old import")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.wav"), []byte("xx"), 0o644))

	res := f.det.CheckDirect("RJ123456")
	assert.True(t, res.Found)
	assert.Equal(t, dir, res.ExistingPath)

	row, ok := f.snap.Get("RJ123456")
	assert.True(t, ok, "scan hit should be written back to the snapshot")
	assert.Equal(t, dir, row.FolderPath)
	assert.Equal(t, 1, row.FileCount)
}

func TestCheckDirect_Miss(t *testing.T) {
	f := newFixture(t, false)
	res := f.det.CheckDirect("RJ000000")
	assert.False(t, res.Found)
}

// ---

func TestCheck_LinkedOriginalInLibrary(t *testing.T) {
	f := newFixture(t, true)
	dir := addLibraryWork(t, f, "RJ111111", "RJ111111 夜の声")

	res := f.det.Check(context.Background(), "RJ444444")
	assert.True(t, res.Found)
	assert.Equal(t, library.ConflictLinkedOriginal, res.Kind)
	assert.Equal(t, "RJ111111", res.MatchedCode)
	assert.Equal(t, dir, res.ExistingPath)
	assert.Equal(t, "CHI_HANS", res.IncomingLang)
	assert.Contains(t, res.RelatedCodes, "RJ111111")
	assert.Contains(t, res.LinkedWorks, "RJ222222")

	require.NotNil(t, res.Analysis)
	assert.Equal(t, true, res.Analysis["has_original"])
	assert.NotEmpty(t, res.Analysis["library_hits"])
}

func TestCheck_TranslationOfIncomingOriginal(t *testing.T) {
	f := newFixture(t, true)
	addLibraryWork(t, f, "RJ444444", "RJ444444 夜之声")

	res := f.det.Check(context.Background(), "RJ111111")
	assert.True(t, res.Found)
	assert.Equal(t, library.ConflictLinkedTranslation, res.Kind)
	assert.Equal(t, "RJ444444", res.MatchedCode)
	assert.Equal(t, "CHI_HANS", res.ExistingLang)
}

func TestCheck_NoLinkageNoHit(t *testing.T) {
	f := newFixture(t, true)
	res := f.det.Check(context.Background(), "RJ555555")
	assert.False(t, res.Found)
	assert.Empty(t, res.Kind)
	require.NotNil(t, res.Analysis)
}

func TestCheck_DirectHitShortCircuits(t *testing.T) {
	f := newFixture(t, true)
	addLibraryWork(t, f, "RJ444444", "RJ444444 夜之声")

	res := f.det.Check(context.Background(), "RJ444444")
	assert.True(t, res.Found)
	assert.Equal(t, library.ConflictDuplicate, res.Kind)
	assert.Equal(t, "RJ444444", res.MatchedCode)
}

// ---

func TestLinkedConflictKind(t *testing.T) {
	child := catalog.TranslationSummary{IsChild: true, Lang: "CHI_HANS"}
	original := catalog.TranslationSummary{IsOriginal: true, Lang: "JPN"}

	tests := []struct {
		name     string
		matched  catalog.LinkedWork
		incoming catalog.TranslationSummary
		want     string
	}{
		{"original in library", catalog.LinkedWork{Relation: catalog.RelationOriginal, Lang: "JPN"}, child, library.ConflictLinkedOriginal},
		{"parent in library", catalog.LinkedWork{Relation: catalog.RelationParent, Lang: "CHI_HANS"}, child, library.ConflictLinkedOriginal},
		{"translation of incoming original", catalog.LinkedWork{Relation: catalog.RelationChild, Lang: "CHI_HANS"}, original, library.ConflictLinkedTranslation},
		{"sibling same language", catalog.LinkedWork{Relation: catalog.RelationChild, Lang: "CHI_HANS"}, child, library.ConflictLinkedChild},
		{"sibling different language", catalog.LinkedWork{Relation: catalog.RelationChild, Lang: "CHI_HANT"}, child, library.ConflictLanguageVariant},
		{"unknown relation", catalog.LinkedWork{Relation: ""}, child, library.ConflictLinked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, linkedConflictKind(tt.matched, tt.incoming))
		})
	}
}
