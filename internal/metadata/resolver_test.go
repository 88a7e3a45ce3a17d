package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"hibiki.cc/otokura/internal/catalog"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/jsonstore"
)

type stubCatalog struct {
	products map[string]*catalog.Product // keyed workno|locale
	calls    []string
}

func (s *stubCatalog) Product(_ context.Context, workno, locale string) (*catalog.Product, error) {
	s.calls = append(s.calls, workno+"|"+locale)
	if p, ok := s.products[workno+"|"+locale]; ok {
		return p, nil
	}
	return nil, catalog.ErrWorkNotFound
}

func boolPtr(b bool) *bool { return &b }

func testResolver(t *testing.T, stub *stubCatalog, cacheEnabled bool) (*Resolver, *Store) {
	t.Helper()
	store, err := NewStore(t.TempDir(), 30)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cfg := config.MetadataConfig{Locale: "zh_cn", CacheEnabled: cacheEnabled, CacheDays: 30}
	return NewResolver(stub, store, cfg), store
}

func baseProduct() *catalog.Product {
	return &catalog.Product{
		Workno:      "RJ123456",
		WorkName:    "夜の声",
		MakerID:     "RG11111",
		MakerName:   "Circle A",
		RegistDate:  "2024-03-15 00:00:00",
		SeriesID:    "SRI001",
		SeriesName:  "夜シリーズ",
		AgeCategory: 3,
		Genres:      []catalog.Genre{{Name: "癒し"}, {Name: "ASMR"}},
		Creaters:    catalog.Creaters{VoiceBy: []catalog.Credit{{Name: "佐藤"}}},
		ImageMain:   catalog.ImageMain{URL: "//img.example.com/RJ123456.jpg"},
	}
}

func TestResolver_Resolve_MapsFields(t *testing.T) {
	stub := &stubCatalog{products: map[string]*catalog.Product{
		"RJ123456|zh_cn": baseProduct(),
	}}
	r, _ := testResolver(t, stub, false)

	w, err := r.Resolve(context.Background(), "/downloads/RJ123456.zip")
	assert.NoError(t, err)
	assert.Equal(t, "RJ123456", w.WorkCode)
	assert.Equal(t, "夜の声", w.WorkName)
	assert.Equal(t, "RG11111", w.MakerID)
	assert.Equal(t, "Circle A", w.MakerName)
	assert.Equal(t, "2024-03-15", w.ReleaseDate)
	assert.Equal(t, "夜シリーズ", w.SeriesName)
	assert.Equal(t, AgeAdult, w.AgeCategory)
	assert.Equal(t, []string{"癒し", "ASMR"}, w.Tags)
	assert.Equal(t, []string{"佐藤"}, w.CVs)
	assert.Equal(t, "https://img.example.com/RJ123456.jpg", w.CoverURL)
}

func TestResolver_Resolve_NoWorkCode(t *testing.T) {
	r, _ := testResolver(t, &stubCatalog{}, false)

	_, err := r.Resolve(context.Background(), "/downloads/soundtrack.zip")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no work code")
}

func TestResolver_ByCode_NotFound(t *testing.T) {
	r, _ := testResolver(t, &stubCatalog{}, false)

	_, err := r.ByCode(context.Background(), "RJ123456")
	assert.ErrorIs(t, err, catalog.ErrWorkNotFound)
}

func TestResolver_AgeCategoryMapping(t *testing.T) {
	for age, want := range map[int]string{1: AgeAll, 2: AgeR15, 3: AgeAdult, 0: AgeAdult} {
		p := baseProduct()
		p.AgeCategory = age
		stub := &stubCatalog{products: map[string]*catalog.Product{"RJ123456|zh_cn": p}}
		r, _ := testResolver(t, stub, false)

		w, err := r.ByCode(context.Background(), "RJ123456")
		assert.NoError(t, err)
		assert.Equal(t, want, w.AgeCategory, "age_category %d", age)
	}
}

func TestResolver_CacheRoundTrip(t *testing.T) {
	stub := &stubCatalog{products: map[string]*catalog.Product{
		"RJ123456|zh_cn": baseProduct(),
	}}
	r, store := testResolver(t, stub, true)
	ctx := context.Background()

	first, err := r.ByCode(ctx, "RJ123456")
	assert.NoError(t, err)
	assert.Len(t, stub.calls, 1)

	cached, ok := store.Get("RJ123456")
	assert.True(t, ok)
	assert.Equal(t, first.WorkName, cached.WorkName)

	second, err := r.ByCode(ctx, "RJ123456")
	assert.NoError(t, err)
	assert.Equal(t, first.WorkName, second.WorkName)
	assert.Len(t, stub.calls, 1, "cache hit must not call the catalog")
}

func TestResolver_Refresh_BypassesCache(t *testing.T) {
	stub := &stubCatalog{products: map[string]*catalog.Product{
		"RJ123456|zh_cn": baseProduct(),
	}}
	r, store := testResolver(t, stub, true)
	ctx := context.Background()

	_, err := r.ByCode(ctx, "RJ123456")
	assert.NoError(t, err)
	assert.Len(t, stub.calls, 1)

	stub.products["RJ123456|zh_cn"].WorkName = "夜の声 改訂版"
	w, err := r.Refresh(ctx, "/existing/RJ123456 夜の声")
	assert.NoError(t, err)
	assert.Equal(t, "夜の声 改訂版", w.WorkName)
	assert.Len(t, stub.calls, 2, "refresh must reach the catalog")

	cached, ok := store.Get("RJ123456")
	assert.True(t, ok)
	assert.Equal(t, "夜の声 改訂版", cached.WorkName)
}

func TestResolver_Refresh_NoWorkCode(t *testing.T) {
	r, _ := testResolver(t, &stubCatalog{}, true)

	_, err := r.Refresh(context.Background(), "/existing/assorted files")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no work code")
}

func TestResolver_TranslatedChild_PrefersSimplified(t *testing.T) {
	base := baseProduct()
	base.TranslationInfo = &catalog.TranslationInfo{
		IsOriginal: boolPtr(false),
		IsChild:    true,
		Lang:       "CHI_HANT",
	}
	simplified := baseProduct()
	simplified.WorkName = "夜之声"

	stub := &stubCatalog{products: map[string]*catalog.Product{
		"RJ123456|zh_cn": base,
		"RJ123456|zh-CN": simplified,
	}}
	r, _ := testResolver(t, stub, false)

	w, err := r.ByCode(context.Background(), "RJ123456")
	assert.NoError(t, err)
	assert.Equal(t, "夜之声", w.WorkName)
	assert.Equal(t, []string{"RJ123456|zh_cn", "RJ123456|zh-CN"}, stub.calls)
}

func TestResolver_TranslatedChild_KanaRejectedFallsThrough(t *testing.T) {
	base := baseProduct()
	base.TranslationInfo = &catalog.TranslationInfo{
		IsOriginal: boolPtr(false),
		IsChild:    true,
		Lang:       "CHI_HANT",
	}
	japanese := baseProduct()
	japanese.WorkName = "まだ日本語のタイトル" // kana-heavy, rejected
	traditional := baseProduct()
	traditional.WorkName = "夜之聲"

	stub := &stubCatalog{products: map[string]*catalog.Product{
		"RJ123456|zh_cn": base,
		"RJ123456|zh-CN": japanese,
		"RJ123456|zh-TW": traditional,
	}}
	r, _ := testResolver(t, stub, false)

	w, err := r.ByCode(context.Background(), "RJ123456")
	assert.NoError(t, err)
	assert.Equal(t, "夜之聲", w.WorkName)
}

func TestResolver_TranslationAgree(t *testing.T) {
	base := baseProduct()
	base.TranslationInfo = &catalog.TranslationInfo{
		IsOriginal:         boolPtr(true),
		IsTranslationAgree: true,
		TranslationStatus: map[string]catalog.TranslationStatus{
			"CHI_HANS": {IsAvailable: true, IsDenied: boolPtr(false)},
		},
	}
	simplified := baseProduct()
	simplified.WorkName = "夜之声"

	stub := &stubCatalog{products: map[string]*catalog.Product{
		"RJ123456|zh_cn": base,
		"RJ123456|zh-CN": simplified,
	}}
	r, _ := testResolver(t, stub, false)

	w, err := r.ByCode(context.Background(), "RJ123456")
	assert.NoError(t, err)
	assert.Equal(t, "夜之声", w.WorkName)
}

func TestResolver_TranslationAgree_DeniedStaysJapanese(t *testing.T) {
	base := baseProduct()
	base.TranslationInfo = &catalog.TranslationInfo{
		IsOriginal:         boolPtr(true),
		IsTranslationAgree: true,
		TranslationStatus: map[string]catalog.TranslationStatus{
			// is_denied missing counts as denied.
			"CHI_HANS": {IsAvailable: true},
		},
	}
	stub := &stubCatalog{products: map[string]*catalog.Product{
		"RJ123456|zh_cn": base,
	}}
	r, _ := testResolver(t, stub, false)

	w, err := r.ByCode(context.Background(), "RJ123456")
	assert.NoError(t, err)
	assert.Equal(t, "夜の声", w.WorkName)
	assert.Len(t, stub.calls, 1)
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

func TestStore_ExpiredEntryMisses(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 30)
	assert.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	stale := &Work{WorkCode: "RJ123456", WorkName: "old", ExpiresAt: &past}
	assert.NoError(t, jsonstore.Save(store.path("RJ123456"), stale))

	_, ok := store.Get("RJ123456")
	assert.False(t, ok)
}

func TestStore_InvalidateAndClear(t *testing.T) {
	store, err := NewStore(t.TempDir(), 30)
	assert.NoError(t, err)

	assert.NoError(t, store.Put(&Work{WorkCode: "RJ111111"}))
	assert.NoError(t, store.Put(&Work{WorkCode: "RJ222222"}))

	assert.NoError(t, store.Invalidate("RJ111111"))
	_, ok := store.Get("RJ111111")
	assert.False(t, ok)
	assert.NoError(t, store.Invalidate("RJ111111"), "second invalidate is a no-op")

	removed, err := store.Clear()
	assert.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, ok = store.Get("RJ222222")
	assert.False(t, ok)
}
