package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"hibiki.cc/otokura/internal/config"
)

var fixtureRecords = map[string]string{
	// Original with two language editions.
	"RJ111111": `[{
		"workno": "RJ111111",
		"work_name": "夜の声",
		"maker_id": "RG11111",
		"maker_name": "Circle A",
		"regist_date": "2024-03-15 00:00:00",
		"series_id": "SRI001",
		"series_name": "夜シリーズ",
		"age_category": 3,
		"genres": [{"name": "癒し"}, {"name": "ASMR"}],
		"creaters": {"voice_by": [{"name": "佐藤"}, {"name": "鈴木"}]},
		"image_main": {"url": "//img.example.com/RJ111111.jpg"},
		"translation_info": {"is_original": true, "lang": "JPN"},
		"language_editions": [
			{"workno": "RJ222222", "lang": "CHI_HANS"},
			{"workno": "RJ333333", "lang": "CHI_HANT"}
		]
	}]`,
	// Simplified Chinese parent edition with one child.
	"RJ222222": `[{
		"workno": "RJ222222",
		"work_name": "夜之声",
		"translation_info": {
			"is_parent": true,
			"original_workno": "RJ111111",
			"lang": "CHI_HANS"
		},
		"child_worknos": ["RJ444444"]
	}]`,
	// Traditional Chinese parent edition.
	"RJ333333": `[{
		"workno": "RJ333333",
		"work_name": "夜之聲",
		"translation_info": {
			"is_parent": true,
			"original_workno": "RJ111111",
			"lang": "CHI_HANT"
		}
	}]`,
	// Translated child work.
	"RJ444444": `[{
		"workno": "RJ444444",
		"work_name": "夜之声 (译)",
		"translation_info": {
			"is_child": true,
			"original_workno": "RJ111111",
			"parent_workno": "RJ222222",
			"lang": "CHI_HANS"
		}
	}]`,
	// Plain record without any translation block.
	"RJ555555": `[{"workno": "RJ555555", "work_name": "単発作品"}]`,
	// Parent missing its original pointer; editions appear only here.
	"RJ666666": `[{
		"workno": "RJ666666",
		"work_name": "孤立した親",
		"translation_info": {"is_parent": true, "lang": "CHI_HANS"},
		"child_worknos": ["RJ777777"],
		"language_editions": [{"workno": "RJ888888", "lang": "CHI_HANT"}]
	}]`,
	"RJ888888": `[{
		"workno": "RJ888888",
		"work_name": "繁体版",
		"translation_info": {"is_child": true, "parent_workno": "RJ666666", "lang": "CHI_HANT"}
	}]`,
}

func fixtureServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/product.json" {
			http.NotFound(w, r)
			return
		}
		workno := r.URL.Query().Get("workno")
		if workno == "RJ999999" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if body, ok := fixtureRecords[workno]; ok {
			w.Write([]byte(body))
			return
		}
		w.Write([]byte("[]"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(config.MetadataConfig{
		BaseURL:        baseURL,
		ConnectTimeout: "2s",
		ReadTimeout:    "2s",
		SleepInterval:  "0s",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClient_Product(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)

	p, err := c.Product(context.Background(), "RJ111111", "zh_cn")
	assert.NoError(t, err)
	assert.Equal(t, "RJ111111", p.Workno)
	assert.Equal(t, "夜の声", p.WorkName)
	assert.Equal(t, "RG11111", p.MakerID)
	assert.Equal(t, "Circle A", p.MakerName)
	assert.Equal(t, "2024-03-15 00:00:00", p.RegistDate)
	assert.Equal(t, 3, p.AgeCategory)
	assert.Len(t, p.Genres, 2)
	assert.Equal(t, "ASMR", p.Genres[1].Name)
	assert.Len(t, p.Creaters.VoiceBy, 2)
	assert.Equal(t, "//img.example.com/RJ111111.jpg", p.ImageMain.URL)
	assert.Len(t, p.LanguageEditions, 2)
}

func TestClient_Product_NotFound(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)

	_, err := c.Product(context.Background(), "RJ000000", "zh_cn")
	assert.True(t, errors.Is(err, ErrWorkNotFound))
}

func TestClient_Product_ServerError(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)

	_, err := c.Product(context.Background(), "RJ999999", "zh_cn")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrWorkNotFound)
}

func TestClient_TranslationInfoFor(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)
	ctx := context.Background()

	parent := c.TranslationInfoFor(ctx, "RJ222222")
	assert.True(t, parent.IsParent)
	assert.Equal(t, "RJ111111", parent.OriginalWorkno)
	assert.Equal(t, "CHI_HANS", parent.Lang)

	// A record without a translation block is not treated as original.
	plain := c.TranslationInfoFor(ctx, "RJ555555")
	assert.False(t, plain.IsOriginal)
	assert.False(t, plain.IsParent)
	assert.False(t, plain.IsChild)
	assert.Equal(t, "JPN", plain.Lang)

	// An unreachable record degrades to a plain original.
	broken := c.TranslationInfoFor(ctx, "RJ999999")
	assert.True(t, broken.IsOriginal)
	assert.Equal(t, "JPN", broken.Lang)
}

func TestClient_TranslationInfoFor_CachesResponses(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)
	ctx := context.Background()

	c.TranslationInfoFor(ctx, "RJ222222")
	c.TranslationInfoFor(ctx, "RJ222222")
	assert.Equal(t, int64(1), hits.Load())
}

func TestClient_LinkedWorks_Original(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)

	works := c.LinkedWorks(context.Background(), "RJ111111")
	assert.Len(t, works, 3)
	assert.Equal(t, RelationOriginal, works["RJ111111"].Relation)
	assert.Equal(t, RelationParent, works["RJ222222"].Relation)
	assert.Equal(t, "CHI_HANS", works["RJ222222"].Lang)
	assert.Equal(t, RelationParent, works["RJ333333"].Relation)
	assert.Equal(t, "CHI_HANT", works["RJ333333"].Lang)
}

func TestClient_LinkedWorks_Child(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)

	works := c.LinkedWorks(context.Background(), "RJ444444")
	assert.Len(t, works, 3)
	assert.Equal(t, RelationOriginal, works["RJ111111"].Relation)
	assert.Equal(t, RelationParent, works["RJ222222"].Relation)
	assert.Equal(t, RelationChild, works["RJ444444"].Relation)
}

func TestClient_LinkedWorks_NoTranslation(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)

	works := c.LinkedWorks(context.Background(), "RJ555555")
	assert.Empty(t, works)
}

func TestClient_FullLinkage_FromChild(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)

	works := c.FullLinkage(context.Background(), "RJ444444", []string{"CHI_HANS", "CHI_HANT"})

	// The graph is anchored at the original and spans its editions.
	assert.Contains(t, works, "RJ111111")
	assert.Contains(t, works, "RJ222222")
	assert.Contains(t, works, "RJ333333")
	assert.Equal(t, RelationOriginal, works["RJ111111"].Relation)
}

func TestClient_FullLinkage_RecursesUnseenEditions(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)

	works := c.FullLinkage(context.Background(), "RJ666666", []string{"CHI_HANS", "CHI_HANT"})

	assert.Equal(t, RelationParent, works["RJ666666"].Relation)
	assert.Equal(t, RelationChild, works["RJ777777"].Relation)
	// RJ888888 is only reachable through the recursive edition walk.
	assert.Equal(t, RelationChild, works["RJ888888"].Relation)
}

func TestClient_FullLinkage_Cached(t *testing.T) {
	var hits atomic.Int64
	c := testClient(t, fixtureServer(t, &hits).URL)
	ctx := context.Background()

	first := c.FullLinkage(ctx, "RJ444444", []string{"CHI_HANS"})
	after := hits.Load()

	second := c.FullLinkage(ctx, "RJ444444", []string{"CHI_HANS"})
	assert.Equal(t, after, hits.Load(), "second expansion should not hit the API")
	assert.Equal(t, first, second)

	// The cached map is a copy, mutating it must not poison the cache.
	delete(second, "RJ111111")
	third := c.FullLinkage(ctx, "RJ444444", []string{"CHI_HANS"})
	assert.Contains(t, third, "RJ111111")
}

func TestLanguageEditions_ObjectForm(t *testing.T) {
	raw := `{"CHI_HANS": {"workno": "RJ222222", "lang": "CHI_HANS"},
	         "CHI_HANT": {"workno": "RJ333333", "lang": "CHI_HANT"}}`

	var editions LanguageEditions
	err := json.Unmarshal([]byte(raw), &editions)
	assert.NoError(t, err)
	assert.Len(t, editions, 2)
	assert.Equal(t, "RJ222222", editions[0].Workno)
	assert.Equal(t, "RJ333333", editions[1].Workno)
}
