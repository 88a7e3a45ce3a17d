package companion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"hibiki.cc/otokura/internal/catalog"
	"hibiki.cc/otokura/internal/config"
)

const searchBody = `{
	"works": [
		{"id": 123456, "title": "夜の声", "circle": {"name": "Circle A"},
			"tags": [{"name": "癒し"}, {"name": "ASMR"}]},
		{"id": 999999, "title": "別の作品", "circle": {"name": "Circle B"}}
	]
}`

func searchServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/api/search" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") == "Bearer badtoken" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("keyword") {
		case "RJ500000":
			w.WriteHeader(http.StatusInternalServerError)
		case "RJ123456":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(searchBody))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"works": []}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(serverURL string) config.CompanionConfig {
	return config.CompanionConfig{
		Enabled:   true,
		ServerURL: serverURL,
		Timeout:   "2s",
		CacheTTL:  "5m",
	}
}

func newTestClient(t *testing.T, cfg config.CompanionConfig) *Client {
	t.Helper()
	c, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClient_Check_Found(t *testing.T) {
	var hits atomic.Int64
	srv := searchServer(t, &hits)
	c := newTestClient(t, testConfig(srv.URL))

	r := c.Check(context.Background(), "RJ123456")

	assert.True(t, r.Found)
	assert.Equal(t, "RJ123456", r.WorkCode)
	assert.Equal(t, 123456, r.WorkID)
	assert.Equal(t, "夜の声", r.Title)
	assert.Equal(t, "Circle A", r.CircleName)
	assert.Equal(t, []string{"癒し", "ASMR"}, r.Tags)
	assert.Equal(t, 2, r.TotalCount)
	assert.Equal(t, SourceServer, r.Source)
}

func TestClient_Check_NotFound(t *testing.T) {
	var hits atomic.Int64
	srv := searchServer(t, &hits)
	c := newTestClient(t, testConfig(srv.URL))

	r := c.Check(context.Background(), "RJ777777")

	assert.False(t, r.Found)
	assert.Equal(t, SourceServer, r.Source)
	assert.Zero(t, r.TotalCount)
}

func TestClient_Check_Disabled(t *testing.T) {
	var hits atomic.Int64
	srv := searchServer(t, &hits)
	cfg := testConfig(srv.URL)
	cfg.Enabled = false
	c := newTestClient(t, cfg)

	r := c.Check(context.Background(), "RJ123456")

	assert.False(t, r.Found)
	assert.Equal(t, SourceDisabled, r.Source)
	assert.Zero(t, hits.Load(), "disabled client must not hit the server")
}

func TestClient_Check_CachesResults(t *testing.T) {
	var hits atomic.Int64
	srv := searchServer(t, &hits)
	c := newTestClient(t, testConfig(srv.URL))
	ctx := context.Background()

	first := c.Check(ctx, "RJ123456")
	second := c.Check(ctx, "RJ123456")

	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, first, second)

	c.ClearCache()
	c.Check(ctx, "RJ123456")
	assert.Equal(t, int64(2), hits.Load())
}

func TestClient_Check_NormalizesCode(t *testing.T) {
	var hits atomic.Int64
	srv := searchServer(t, &hits)
	c := newTestClient(t, testConfig(srv.URL))

	// A bare numeric code gets the RJ prefix before the lookup.
	r := c.Check(context.Background(), "123456")
	assert.Equal(t, "RJ123456", r.WorkCode)
	assert.True(t, r.Found)

	lower := c.Check(context.Background(), "rj123456")
	assert.Equal(t, "RJ123456", lower.WorkCode)
	assert.Equal(t, int64(1), hits.Load(), "normalized codes share one cache slot")
}

func TestClient_Check_AuthError(t *testing.T) {
	var hits atomic.Int64
	srv := searchServer(t, &hits)
	cfg := testConfig(srv.URL)
	cfg.APIToken = "badtoken"
	c := newTestClient(t, cfg)

	r := c.Check(context.Background(), "RJ123456")

	assert.False(t, r.Found)
	assert.Equal(t, SourceAuthError, r.Source)
}

func TestClient_Check_ServerError(t *testing.T) {
	var hits atomic.Int64
	srv := searchServer(t, &hits)
	c := newTestClient(t, testConfig(srv.URL))

	r := c.Check(context.Background(), "RJ500000")

	assert.False(t, r.Found)
	assert.Equal(t, "kikoeru_error_500", r.Source)
}

func TestClient_CheckBatch(t *testing.T) {
	var hits atomic.Int64
	srv := searchServer(t, &hits)
	c := newTestClient(t, testConfig(srv.URL))

	results := c.CheckBatch(context.Background(), []string{"RJ123456", "RJ777777", "RJ500000"})

	assert.Len(t, results, 3)
	assert.True(t, results["RJ123456"].Found)
	assert.False(t, results["RJ777777"].Found)
	assert.Equal(t, "kikoeru_error_500", results["RJ500000"].Source)
}

// stubLinkage serves a fixed translation graph.
type stubLinkage struct {
	graph map[string]catalog.LinkedWork
}

func (s *stubLinkage) FullLinkage(context.Context, string, []string) map[string]catalog.LinkedWork {
	return s.graph
}

func TestClient_CheckWithLinkages(t *testing.T) {
	var hits atomic.Int64
	srv := searchServer(t, &hits)
	cfg := testConfig(srv.URL)
	c, err := NewClient(cfg, &stubLinkage{graph: map[string]catalog.LinkedWork{
		"RJ123456": {Workno: "RJ123456", Relation: catalog.RelationOriginal},
		"RJ777777": {Workno: "RJ777777", Relation: catalog.RelationParent, Lang: "CHI_HANS"},
	}})
	assert.NoError(t, err)

	results := c.CheckWithLinkages(context.Background(), "RJ123456", nil)

	assert.Len(t, results, 2)
	assert.True(t, results["RJ123456"].Found)
	assert.False(t, results["RJ777777"].Found)
}

func TestClient_TestConnection(t *testing.T) {
	var hits atomic.Int64
	srv := searchServer(t, &hits)

	t.Run("connected", func(t *testing.T) {
		c := newTestClient(t, testConfig(srv.URL))
		st := c.TestConnection(context.Background())
		assert.True(t, st.Success)
		assert.Equal(t, http.StatusOK, st.StatusCode)
		assert.Contains(t, st.Message, "connected")
	})

	t.Run("auth failure", func(t *testing.T) {
		cfg := testConfig(srv.URL)
		cfg.APIToken = "badtoken"
		c := newTestClient(t, cfg)
		st := c.TestConnection(context.Background())
		assert.False(t, st.Success)
		assert.Equal(t, http.StatusUnauthorized, st.StatusCode)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig(srv.URL)
		cfg.Enabled = false
		c := newTestClient(t, cfg)
		st := c.TestConnection(context.Background())
		assert.False(t, st.Success)
		assert.Contains(t, st.Message, "disabled")
	})
}

func TestNewClient_BadDurations(t *testing.T) {
	_, err := NewClient(config.CompanionConfig{Timeout: "soon", CacheTTL: "5m"}, nil)
	assert.Error(t, err)

	_, err = NewClient(config.CompanionConfig{Timeout: "2s", CacheTTL: "whenever"}, nil)
	assert.Error(t, err)
}
