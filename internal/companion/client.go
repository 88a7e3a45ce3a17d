// Package companion queries a self-hosted kikoeru audio-library server to
// find works that already exist in a remote collection.
package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hibiki.cc/otokura/internal/catalog"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/workcode"
)

// Sources a CheckResult can carry. A plain server answer, found or not,
// is tagged kikoeru; everything else names the failure mode.
const (
	SourceServer    = "kikoeru"
	SourceDisabled  = "kikoeru_disabled"
	SourceAuthError = "kikoeru_auth_error"
	SourceTimeout   = "kikoeru_timeout"
	SourceException = "kikoeru_exception"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// batchConcurrency bounds parallel lookups against the companion server.
const batchConcurrency = 4

// CheckResult is one remote-lookup outcome.
type CheckResult struct {
	Found      bool      `json:"is_found"`
	WorkCode   string    `json:"rjcode"`
	WorkID     int       `json:"work_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	CircleName string    `json:"circle_name,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	TotalCount int       `json:"total_count"`
	Source     string    `json:"source"`
	CheckedAt  time.Time `json:"checked_at"`
}

// ConnectionStatus reports a connectivity probe.
type ConnectionStatus struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	LatencyMS  int64  `json:"latency_ms"`
	StatusCode int    `json:"status_code,omitempty"`
}

// LinkageExpander is the catalog surface used to walk translation chains.
type LinkageExpander interface {
	FullLinkage(ctx context.Context, workno string, cueLanguages []string) map[string]catalog.LinkedWork
}

type cacheEntry struct {
	result CheckResult
	at     time.Time
}

// Client talks to one kikoeru server. Safe for concurrent use.
type Client struct {
	cfg      config.CompanionConfig
	http     *http.Client
	timeout  time.Duration
	cacheTTL time.Duration
	linkage  LinkageExpander

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewClient(cfg config.CompanionConfig, linkage LinkageExpander) (*Client, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("parse companion.timeout: %w", err)
	}
	cacheTTL, err := time.ParseDuration(cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("parse companion.cache_ttl: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: timeout},
		timeout:  timeout,
		cacheTTL: cacheTTL,
		linkage:  linkage,
		cache:    make(map[string]cacheEntry),
	}, nil
}

// Enabled reports whether lookups will actually hit a server.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && c.cfg.ServerURL != ""
}

// Check looks code up on the companion server. Failures never surface as
// errors; they come back as a not-found result with a failure source.
func (c *Client) Check(ctx context.Context, code string) CheckResult {
	code = normalizeCode(code)

	if cached, ok := c.cachedResult(code); ok {
		slog.Debug("companion cache hit", "workno", code)
		return cached
	}
	if !c.Enabled() {
		return CheckResult{WorkCode: code, Source: SourceDisabled, CheckedAt: time.Now()}
	}

	result := c.query(ctx, code)
	c.storeResult(code, result)
	return result
}

func (c *Client) query(ctx context.Context, code string) CheckResult {
	result := CheckResult{WorkCode: code, Source: SourceServer, CheckedAt: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL(code), nil)
	if err != nil {
		result.Source = SourceException
		return result
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		result.Source = failureSource(err)
		slog.Warn("companion lookup failed", "workno", code, "source", result.Source, "error", err)
		return result
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		slog.Error("companion authentication failed", "workno", code)
		result.Source = SourceAuthError
		return result
	case resp.StatusCode != http.StatusOK:
		slog.Warn("companion returned error status", "workno", code, "status", resp.StatusCode)
		result.Source = fmt.Sprintf("kikoeru_error_%d", resp.StatusCode)
		return result
	}

	var search searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&search); err != nil {
		slog.Error("companion response malformed", "workno", code, "error", err)
		result.Source = SourceException
		return result
	}

	fillFromSearch(&result, code, search)
	if result.Found {
		slog.Info("companion already holds work", "workno", code, "title", result.Title)
	}
	return result
}

// fillFromSearch matches the search hits against code's numeric id.
func fillFromSearch(result *CheckResult, code string, search searchResponse) {
	result.TotalCount = len(search.Works)
	wantID, ok := workcode.NumericID(code)
	if !ok {
		return
	}
	for _, work := range search.Works {
		if work.ID != wantID {
			continue
		}
		result.Found = true
		result.WorkID = work.ID
		result.Title = work.Title
		result.CircleName = work.Circle.Name
		for _, tag := range work.Tags {
			if tag.Name != "" {
				result.Tags = append(result.Tags, tag.Name)
			}
		}
		return
	}
}

// CheckBatch looks up several codes in parallel.
func (c *Client) CheckBatch(ctx context.Context, codes []string) map[string]CheckResult {
	results := make(map[string]CheckResult, len(codes))
	if !c.Enabled() {
		now := time.Now()
		for _, code := range codes {
			code = normalizeCode(code)
			results[code] = CheckResult{WorkCode: code, Source: SourceDisabled, CheckedAt: now}
		}
		return results
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, code := range codes {
		g.Go(func() error {
			r := c.Check(ctx, code)
			mu.Lock()
			results[r.WorkCode] = r
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// CheckWithLinkages looks up code and every work linked to it through the
// translation graph.
func (c *Client) CheckWithLinkages(ctx context.Context, code string, cueLanguages []string) map[string]CheckResult {
	if len(cueLanguages) == 0 {
		cueLanguages = c.cfg.CueLanguages
	}
	if len(cueLanguages) == 0 {
		cueLanguages = []string{"CHI_HANS", "CHI_HANT", "ENG"}
	}

	code = normalizeCode(code)
	results := map[string]CheckResult{code: c.Check(ctx, code)}
	if !c.Enabled() || c.linkage == nil {
		return results
	}

	linked := c.linkage.FullLinkage(ctx, code, cueLanguages)
	related := make([]string, 0, len(linked))
	for workno := range linked {
		if workno != code {
			related = append(related, workno)
		}
	}
	if len(related) == 0 {
		return results
	}

	slog.Info("checking linked works on companion", "workno", code, "related", len(related))
	for workno, r := range c.CheckBatch(ctx, related) {
		results[workno] = r
	}
	return results
}

// TestConnection probes the server with a throwaway search.
func (c *Client) TestConnection(ctx context.Context) ConnectionStatus {
	if !c.cfg.Enabled {
		return ConnectionStatus{Message: "companion lookups are disabled"}
	}
	if c.cfg.ServerURL == "" {
		return ConnectionStatus{Message: "companion server url is not configured"}
	}

	start := time.Now()
	result := c.query(ctx, "RJ123456")
	latency := time.Since(start).Milliseconds()

	switch result.Source {
	case SourceServer:
		return ConnectionStatus{
			Success:    true,
			Message:    fmt.Sprintf("connected (%dms)", latency),
			LatencyMS:  latency,
			StatusCode: http.StatusOK,
		}
	case SourceAuthError:
		return ConnectionStatus{
			Message:    "authentication failed, check the api token",
			LatencyMS:  latency,
			StatusCode: http.StatusUnauthorized,
		}
	case SourceTimeout:
		return ConnectionStatus{
			Message:   fmt.Sprintf("connection timed out after %s", c.timeout),
			LatencyMS: latency,
		}
	default:
		return ConnectionStatus{
			Message:   fmt.Sprintf("connection failed (%s)", result.Source),
			LatencyMS: latency,
		}
	}
}

// ClearCache drops all cached lookups.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

func (c *Client) cachedResult(code string) (CheckResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[code]
	if !ok {
		return CheckResult{}, false
	}
	if time.Since(entry.at) > c.cacheTTL {
		delete(c.cache, code)
		return CheckResult{}, false
	}
	return entry.result, true
}

func (c *Client) storeResult(code string, result CheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[code] = cacheEntry{result: result, at: time.Now()}
}

func (c *Client) searchURL(code string) string {
	return c.cfg.ServerURL + "/api/search?page=1&sort=desc&order=release&nsfw=0&keyword=" + url.QueryEscape(code)
}

// normalizeCode uppercases and prefixes bare numeric codes with RJ.
func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !strings.HasPrefix(code, "RJ") && !strings.HasPrefix(code, "BJ") && !strings.HasPrefix(code, "VJ") {
		code = "RJ" + code
	}
	return code
}

func failureSource(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return SourceTimeout
	}
	return SourceException
}

type searchResponse struct {
	Works []searchWork `json:"works"`
}

type searchWork struct {
	ID     int          `json:"id"`
	Title  string       `json:"title"`
	Circle searchCircle `json:"circle"`
	Tags   []searchTag  `json:"tags"`
}

type searchCircle struct {
	Name string `json:"name"`
}

type searchTag struct {
	Name string `json:"name"`
}
