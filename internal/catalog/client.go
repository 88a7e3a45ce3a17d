// Package catalog talks to the DLsite product API. It serves two
// consumers: the metadata resolver, which wants full localized records,
// and the duplicate detector, which walks translation linkage graphs.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/metrics"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.0"

// linkCacheTTL bounds how long raw responses and expanded linkage graphs
// are reused.
const linkCacheTTL = 24 * time.Hour

// ErrWorkNotFound marks a work code the catalog does not know.
var ErrWorkNotFound = errors.New("work not found in catalog")

// Product is the subset of a catalog record this daemon consumes.
type Product struct {
	Workno           string           `json:"workno"`
	WorkName         string           `json:"work_name"`
	MakerID          string           `json:"maker_id"`
	MakerName        string           `json:"maker_name"`
	RegistDate       string           `json:"regist_date"`
	SeriesID         string           `json:"series_id"`
	SeriesName       string           `json:"series_name"`
	AgeCategory      int              `json:"age_category"`
	Genres           []Genre          `json:"genres"`
	Creaters         Creaters         `json:"creaters"`
	ImageMain        ImageMain        `json:"image_main"`
	TranslationInfo  *TranslationInfo `json:"translation_info"`
	LanguageEditions LanguageEditions `json:"language_editions"`
	ChildWorknos     []string         `json:"child_worknos"`
}

type Genre struct {
	Name string `json:"name"`
}

type Creaters struct {
	VoiceBy []Credit `json:"voice_by"`
}

type Credit struct {
	Name string `json:"name"`
}

type ImageMain struct {
	URL string `json:"url"`
}

// TranslationInfo is the catalog's raw translation block for one work.
// is_original is a tri-state: some records omit it entirely.
type TranslationInfo struct {
	IsOriginal         *bool                        `json:"is_original"`
	IsParent           bool                         `json:"is_parent"`
	IsChild            bool                         `json:"is_child"`
	IsTranslationAgree bool                         `json:"is_translation_agree"`
	ParentWorkno       string                       `json:"parent_workno"`
	OriginalWorkno     string                       `json:"original_workno"`
	Lang               string                       `json:"lang"`
	TranslationStatus  map[string]TranslationStatus `json:"translation_status_for_translator"`
}

// OriginalWork reports an explicit is_original=true flag.
func (t TranslationInfo) OriginalWork() bool {
	return t.IsOriginal != nil && *t.IsOriginal
}

// TranslatedChild reports an explicit is_original=false flag. An absent
// flag counts as original, not as a child.
func (t TranslationInfo) TranslatedChild() bool {
	return t.IsOriginal != nil && !*t.IsOriginal
}

type TranslationStatus struct {
	IsAvailable bool  `json:"is_available"`
	IsDenied    *bool `json:"is_denied"`
}

// Open reports whether translators may currently submit this language.
// A missing is_denied field is treated as denied.
func (s TranslationStatus) Open() bool {
	return s.IsAvailable && s.IsDenied != nil && !*s.IsDenied
}

type LanguageEdition struct {
	Workno string `json:"workno"`
	Lang   string `json:"lang"`
}

// LanguageEditions tolerates the API's two encodings of language_editions,
// a plain array or an object keyed by language.
type LanguageEditions []LanguageEdition

func (l *LanguageEditions) UnmarshalJSON(data []byte) error {
	var list []LanguageEdition
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var byLang map[string]LanguageEdition
	if err := json.Unmarshal(data, &byLang); err != nil {
		return err
	}
	*l = (*l)[:0]
	for _, key := range slices.Sorted(maps.Keys(byLang)) {
		*l = append(*l, byLang[key])
	}
	return nil
}

type productCacheEntry struct {
	products []Product
	fetched  time.Time
}

type linkageCacheEntry struct {
	works   map[string]LinkedWork
	fetched time.Time
}

// Client is a caching catalog API client. Safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	sleep   time.Duration

	mu       sync.Mutex
	products map[string]productCacheEntry
	linkages map[string]linkageCacheEntry
}

func NewClient(cfg config.MetadataConfig) (*Client, error) {
	connectTimeout, err := time.ParseDuration(cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse metadata.connect_timeout: %w", err)
	}
	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse metadata.read_timeout: %w", err)
	}
	sleep, err := time.ParseDuration(cfg.SleepInterval)
	if err != nil {
		return nil, fmt.Errorf("parse metadata.sleep_interval: %w", err)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: readTimeout,
	}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			return nil, fmt.Errorf("parse metadata.http_proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		http:     &http.Client{Transport: transport, Timeout: connectTimeout + readTimeout},
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		sleep:    sleep,
		products: make(map[string]productCacheEntry),
		linkages: make(map[string]linkageCacheEntry),
	}, nil
}

// Product fetches the record for workno under the given locale. The
// configured polite delay runs before every request on this path.
func (c *Client) Product(ctx context.Context, workno, locale string) (*Product, error) {
	if err := c.politeWait(ctx); err != nil {
		return nil, err
	}
	products, err := c.doGet(ctx, c.productURL(workno, locale))
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("%s: %w", workno, ErrWorkNotFound)
	}
	return &products[0], nil
}

// productCached returns the default-locale record for workno, reusing
// responses for a day. Lookup failures degrade to a miss.
func (c *Client) productCached(ctx context.Context, workno string) (*Product, bool) {
	c.mu.Lock()
	entry, hit := c.products[workno]
	c.mu.Unlock()
	if hit && time.Since(entry.fetched) < linkCacheTTL {
		if len(entry.products) == 0 {
			return nil, false
		}
		return &entry.products[0], true
	}

	products, err := c.doGet(ctx, c.productURL(workno, ""))
	if err != nil {
		slog.Warn("catalog lookup failed", "workno", workno, "error", err)
		return nil, false
	}

	c.mu.Lock()
	c.products[workno] = productCacheEntry{products: products, fetched: time.Now()}
	c.mu.Unlock()

	if len(products) == 0 {
		return nil, false
	}
	return &products[0], true
}

func (c *Client) doGet(ctx context.Context, rawURL string) ([]Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.CatalogRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.CatalogRequestsTotal.WithLabelValues("not_found").Inc()
		return nil, ErrWorkNotFound
	case resp.StatusCode != http.StatusOK:
		metrics.CatalogRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var products []Product
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		metrics.CatalogRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode catalog response: %w", err)
	}
	metrics.CatalogRequestsTotal.WithLabelValues("ok").Inc()
	return products, nil
}

func (c *Client) productURL(workno, locale string) string {
	u := c.baseURL + "/product.json?workno=" + url.QueryEscape(workno)
	if locale != "" {
		u += "&locale=" + url.QueryEscape(locale)
	}
	return u
}

func (c *Client) politeWait(ctx context.Context) error {
	if c.sleep <= 0 {
		return nil
	}
	t := time.NewTimer(c.sleep)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
