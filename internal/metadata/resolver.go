// Package metadata resolves work codes to catalog metadata, preferring
// community-translated Chinese titles and caching results locally.
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"hibiki.cc/otokura/internal/catalog"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/workcode"
)

// localeByLang maps catalog language codes to request locales.
var localeByLang = map[string]string{
	"CHI_HANS": "zh-CN",
	"CHI_HANT": "zh-TW",
	"ENG":      "en-US",
	"KOR":      "ko-KR",
	"SPA":      "es-ES",
	"DEU":      "de-DE",
	"FRA":      "fr-FR",
	"IND":      "id-ID",
	"ITA":      "it-IT",
	"POR":      "pt-PT",
	"SWE":      "sv-SE",
	"THA":      "th-TH",
	"VIE":      "vi-VN",
}

// ProductFetcher is the catalog surface the resolver needs.
type ProductFetcher interface {
	Product(ctx context.Context, workno, locale string) (*catalog.Product, error)
}

// Resolver turns filesystem paths into work metadata.
type Resolver struct {
	catalog ProductFetcher
	store   *Store
	cfg     config.MetadataConfig
}

func NewResolver(fetcher ProductFetcher, store *Store, cfg config.MetadataConfig) *Resolver {
	return &Resolver{catalog: fetcher, store: store, cfg: cfg}
}

// Resolve extracts the work code from path and resolves its metadata.
func (r *Resolver) Resolve(ctx context.Context, path string) (*Work, error) {
	code, ok := workcode.Extract(path)
	if !ok {
		return nil, fmt.Errorf("no work code in path %s", filepath.Base(path))
	}
	return r.ByCode(ctx, code)
}

// Refresh drops the cached entry for the work named by path before
// resolving, forcing a catalog round trip.
func (r *Resolver) Refresh(ctx context.Context, path string) (*Work, error) {
	code, ok := workcode.Extract(path)
	if !ok {
		return nil, fmt.Errorf("no work code in path %s", filepath.Base(path))
	}
	if r.store != nil {
		if err := r.store.Invalidate(code); err != nil {
			slog.Warn("metadata cache invalidate failed", "workno", code, "error", err)
		}
	}
	return r.ByCode(ctx, code)
}

// ByCode resolves metadata for one work code, consulting the local cache
// before the catalog.
func (r *Resolver) ByCode(ctx context.Context, code string) (*Work, error) {
	if r.cfg.CacheEnabled && r.store != nil {
		if w, ok := r.store.Get(code); ok {
			slog.Info("metadata served from cache", "workno", code)
			return w, nil
		}
	}

	w, err := r.fetch(ctx, code)
	if err != nil {
		return nil, err
	}

	if r.cfg.CacheEnabled && r.store != nil {
		if err := r.store.Put(w); err != nil {
			slog.Warn("metadata cache write failed", "workno", code, "error", err)
		}
	}
	return w, nil
}

func (r *Resolver) fetch(ctx context.Context, code string) (*Work, error) {
	p, err := r.catalog.Product(ctx, code, r.cfg.Locale)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata for %s: %w", code, err)
	}

	w := &Work{
		WorkCode:   p.Workno,
		WorkName:   p.WorkName,
		MakerID:    p.MakerID,
		MakerName:  p.MakerName,
		SeriesID:   p.SeriesID,
		SeriesName: p.SeriesName,
	}
	if w.WorkCode == "" {
		w.WorkCode = code
	}

	w.ReleaseDate = p.RegistDate
	if len(p.RegistDate) > 10 {
		w.ReleaseDate = p.RegistDate[:10]
	}

	switch p.AgeCategory {
	case 1:
		w.AgeCategory = AgeAll
	case 2:
		w.AgeCategory = AgeR15
	default:
		w.AgeCategory = AgeAdult
	}

	for _, g := range p.Genres {
		if g.Name != "" {
			w.Tags = append(w.Tags, g.Name)
		}
	}
	for _, cv := range p.Creaters.VoiceBy {
		if cv.Name != "" {
			w.CVs = append(w.CVs, cv.Name)
		}
	}
	if p.ImageMain.URL != "" {
		w.CoverURL = "https:" + p.ImageMain.URL
	}

	if title := r.translatedTitle(ctx, code, p.TranslationInfo); title != "" {
		slog.Info("using translated title", "workno", code, "title", title)
		w.WorkName = title
	}
	return w, nil
}

// translatedTitle picks a community-translated title when one exists.
// Simplified Chinese wins over Traditional, then the record's own
// language. Titles that still read as Japanese are rejected.
func (r *Resolver) translatedTitle(ctx context.Context, code string, info *catalog.TranslationInfo) string {
	if info == nil {
		return ""
	}

	switch {
	case info.TranslatedChild():
		lang := info.Lang
		if lang == "" {
			return ""
		}
		if lang != "CHI_HANS" {
			if title := r.fetchTitle(ctx, code, "zh-CN", true); title != "" {
				return title
			}
		}
		if lang != "CHI_HANT" {
			if title := r.fetchTitle(ctx, code, "zh-TW", true); title != "" {
				return title
			}
		}
		locale, ok := localeByLang[lang]
		if !ok {
			locale = lang
		}
		validate := lang == "CHI_HANS" || lang == "CHI_HANT"
		return r.fetchTitle(ctx, code, locale, validate)

	case info.IsTranslationAgree:
		if info.TranslationStatus["CHI_HANS"].Open() {
			if title := r.fetchTitle(ctx, code, "zh-CN", true); title != "" {
				return title
			}
		}
		if info.TranslationStatus["CHI_HANT"].Open() {
			return r.fetchTitle(ctx, code, "zh-TW", true)
		}
	}
	return ""
}

// fetchTitle re-queries the work under a specific locale and returns its
// title, or "" when the lookup fails or the kana check rejects it.
func (r *Resolver) fetchTitle(ctx context.Context, code, locale string, validate bool) string {
	p, err := r.catalog.Product(ctx, code, locale)
	if err != nil {
		slog.Warn("translated title lookup failed", "workno", code, "locale", locale, "error", err)
		return ""
	}
	if p.WorkName == "" {
		return ""
	}
	if validate && ContainsJapaneseKana(p.WorkName) {
		slog.Warn("translated title still reads as Japanese, skipping",
			"workno", code, "locale", locale, "title", p.WorkName)
		return ""
	}
	return p.WorkName
}
