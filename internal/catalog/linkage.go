package catalog

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"
)

// Relation kinds for works tied together by translation editions.
const (
	RelationOriginal = "original"
	RelationParent   = "parent"
	RelationChild    = "child"
)

// LinkedWork is one node of a translation linkage graph.
type LinkedWork struct {
	Workno   string `json:"workno"`
	Relation string `json:"work_type"`
	Lang     string `json:"lang"`
	Title    string `json:"title,omitempty"`
}

// TranslationSummary is the normalized translation block used for linkage
// expansion and duplicate classification.
type TranslationSummary struct {
	IsOriginal     bool
	IsParent       bool
	IsChild        bool
	ParentWorkno   string
	OriginalWorkno string
	Lang           string
}

// TranslationInfoFor fetches workno's translation block. An unreachable
// work is reported as a plain original so callers can degrade gracefully.
func (c *Client) TranslationInfoFor(ctx context.Context, workno string) TranslationSummary {
	p, ok := c.productCached(ctx, workno)
	if !ok {
		return TranslationSummary{IsOriginal: true, Lang: "JPN"}
	}
	info := p.TranslationInfo
	if info == nil {
		return TranslationSummary{Lang: "JPN"}
	}
	return TranslationSummary{
		IsOriginal:     info.OriginalWork(),
		IsParent:       info.IsParent,
		IsChild:        info.IsChild,
		ParentWorkno:   info.ParentWorkno,
		OriginalWorkno: info.OriginalWorkno,
		Lang:           langOrJPN(info.Lang),
	}
}

// LinkedWorks returns the works directly linked to workno, keyed by work
// number. Works without any translation relationship yield an empty map;
// an unreachable catalog yields just the queried work.
func (c *Client) LinkedWorks(ctx context.Context, workno string) map[string]LinkedWork {
	info := c.TranslationInfoFor(ctx, workno)

	p, ok := c.productCached(ctx, workno)
	if !ok {
		return map[string]LinkedWork{
			workno: {Workno: workno, Relation: RelationOriginal, Lang: "JPN"},
		}
	}

	result := make(map[string]LinkedWork)
	switch {
	case info.IsOriginal:
		result[workno] = LinkedWork{Workno: workno, Relation: RelationOriginal, Lang: "JPN"}
		for _, ed := range p.LanguageEditions {
			if ed.Workno == "" {
				continue
			}
			result[ed.Workno] = LinkedWork{Workno: ed.Workno, Relation: RelationParent, Lang: langOrJPN(ed.Lang)}
		}

	case info.IsParent:
		origin := info.OriginalWorkno
		if origin == "" {
			origin = workno
		}
		result[origin] = LinkedWork{Workno: origin, Relation: RelationOriginal, Lang: "JPN"}
		result[workno] = LinkedWork{Workno: workno, Relation: RelationParent, Lang: info.Lang}
		for _, child := range p.ChildWorknos {
			result[child] = LinkedWork{Workno: child, Relation: RelationChild, Lang: info.Lang}
		}

	case info.IsChild:
		origin := info.OriginalWorkno
		if origin == "" {
			origin = workno
		}
		result[origin] = LinkedWork{Workno: origin, Relation: RelationOriginal, Lang: "JPN"}
		if info.ParentWorkno != "" {
			result[info.ParentWorkno] = LinkedWork{Workno: info.ParentWorkno, Relation: RelationParent, Lang: info.Lang}
		}
		result[workno] = LinkedWork{Workno: workno, Relation: RelationChild, Lang: info.Lang}
	}
	return result
}

// FullLinkage expands workno's translation graph across the requested
// language editions, recursing one hop into each matching edition.
// Expanded graphs are cached for a day.
func (c *Client) FullLinkage(ctx context.Context, workno string, cueLanguages []string) map[string]LinkedWork {
	if len(cueLanguages) == 0 {
		cueLanguages = []string{"CHI_HANS", "CHI_HANT"}
	}

	info := c.TranslationInfoFor(ctx, workno)
	origin := workno
	if !info.IsOriginal && info.OriginalWorkno != "" {
		origin = info.OriginalWorkno
	}

	key := linkageKey(origin, cueLanguages)
	if works, ok := c.cachedLinkage(key); ok {
		return works
	}

	result := c.LinkedWorks(ctx, origin)

	p, ok := c.productCached(ctx, origin)
	if !ok {
		return result
	}
	wanted := make(map[string]bool, len(cueLanguages))
	for _, lang := range cueLanguages {
		wanted[lang] = true
	}
	for _, ed := range p.LanguageEditions {
		if ed.Workno == "" || !wanted[langOrJPN(ed.Lang)] {
			continue
		}
		if _, seen := result[ed.Workno]; seen {
			continue
		}
		for no, lw := range c.LinkedWorks(ctx, ed.Workno) {
			if _, seen := result[no]; !seen {
				result[no] = lw
			}
		}
	}

	c.storeLinkage(key, result)
	return result
}

func (c *Client) cachedLinkage(key string) (map[string]LinkedWork, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.linkages[key]
	if !ok || time.Since(entry.fetched) >= linkCacheTTL {
		return nil, false
	}
	return maps.Clone(entry.works), true
}

func (c *Client) storeLinkage(key string, works map[string]LinkedWork) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkages[key] = linkageCacheEntry{works: maps.Clone(works), fetched: time.Now()}
}

func linkageKey(origin string, langs []string) string {
	sorted := slices.Clone(langs)
	slices.Sort(sorted)
	return origin + "_" + strings.Join(sorted, "_")
}

func langOrJPN(lang string) string {
	if lang == "" {
		return "JPN"
	}
	return lang
}
