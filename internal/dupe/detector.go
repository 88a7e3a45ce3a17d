// Package dupe decides whether an incoming work already lives in the
// library, either directly or through translation linkage, and derives
// the resolution options an operator can take.
package dupe

import (
	"context"
	"log/slog"
	"sort"

	"hibiki.cc/otokura/internal/catalog"
	"hibiki.cc/otokura/internal/companion"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/library"
)

// Result is the outcome of a duplicate check. Found is true only for
// local library hits; a companion-server hit is recorded in Remote and
// the analysis blob but never raises a conflict on its own.
type Result struct {
	Found        bool
	Kind         string
	ExistingPath string
	MatchedCode  string
	IncomingLang string
	ExistingLang string
	LinkedWorks  map[string]catalog.LinkedWork
	RelatedCodes []string
	Analysis     map[string]any
	Remote       *companion.CheckResult
}

// Detector checks incoming work codes against the library snapshot, the
// catalog's translation graph, and the optional companion server.
type Detector struct {
	snapshot     *library.Snapshot
	catalog      *catalog.Client
	companion    *companion.Client
	libraryRoot  string
	cueLanguages []string
}

func NewDetector(cfg *config.Config, snap *library.Snapshot, cat *catalog.Client, comp *companion.Client) *Detector {
	return &Detector{
		snapshot:     snap,
		catalog:      cat,
		companion:    comp,
		libraryRoot:  cfg.Storage.LibraryDir,
		cueLanguages: cfg.Companion.CueLanguages,
	}
}

// CheckDirect looks the code up in the snapshot, falling back to a
// library scan. A scan hit is written back into the snapshot.
func (d *Detector) CheckDirect(code string) Result {
	if row, ok := d.snapshot.Get(code); ok {
		return Result{Found: true, Kind: library.ConflictDuplicate, ExistingPath: row.FolderPath, MatchedCode: code}
	}

	if path, ok := library.FindWorkDir(d.libraryRoot, code); ok {
		size, files := library.DirStats(path)
		if err := d.snapshot.Put(library.SnapshotRow{
			WorkCode:   code,
			FolderPath: path,
			FolderSize: size,
			FileCount:  files,
		}); err != nil {
			slog.Warn("failed to backfill snapshot from library scan", "work_code", code, "error", err)
		}
		return Result{Found: true, Kind: library.ConflictDuplicate, ExistingPath: path, MatchedCode: code}
	}
	return Result{}
}

// Check runs the full detection: direct, then linkage across the
// translation graph, then the companion server.
func (d *Detector) Check(ctx context.Context, code string) Result {
	res := d.CheckDirect(code)
	if res.Found {
		res.Analysis = d.baseAnalysis(ctx, code, res)
		d.attachRemote(ctx, code, &res)
		return res
	}

	if d.catalog != nil {
		res = d.checkLinked(ctx, code)
	}
	if !res.Found {
		res.MatchedCode = ""
	}
	if res.Analysis == nil {
		res.Analysis = d.baseAnalysis(ctx, code, res)
	}
	d.attachRemote(ctx, code, &res)
	return res
}

// checkLinked expands the translation graph and direct-checks every
// related code. Multiple library hits across the graph downgrade to
// MULTIPLE_VERSIONS with every hit listed in the analysis.
func (d *Detector) checkLinked(ctx context.Context, code string) Result {
	summary := d.catalog.TranslationInfoFor(ctx, code)
	linked := d.catalog.FullLinkage(ctx, code, d.cueLanguages)
	if len(linked) == 0 {
		return Result{IncomingLang: summary.Lang}
	}

	related := make([]string, 0, len(linked))
	for workno := range linked {
		if workno != code {
			related = append(related, workno)
		}
	}
	sort.Strings(related)

	type hit struct {
		code string
		path string
		work catalog.LinkedWork
	}
	var hits []hit
	for _, workno := range related {
		if direct := d.CheckDirect(workno); direct.Found {
			hits = append(hits, hit{code: workno, path: direct.ExistingPath, work: linked[workno]})
		}
	}

	res := Result{
		IncomingLang: summary.Lang,
		LinkedWorks:  linked,
		RelatedCodes: related,
	}
	if len(hits) == 0 {
		res.Analysis = d.linkedAnalysis(code, summary, linked, nil)
		return res
	}

	res.Found = true
	res.MatchedCode = hits[0].code
	res.ExistingPath = hits[0].path
	res.ExistingLang = hits[0].work.Lang

	if len(hits) > 1 {
		res.Kind = library.ConflictMultipleVersions
	} else {
		res.Kind = linkedConflictKind(hits[0].work, summary)
	}

	var hitBlobs []map[string]any
	for _, h := range hits {
		hitBlobs = append(hitBlobs, map[string]any{
			"workno":   h.code,
			"path":     h.path,
			"relation": h.work.Relation,
			"lang":     h.work.Lang,
		})
	}
	res.Analysis = d.linkedAnalysis(code, summary, linked, hitBlobs)

	slog.Info("linked work found in library",
		"work_code", code,
		"matched", res.MatchedCode,
		"kind", res.Kind,
		"hits", len(hits),
	)
	return res
}

// linkedConflictKind names the conflict from the matched work's relation
// to the incoming one. An existing child met by the original is that
// original's translation; children meeting children are siblings, a
// language variant when their languages differ.
func linkedConflictKind(matched catalog.LinkedWork, incoming catalog.TranslationSummary) string {
	switch matched.Relation {
	case catalog.RelationOriginal, catalog.RelationParent:
		return library.ConflictLinkedOriginal
	case catalog.RelationChild:
		if incoming.IsOriginal || incoming.IsParent {
			return library.ConflictLinkedTranslation
		}
		if matched.Lang != "" && incoming.Lang != "" && matched.Lang != incoming.Lang {
			return library.ConflictLanguageVariant
		}
		return library.ConflictLinkedChild
	}
	return library.ConflictLinked
}

func (d *Detector) baseAnalysis(ctx context.Context, code string, res Result) map[string]any {
	analysis := map[string]any{
		"work_code":    code,
		"is_duplicate": res.Found,
	}
	if res.ExistingPath != "" {
		analysis["existing_path"] = res.ExistingPath
	}
	if d.catalog != nil && res.Found {
		summary := d.catalog.TranslationInfoFor(ctx, code)
		analysis["is_original"] = summary.IsOriginal
		analysis["is_child"] = summary.IsChild
		if summary.Lang != "" {
			analysis["lang"] = summary.Lang
		}
	}
	works, bytes := d.snapshot.Totals()
	analysis["library_works"] = works
	analysis["library_bytes"] = bytes
	return analysis
}

func (d *Detector) linkedAnalysis(code string, summary catalog.TranslationSummary, linked map[string]catalog.LinkedWork, hits []map[string]any) map[string]any {
	langStats := make(map[string]int)
	hasOriginal, hasParent, hasChild := false, false, false
	for workno, lw := range linked {
		if workno == code {
			continue
		}
		langStats[langLabel(lw.Lang)]++
		switch lw.Relation {
		case catalog.RelationOriginal:
			hasOriginal = true
		case catalog.RelationParent:
			hasParent = true
		case catalog.RelationChild:
			hasChild = true
		}
	}

	analysis := map[string]any{
		"work_code":       code,
		"is_original":     summary.IsOriginal,
		"is_parent":       summary.IsParent,
		"is_child":        summary.IsChild,
		"has_original":    hasOriginal,
		"has_parent":      hasParent,
		"has_translation": hasChild,
		"language_stats":  langStats,
	}
	if summary.Lang != "" {
		analysis["lang"] = summary.Lang
	}
	if summary.OriginalWorkno != "" {
		analysis["original_workno"] = summary.OriginalWorkno
	}
	if summary.ParentWorkno != "" {
		analysis["parent_workno"] = summary.ParentWorkno
	}
	if len(hits) > 0 {
		analysis["library_hits"] = hits
	}
	works, bytes := d.snapshot.Totals()
	analysis["library_works"] = works
	analysis["library_bytes"] = bytes
	return analysis
}

// attachRemote consults the companion server and records hits in the
// analysis. Remote hits never create conflicts by themselves.
func (d *Detector) attachRemote(ctx context.Context, code string, res *Result) {
	if d.companion == nil || !d.companion.Enabled() {
		return
	}

	results := d.companion.CheckWithLinkages(ctx, code, d.cueLanguages)
	remote := make(map[string]any, len(results))
	for workno, check := range results {
		if !check.Found {
			continue
		}
		remote[workno] = map[string]any{
			"title":  check.Title,
			"source": check.Source,
		}
		if res.Remote == nil || workno == code {
			r := check
			res.Remote = &r
		}
	}
	if res.Analysis == nil {
		res.Analysis = make(map[string]any)
	}
	res.Analysis["kikoeru_hits"] = len(remote)
	if len(remote) > 0 {
		res.Analysis["kikoeru"] = remote
		slog.Info("companion server knows related works", "work_code", code, "hits", len(remote))
	}
}

func langLabel(lang string) string {
	if lang == "" {
		return "JPN"
	}
	return lang
}
