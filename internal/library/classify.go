package library

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/metadata"
	"hibiki.cc/otokura/internal/workcode"
)

// ConflictsDirName is the quarantine area under the library root. It
// starts with an underscore so library scans skip it.
const ConflictsDirName = "_conflicts"

var (
	segmentIllegalRe = regexp.MustCompile(`[<>:"/\\|?*]`)
	codeRangeRe      = regexp.MustCompile(`^([RVB]J\d{6,8})-([RVB]J\d{6,8})$`)
)

// Classifier files processed work folders into the library according to
// the ordered classification rules.
type Classifier struct {
	root      string
	rules     []config.ClassifyRule
	snapshot  *Snapshot
	conflicts *ConflictStore
}

func NewClassifier(cfg *config.Config, snap *Snapshot, conflicts *ConflictStore) *Classifier {
	return &Classifier{
		root:      cfg.Storage.LibraryDir,
		rules:     cfg.Classification,
		snapshot:  snap,
		conflicts: conflicts,
	}
}

// PlaceRequest describes one folder ready to enter the library.
// AllowDuplicate skips the late-duplicate quarantine; merge resolutions
// use it to file a second copy next to the surviving one.
type PlaceRequest struct {
	SrcDir         string
	Work           *metadata.Work
	AutoClassify   bool
	AllowDuplicate bool
	TaskID         string
}

// PlaceResult reports where the folder ended up. Quarantined means the
// folder went under _conflicts with a pending conflict record instead of
// its classified location.
type PlaceResult struct {
	FinalPath   string
	Quarantined bool
	Conflict    *ConflictRecord
}

// Place moves the folder into the library. A work that reappeared in the
// snapshot since the pre-check is quarantined rather than placed next to
// the existing copy.
func (c *Classifier) Place(req PlaceRequest) (*PlaceResult, error) {
	if req.Work == nil || req.Work.WorkCode == "" {
		return nil, fmt.Errorf("library: place %s: missing work metadata", req.SrcDir)
	}

	if !req.AllowDuplicate {
		if row, ok := c.snapshot.Get(req.Work.WorkCode); ok && row.FolderPath != req.SrcDir {
			return c.quarantine(req, row.FolderPath)
		}
	}

	rel := ""
	if req.AutoClassify {
		rel = c.RulePath(req.Work)
	}
	parent := filepath.Join(c.root, rel)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return nil, fmt.Errorf("library: create %q: %w", parent, err)
	}

	target, err := MoveUnique(req.SrcDir, filepath.Join(parent, filepath.Base(req.SrcDir)))
	if err != nil {
		return nil, fmt.Errorf("library: place %s: %w", req.SrcDir, err)
	}

	size, files := DirStats(target)
	if err := c.snapshot.Put(SnapshotRow{
		WorkCode:   req.Work.WorkCode,
		FolderPath: target,
		FolderSize: size,
		FileCount:  files,
	}); err != nil {
		slog.Warn("failed to persist snapshot row", "work_code", req.Work.WorkCode, "error", err)
	}

	slog.Info("work placed in library",
		"work_code", req.Work.WorkCode,
		"path", target,
		"rule_path", rel,
		"size", size,
		"files", files,
	)
	return &PlaceResult{FinalPath: target}, nil
}

// quarantine files the folder under _conflicts and records the conflict.
func (c *Classifier) quarantine(req PlaceRequest, existingPath string) (*PlaceResult, error) {
	target, err := MoveToConflicts(c.root, req.SrcDir)
	if err != nil {
		return nil, fmt.Errorf("library: quarantine %s: %w", req.SrcDir, err)
	}

	rec, _, err := c.conflicts.Create(ConflictRecord{
		TaskID:       req.TaskID,
		WorkCode:     req.Work.WorkCode,
		Kind:         ConflictDuplicate,
		ExistingPath: existingPath,
		NewPath:      target,
		NewMetadata:  req.Work,
	})
	if err != nil {
		return nil, err
	}

	slog.Warn("work quarantined as late duplicate",
		"work_code", req.Work.WorkCode,
		"existing", existingPath,
		"quarantined", target,
	)
	return &PlaceResult{FinalPath: target, Quarantined: true, Conflict: rec}, nil
}

// RulePath evaluates the ordered rules; the first enabled rule that
// yields a location wins. An empty result means the library root.
func (c *Classifier) RulePath(work *metadata.Work) string {
	for _, rule := range c.rules {
		if !rule.Enabled {
			continue
		}
		if rel, ok := evalRule(rule, work); ok {
			return rel
		}
	}
	return ""
}

func evalRule(rule config.ClassifyRule, work *metadata.Work) (string, bool) {
	switch rule.Type {
	case "none":
		return "", true

	case "maker":
		if work.MakerName == "" {
			return "", false
		}
		tmpl := rule.PathTemplate
		if tmpl == "" {
			tmpl = "{maker_name}"
		}
		return expandTemplate(tmpl, work), true

	case "series":
		if work.SeriesName == "" {
			if rule.Fallback != "" && rule.Fallback != rule.Type {
				return evalRule(config.ClassifyRule{Type: rule.Fallback, Enabled: true, PathTemplate: rule.PathTemplate}, work)
			}
			return "", false
		}
		tmpl := rule.PathTemplate
		if tmpl == "" {
			tmpl = "{series_name}"
		}
		return expandTemplate(tmpl, work), true

	case "rjcode":
		if rule.CodeRange != "" && !codeInRange(work.WorkCode, rule.CodeRange) {
			return "", false
		}
		name := rule.CustomName
		if name == "" {
			prefix := work.WorkCode
			if len(prefix) > 5 {
				prefix = prefix[:5]
			}
			name = prefix + "系列"
		}
		return sanitizeSegment(name), true

	case "date":
		t, err := time.Parse("2006-01-02", work.ReleaseDate)
		if err != nil {
			return "", false
		}
		return filepath.Join(t.Format("2006"), t.Format("01")), true
	}
	return "", false
}

// expandTemplate fills path templates like "{maker_name}/{series_name}".
// Only the template's own slashes nest; slashes inside substituted values
// are sanitized away with the rest of the segment.
func expandTemplate(tmpl string, work *metadata.Work) string {
	replacer := strings.NewReplacer(
		"{maker_id}", work.MakerID,
		"{maker_name}", work.MakerName,
		"{series_id}", work.SeriesID,
		"{series_name}", work.SeriesName,
		"{rjcode}", work.WorkCode,
		"{age_category}", work.AgeCategory,
	)

	var kept []string
	for _, part := range strings.Split(tmpl, "/") {
		if seg := sanitizeSegment(replacer.Replace(part)); seg != "" {
			kept = append(kept, seg)
		}
	}
	return filepath.Join(kept...)
}

// codeInRange reports whether code falls inside a "RJ01400000-RJ01499999"
// style range, comparing the numeric parts.
func codeInRange(code, codeRange string) bool {
	m := codeRangeRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(codeRange)))
	if m == nil {
		return false
	}
	n, ok := workcode.NumericID(code)
	if !ok {
		return false
	}
	lo, okLo := workcode.NumericID(m[1])
	hi, okHi := workcode.NumericID(m[2])
	if !okLo || !okHi {
		return false
	}
	return n >= lo && n <= hi
}

// sanitizeSegment makes one classification path segment filesystem-safe.
func sanitizeSegment(s string) string {
	s = segmentIllegalRe.ReplaceAllString(s, "")
	s = strings.Trim(s, " .")
	if runes := []rune(s); len(runes) > 100 {
		s = string(runes[:100])
	}
	return s
}

// MoveToConflicts files path (file or directory) under the library's
// quarantine area, keeping the basename collision-safe.
func MoveToConflicts(libraryRoot, path string) (string, error) {
	dir := filepath.Join(libraryRoot, ConflictsDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("library: create %q: %w", dir, err)
	}
	return MoveUnique(path, filepath.Join(dir, filepath.Base(path)))
}

// MoveUnique moves src to want, appending (N) to the name when the
// target already exists. Falls back to copy+delete across filesystems.
func MoveUnique(src, want string) (string, error) {
	target := want
	ext := ""
	stem := want
	if fi, err := os.Stat(src); err == nil && !fi.IsDir() {
		ext = filepath.Ext(want)
		stem = strings.TrimSuffix(want, ext)
	}
	for n := 1; pathExists(target); n++ {
		target = fmt.Sprintf("%s(%d)%s", stem, n, ext)
	}
	if err := movePath(src, target); err != nil {
		return "", err
	}
	return target, nil
}

// movePath renames src to dst, copying when rename fails across devices.
func movePath(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		if err := copyDir(src, dst); err != nil {
			return err
		}
		return os.RemoveAll(src)
	}
	if err := copyFile(src, dst, fi.Mode()); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	for _, entry := range entries {
		s := filepath.Join(src, entry.Name())
		d := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(s, d); err != nil {
				return err
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if err := copyFile(s, d, info.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
