// Package archival keeps processed source archives in a holding pool so
// an operator can re-run or recover them until a sweeper reclaims the
// space. Every file in the pool is tracked by an ArchivedSource row,
// one JSON file per row.
package archival

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hibiki.cc/otokura/internal/archive"
	"hibiki.cc/otokura/internal/jsonstore"
	"hibiki.cc/otokura/internal/workcode"
)

// Row statuses. A reprocessing row is pinned: the archived-source
// sweeper must not reclaim a file the pipeline is working on.
const (
	StatusCompleted    = "completed"
	StatusReprocessing = "reprocessing"
)

// ArchivedSource is the bookkeeping row for one file in the pool.
// Filename is the uniqueness key; collision suffixes applied during the
// move keep it unique on disk.
type ArchivedSource struct {
	ID           string    `json:"id"`
	OriginalPath string    `json:"original_path"`
	CurrentPath  string    `json:"current_path"`
	Filename     string    `json:"filename"`
	WorkCode     string    `json:"work_code,omitempty"`
	FileSize     int64     `json:"file_size"`
	ProcessedAt  time.Time `json:"processed_at"`
	ProcessCount int       `json:"process_count"`
	TaskID       string    `json:"task_id,omitempty"`
	Status       string    `json:"status"`
}

// Pool moves finished sources into the pool directory and maintains
// their rows under a separate data directory.
type Pool struct {
	mu      sync.Mutex
	dir     string
	rowsDir string
}

// OpenPool prepares the pool and row directories.
func OpenPool(poolDir, rowsDir string) (*Pool, error) {
	if err := os.MkdirAll(poolDir, 0o750); err != nil {
		return nil, fmt.Errorf("archival: pool dir %q: %w", poolDir, err)
	}
	if err := os.MkdirAll(rowsDir, 0o750); err != nil {
		return nil, fmt.Errorf("archival: rows dir %q: %w", rowsDir, err)
	}
	return &Pool{dir: poolDir, rowsDir: rowsDir}, nil
}

// Dir returns the pool directory.
func (p *Pool) Dir() string { return p.dir }

// Contains reports whether path points inside the pool directory.
func (p *Pool) Contains(path string) bool {
	rel, err := filepath.Rel(p.dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Archive moves the source archive into the pool and upserts its row.
// Multi-volume sources bring their sibling volumes along, one row per
// file. The returned row is the one for sourcePath itself.
func (p *Pool) Archive(sourcePath, workCode, taskID string) (*ArchivedSource, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		return nil, fmt.Errorf("archival: source %q: %w", sourcePath, err)
	}

	files := []string{sourcePath}
	for _, sibling := range siblingVolumes(sourcePath) {
		files = append(files, sibling)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var primary *ArchivedSource
	for _, src := range files {
		moved, err := moveUnique(src, filepath.Join(p.dir, filepath.Base(src)))
		if err != nil {
			return primary, fmt.Errorf("archival: move %q: %w", src, err)
		}
		row, err := p.upsertMovedLocked(src, moved, workCode, taskID)
		if err != nil {
			return primary, err
		}
		if src == sourcePath {
			primary = row
		}
		slog.Info("source archived",
			"file", row.Filename,
			"work_code", workCode,
			"process_count", row.ProcessCount,
		)
	}
	return primary, nil
}

// RecordReprocess bumps the row for a source that was re-run in place
// (already inside the pool, so nothing moves). The row is matched by
// filename, then by current path, then fuzzily by basename with the
// collision suffix stripped. Returns nil when no row matches.
func (p *Pool) RecordReprocess(path, taskID string) (*ArchivedSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := p.matchLocked(path)
	if row == nil {
		slog.Warn("no archived row for reprocessed source", "path", path)
		return nil, nil
	}
	row.ProcessCount++
	row.ProcessedAt = time.Now().UTC()
	row.TaskID = taskID
	row.Status = StatusCompleted
	if fi, err := os.Stat(row.CurrentPath); err == nil {
		row.FileSize = fi.Size()
	}
	if err := jsonstore.Save(p.rowPath(row.ID), row); err != nil {
		return nil, err
	}
	return row, nil
}

// MarkReprocessingByPath pins the row for path so the sweeper leaves
// the file alone while a pipeline run uses it.
func (p *Pool) MarkReprocessingByPath(path string) bool {
	return p.setStatusByPath(path, StatusReprocessing)
}

// MarkCompletedByPath releases a pinned row.
func (p *Pool) MarkCompletedByPath(path string) bool {
	return p.setStatusByPath(path, StatusCompleted)
}

func (p *Pool) setStatusByPath(path, status string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := p.matchLocked(path)
	if row == nil {
		return false
	}
	if row.Status == status {
		return true
	}
	row.Status = status
	if err := jsonstore.Save(p.rowPath(row.ID), row); err != nil {
		slog.Warn("archived row update failed", "file", row.Filename, "error", err)
		return false
	}
	return true
}

// Get loads one row by id.
func (p *Pool) Get(id string) (*ArchivedSource, error) {
	var row ArchivedSource
	if err := jsonstore.Load(p.rowPath(id), &row); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("archival: row %s: %w", id, os.ErrNotExist)
		}
		return nil, err
	}
	return &row, nil
}

// List returns all rows oldest first, the order the sweeper consumes
// them in.
func (p *Pool) List() ([]ArchivedSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listLocked()
}

// Count returns the number of tracked rows.
func (p *Pool) Count() int {
	rows, err := p.List()
	if err != nil {
		return 0
	}
	return len(rows)
}

// TotalSize sums the recorded sizes of all tracked files.
func (p *Pool) TotalSize() int64 {
	rows, err := p.List()
	if err != nil {
		return 0
	}
	var total int64
	for i := range rows {
		total += rows[i].FileSize
	}
	return total
}

// DeleteSource removes the file behind a row, then the row itself, and
// reports how many bytes the file freed. A file already gone frees
// nothing but still drops the row; any other file error keeps the row
// so a later sweep can retry.
func (p *Pool) DeleteSource(id string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row, err := p.Get(id)
	if err != nil {
		return 0, err
	}

	var freed int64
	if fi, err := os.Stat(row.CurrentPath); err == nil {
		freed = fi.Size()
		if err := os.Remove(row.CurrentPath); err != nil {
			return 0, fmt.Errorf("archival: delete %q: %w", row.CurrentPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("archival: stat %q: %w", row.CurrentPath, err)
	}

	if err := os.Remove(p.rowPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return freed, fmt.Errorf("archival: delete row %s: %w", id, err)
	}
	return freed, nil
}

// Reconcile aligns rows with the pool directory at startup: untracked
// files gain a row, rows without a file are dropped, and duplicate rows
// on one filename collapse to the most recent.
func (p *Pool) Reconcile() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.listLocked()
	if err != nil {
		return err
	}

	// Newest row wins per filename; older twins are dropped.
	byName := make(map[string]*ArchivedSource, len(rows))
	var removed, inserted, updated int
	for i := range rows {
		row := &rows[i]
		prev, ok := byName[row.Filename]
		if !ok {
			byName[row.Filename] = row
			continue
		}
		victim := row
		if row.ProcessedAt.After(prev.ProcessedAt) {
			victim = prev
			byName[row.Filename] = row
		}
		if err := os.Remove(p.rowPath(victim.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("duplicate row removal failed", "file", victim.Filename, "error", err)
			continue
		}
		removed++
	}

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("archival: scan pool: %w", err)
	}
	onDisk := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := entry.Name()
		onDisk[name] = true
		path := filepath.Join(p.dir, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}

		row, ok := byName[name]
		if !ok {
			code, _ := workcode.Extract(name)
			rec := ArchivedSource{
				ID:           uuid.NewString(),
				OriginalPath: path,
				CurrentPath:  path,
				Filename:     name,
				WorkCode:     code,
				FileSize:     info.Size(),
				ProcessedAt:  info.ModTime().UTC(),
				ProcessCount: 1,
				Status:       StatusCompleted,
			}
			if err := jsonstore.Save(p.rowPath(rec.ID), rec); err != nil {
				slog.Warn("row insert failed during reconcile", "file", name, "error", err)
				continue
			}
			inserted++
			continue
		}
		if row.CurrentPath == path && row.FileSize == info.Size() {
			continue
		}
		row.CurrentPath = path
		row.FileSize = info.Size()
		if err := jsonstore.Save(p.rowPath(row.ID), row); err != nil {
			slog.Warn("row refresh failed during reconcile", "file", name, "error", err)
			continue
		}
		updated++
	}

	for name, row := range byName {
		if onDisk[name] {
			continue
		}
		if err := os.Remove(p.rowPath(row.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("stale row removal failed", "file", name, "error", err)
			continue
		}
		removed++
	}

	if inserted+updated+removed > 0 {
		slog.Info("archive pool reconciled",
			"inserted", inserted,
			"updated", updated,
			"removed", removed,
		)
	}
	return nil
}

// ---

func (p *Pool) upsertMovedLocked(origPath, newPath, workCode, taskID string) (*ArchivedSource, error) {
	name := filepath.Base(newPath)
	var size int64
	if fi, err := os.Stat(newPath); err == nil {
		size = fi.Size()
	}

	row := p.byFilenameLocked(name)
	if row == nil {
		row = &ArchivedSource{
			ID:       uuid.NewString(),
			Filename: name,
		}
	}
	row.OriginalPath = origPath
	row.CurrentPath = newPath
	row.FileSize = size
	row.ProcessedAt = time.Now().UTC()
	row.ProcessCount++
	row.TaskID = taskID
	row.Status = StatusCompleted
	if workCode != "" {
		row.WorkCode = workCode
	}
	if err := jsonstore.Save(p.rowPath(row.ID), row); err != nil {
		return nil, err
	}
	return row, nil
}

// matchLocked resolves path to a row: exact filename, then current
// path, then basename equality after trimming the collision suffix.
func (p *Pool) matchLocked(path string) *ArchivedSource {
	rows, err := p.listLocked()
	if err != nil {
		return nil
	}
	base := filepath.Base(path)
	for i := range rows {
		if rows[i].Filename == base {
			return &rows[i]
		}
	}
	for i := range rows {
		if rows[i].CurrentPath == path {
			return &rows[i]
		}
	}
	want := trimCollisionSuffix(base)
	for i := range rows {
		if trimCollisionSuffix(rows[i].Filename) == want {
			return &rows[i]
		}
	}
	return nil
}

func (p *Pool) byFilenameLocked(name string) *ArchivedSource {
	rows, err := p.listLocked()
	if err != nil {
		return nil
	}
	for i := range rows {
		if rows[i].Filename == name {
			return &rows[i]
		}
	}
	return nil
}

func (p *Pool) listLocked() ([]ArchivedSource, error) {
	entries, err := os.ReadDir(p.rowsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("archival: list rows: %w", err)
	}

	var out []ArchivedSource
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var row ArchivedSource
		if err := jsonstore.Load(filepath.Join(p.rowsDir, entry.Name()), &row); err != nil {
			slog.Warn("skipping unreadable archived row", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	return out, nil
}

func (p *Pool) rowPath(id string) string {
	return filepath.Join(p.rowsDir, id+".json")
}

// siblingVolumes finds the other parts of a .partN multi-volume set
// sitting next to sourcePath.
func siblingVolumes(sourcePath string) []string {
	base, ok := archive.SplitFirstPart(filepath.Base(sourcePath))
	if !ok {
		return nil
	}
	re := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(base) + `\.part\d+\.(rar|zip|7z|exe)$`)

	dir := filepath.Dir(sourcePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == filepath.Base(sourcePath) {
			continue
		}
		if re.MatchString(entry.Name()) {
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(out)
	return out
}

var collisionSuffixRe = regexp.MustCompile(`\(\d+\)$`)

// trimCollisionSuffix turns "work(2).zip" back into "work.zip".
func trimCollisionSuffix(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return collisionSuffixRe.ReplaceAllString(stem, "") + ext
}

// moveUnique moves src to want, appending "(N)" before the extension
// until the name is free.
func moveUnique(src, want string) (string, error) {
	ext := filepath.Ext(want)
	stem := strings.TrimSuffix(want, ext)
	target := want
	for n := 1; pathExists(target); n++ {
		target = fmt.Sprintf("%s(%d)%s", stem, n, ext)
	}
	if err := os.Rename(src, target); err == nil {
		return target, nil
	}
	// Cross-device moves fall back to copy + remove.
	if err := copyFile(src, target); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", err
	}
	return target, nil
}

func copyFile(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode())
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
