// Package watcher discovers fresh archives under the input root and
// escorts them to the task engine once their size settles. Filesystem
// events are paired with a periodic rescan because event APIs can miss
// changes on network mounts.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"hibiki.cc/otokura/internal/archive"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/library"
	"hibiki.cc/otokura/internal/metrics"
	"hibiki.cc/otokura/internal/task"
)

// Submitter is the slice of the task engine the watcher drives.
type Submitter interface {
	Submit(kind task.Kind, params task.Params) (task.Snapshot, error)
	ActiveForPath(path string) bool
}

// Watcher turns stable archive files under the input root into
// auto-process tasks. Events under the existing tree only mark the
// scan cache stale.
type Watcher struct {
	cfg    *config.Config
	engine Submitter
	cache  *library.ScanCache

	fw *fsnotify.Watcher

	mu        sync.Mutex
	pending   map[string]struct{}
	processed map[string]struct{}

	scanInterval   time.Duration
	intervalCh     chan time.Duration
	stableInterval time.Duration
	stableChecks   int
	maxStableWait  time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a watcher. cache may be nil when the existing tree is not
// indexed.
func New(cfg *config.Config, engine Submitter, cache *library.ScanCache) *Watcher {
	return &Watcher{
		cfg:            cfg,
		engine:         engine,
		cache:          cache,
		pending:        make(map[string]struct{}),
		processed:      make(map[string]struct{}),
		scanInterval:   durationOr(cfg.Watcher.ScanInterval, 30*time.Second),
		intervalCh:     make(chan time.Duration, 1),
		stableInterval: 2 * time.Second,
		stableChecks:   3,
		maxStableWait:  durationOr(cfg.Watcher.MaxStableWait, 5*time.Minute),
	}
}

// Start registers the filesystem watches and launches the event loop.
// The initial sweep picks up files that predate the process.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	w.fw = fw
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := os.MkdirAll(w.cfg.Storage.InputDir, 0o750); err != nil {
		fw.Close()
		return fmt.Errorf("watcher: input root: %w", err)
	}
	if err := w.watchTree(w.cfg.Storage.InputDir); err != nil {
		fw.Close()
		return err
	}
	w.watchExisting()

	w.wg.Add(1)
	go w.run()
	slog.Info("watcher started",
		slog.String("input", w.cfg.Storage.InputDir),
		slog.Duration("scan_interval", w.scanInterval))
	return nil
}

// Stop ends the event loop and waits for in-flight escorts to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		if w.fw != nil {
			w.fw.Close()
		}
		w.wg.Wait()
		slog.Info("watcher stopped")
	})
}

// Pending reports how many files are being escorted right now.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// SetScanInterval changes the rescan period of a running watcher.
// Zero or negative values are ignored.
func (w *Watcher) SetScanInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case w.intervalCh <- d:
	default:
	}
}

func (w *Watcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	w.sweep()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Error("watcher event stream error", slog.Any("error", err))
		case d := <-w.intervalCh:
			w.scanInterval = d
			ticker.Reset(d)
			slog.Info("watcher rescan interval updated", slog.Duration("scan_interval", d))
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if w.underExisting(ev.Name) {
		w.markExistingDirty(ev.Name)
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			// A directory moved in wholesale; its files produced no events.
			w.scanTree(ev.Name)
		}
		return
	}
	w.consider(ev.Name, info.Size())
}

// sweep rescans the whole input tree and refreshes the watch list.
func (w *Watcher) sweep() {
	w.scanTree(w.cfg.Storage.InputDir)
	w.watchExisting()
}

func (w *Watcher) scanTree(root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are retried next sweep
		}
		if d.IsDir() {
			if aerr := w.fw.Add(path); aerr != nil {
				slog.Debug("cannot watch directory", slog.String("path", path), slog.Any("error", aerr))
			}
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		w.consider(path, info.Size())
		return nil
	})
	if err != nil {
		slog.Warn("input scan failed", slog.String("path", root), slog.Any("error", err))
	}
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if aerr := w.fw.Add(path); aerr != nil {
				return fmt.Errorf("watcher: watch %s: %w", path, aerr)
			}
		}
		return nil
	})
}

// watchExisting keeps the existing root and its first-level folders on
// the watch list so edits there invalidate the scan cache.
func (w *Watcher) watchExisting() {
	root := w.cfg.Storage.ExistingDir
	if root == "" || w.cache == nil {
		return
	}
	if err := w.fw.Add(root); err != nil {
		slog.Debug("cannot watch existing root", slog.String("path", root), slog.Any("error", err))
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = w.fw.Add(filepath.Join(root, e.Name()))
		}
	}
}

// consider runs the archive predicate and hands the file to an escort
// goroutine. Small files are skipped without joining any set, so a later
// event or sweep retries them.
func (w *Watcher) consider(path string, size int64) {
	if !isArchiveCandidate(path) {
		return
	}
	if size < minArchiveSize {
		return
	}

	w.mu.Lock()
	if _, busy := w.pending[path]; busy {
		w.mu.Unlock()
		return
	}
	if _, done := w.processed[path]; done {
		w.mu.Unlock()
		return
	}
	w.pending[path] = struct{}{}
	w.mu.Unlock()

	if w.engine.ActiveForPath(path) {
		w.settle(path, true)
		return
	}

	w.wg.Add(1)
	go w.escort(path)
}

// escort waits for the file to stabilize, then submits it.
func (w *Watcher) escort(path string) {
	defer w.wg.Done()

	if err := waitStable(w.ctx, path, w.stableInterval, w.stableChecks, w.maxStableWait); err != nil {
		if w.ctx.Err() == nil {
			slog.Warn("abandoning file that never stabilized",
				slog.String("path", path),
				slog.Any("error", err))
		}
		w.settle(path, false)
		return
	}

	snap, err := w.engine.Submit(task.KindAutoProcess, task.Params{
		SourcePath:   path,
		AutoClassify: w.cfg.Watcher.AutoClassify,
	})
	if err != nil {
		slog.Warn("watcher submit failed",
			slog.String("path", path),
			slog.Any("error", err))
		w.settle(path, false)
		return
	}

	w.settle(path, true)
	metrics.WatcherSubmissionsTotal.Inc()
	slog.Info("archive handed to the task engine",
		slog.String("path", path),
		slog.String("task_id", snap.ID),
		slog.String("work_code", snap.WorkCode))
}

// settle removes the path from pending and optionally records it as
// submitted.
func (w *Watcher) settle(path string, submitted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, path)
	if submitted {
		w.processed[path] = struct{}{}
	}
}

func (w *Watcher) underExisting(path string) bool {
	root := w.cfg.Storage.ExistingDir
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// markExistingDirty flags the first-level folder the event touched.
func (w *Watcher) markExistingDirty(path string) {
	if w.cache == nil {
		return
	}
	root := w.cfg.Storage.ExistingDir
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	first := rel
	if i := strings.IndexRune(filepath.ToSlash(rel), '/'); i >= 0 {
		first = rel[:i]
	}
	folder := filepath.Join(root, first)
	w.cache.MarkNeedsRefresh(folder)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		_ = w.fw.Add(path)
	}
}

// exeKeywords whitelists self-extractor names; bare .exe installers are
// not archives.
var exeKeywords = []string{"rar", "zip", "7z", "archive", "setup", "install", "self-extract"}

// isArchiveCandidate decides whether a path is worth escorting: known
// archive extension, whitelisted .exe name, or a recognizable magic
// header. Continuation volumes never start a task.
func isArchiveCandidate(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if archive.IsNonFirstVolume(name) {
		return false
	}
	if filepath.Ext(name) == ".exe" {
		for _, kw := range exeKeywords {
			if strings.Contains(name, kw) {
				return true
			}
		}
		return false
	}
	if archive.HasArchiveExtension(name) {
		return true
	}
	return archive.SniffType(path) != ""
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
