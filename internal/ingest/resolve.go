package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"hibiki.cc/otokura/internal/archival"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/library"
	"hibiki.cc/otokura/internal/task"
)

// ConflictResolver executes operator decisions on pending conflicts. Archive
// new-sides are resubmitted through the engine; directory new-sides are moved
// directly.
type ConflictResolver struct {
	cfg       *config.Config
	conflicts *library.ConflictStore
	snapshot  *library.Snapshot
	pool      *archival.Pool
	engine    *task.Engine
}

func NewConflictResolver(cfg *config.Config, conflicts *library.ConflictStore, snap *library.Snapshot, pool *archival.Pool, eng *task.Engine) *ConflictResolver {
	return &ConflictResolver{
		cfg:       cfg,
		conflicts: conflicts,
		snapshot:  snap,
		pool:      pool,
		engine:    eng,
	}
}

// Resolve applies action to one pending conflict and returns the updated
// record.
func (r *ConflictResolver) Resolve(id, action string) (*library.ConflictRecord, error) {
	if !library.ValidResolution(action) || action == library.ResolutionPending {
		return nil, fmt.Errorf("invalid resolution action %q", action)
	}
	rec, err := r.conflicts.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != library.ResolutionPending {
		return nil, fmt.Errorf("conflict %s already resolved (%s)", id, rec.Status)
	}

	var execErr error
	switch action {
	case library.ResolutionKeepNew:
		execErr = r.keepNew(rec)
	case library.ResolutionKeepOld, library.ResolutionSkip:
		execErr = r.dropNewSide(rec)
	case library.ResolutionMerge:
		execErr = r.merge(rec)
	case library.ResolutionKeepBoth, library.ResolutionMergeLang:
		execErr = r.keepBoth(rec)
	}
	if execErr != nil {
		return nil, fmt.Errorf("resolve %s as %s: %w", id, action, execErr)
	}

	updated, err := r.conflicts.SetStatus(id, action)
	if err != nil {
		return nil, err
	}
	if rec.TaskID != "" {
		msg := fmt.Sprintf("人工处理: %s", action)
		if err := r.engine.UpdateStatus(rec.TaskID, task.StatusCompleted, msg); err != nil {
			slog.Debug("bound task not updated",
				slog.String("task_id", rec.TaskID),
				slog.Any("error", err))
		}
	}
	slog.Info("conflict resolved",
		slog.String("conflict_id", id),
		slog.String("action", action),
		slog.String("work_code", rec.WorkCode))
	return updated, nil
}

// keepNew removes the library copy and promotes the incoming side. An
// archive goes back through the full pipeline; a directory moves under its
// basename.
func (r *ConflictResolver) keepNew(rec *library.ConflictRecord) error {
	if rec.ExistingPath != "" && rec.ExistingPath != "processing" {
		if err := os.RemoveAll(rec.ExistingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete existing copy: %w", err)
		}
	}
	if err := r.snapshot.Delete(rec.WorkCode); err != nil {
		slog.Warn("snapshot purge failed",
			slog.String("work_code", rec.WorkCode),
			slog.Any("error", err))
	}

	info, err := os.Stat(rec.NewPath)
	if err != nil {
		return fmt.Errorf("new side: %w", err)
	}
	if info.IsDir() {
		dst := filepath.Join(r.cfg.Storage.LibraryDir, filepath.Base(rec.NewPath))
		final, err := library.MoveUnique(rec.NewPath, dst)
		if err != nil {
			return fmt.Errorf("move new side: %w", err)
		}
		size, files := library.DirStats(final)
		if err := r.snapshot.Put(library.SnapshotRow{
			WorkCode:   rec.WorkCode,
			FolderPath: final,
			FolderSize: size,
			FileCount:  files,
		}); err != nil {
			slog.Warn("snapshot row update failed",
				slog.String("work_code", rec.WorkCode),
				slog.Any("error", err))
		}
		return nil
	}
	return r.resubmit(rec, false)
}

// dropNewSide implements KEEP_OLD and SKIP: the incoming side is discarded.
// Pooled archives are kept on disk and only have their row released.
func (r *ConflictResolver) dropNewSide(rec *library.ConflictRecord) error {
	if rec.NewPath == "" || rec.NewPath == rec.ExistingPath {
		return nil
	}
	if r.pool != nil && r.pool.Contains(rec.NewPath) {
		r.pool.MarkCompletedByPath(rec.NewPath)
		return nil
	}
	if err := os.RemoveAll(rec.NewPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete new side: %w", err)
	}
	return nil
}

// merge keeps the library copy and files the incoming one next to it; the
// collision suffix on the final directory name separates the two.
func (r *ConflictResolver) merge(rec *library.ConflictRecord) error {
	info, err := os.Stat(rec.NewPath)
	if err != nil {
		return fmt.Errorf("new side: %w", err)
	}
	if info.IsDir() {
		if _, err := r.engine.Submit(task.KindProcessExisting, task.Params{
			SourcePath:     rec.NewPath,
			AutoClassify:   true,
			AllowDuplicate: true,
		}); err != nil {
			return fmt.Errorf("submit merge task: %w", err)
		}
		return nil
	}
	return r.resubmit(rec, true)
}

// keepBoth retains both copies, filing the incoming side under the
// quarantine area. Pooled archives stay in the pool.
func (r *ConflictResolver) keepBoth(rec *library.ConflictRecord) error {
	if rec.NewPath == "" {
		return nil
	}
	if r.pool != nil && r.pool.Contains(rec.NewPath) {
		r.pool.MarkCompletedByPath(rec.NewPath)
		return nil
	}
	conflictsDir := filepath.Join(r.cfg.Storage.LibraryDir, library.ConflictsDirName)
	if underDir(conflictsDir, rec.NewPath) {
		return nil // quarantined at classify time already
	}
	if _, err := os.Stat(rec.NewPath); err != nil {
		return fmt.Errorf("new side: %w", err)
	}
	target, err := library.MoveToConflicts(r.cfg.Storage.LibraryDir, rec.NewPath)
	if err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}
	slog.Info("incoming copy kept under quarantine",
		slog.String("work_code", rec.WorkCode),
		slog.String("path", target))
	return nil
}

// resubmit queues the archive new-side for a fresh pipeline run.
// allowDuplicate marks merge runs, which skip the duplicate checks.
func (r *ConflictResolver) resubmit(rec *library.ConflictRecord, allowDuplicate bool) error {
	skip := r.pool != nil && r.pool.Contains(rec.NewPath)
	if skip {
		r.pool.MarkReprocessingByPath(rec.NewPath)
	}
	if _, err := r.engine.Submit(task.KindAutoProcess, task.Params{
		SourcePath:     rec.NewPath,
		AutoClassify:   true,
		SkipArchive:    skip,
		AllowDuplicate: allowDuplicate,
	}); err != nil {
		if skip {
			r.pool.MarkCompletedByPath(rec.NewPath)
		}
		return fmt.Errorf("submit pipeline task: %w", err)
	}
	return nil
}
