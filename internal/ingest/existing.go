package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hibiki.cc/otokura/internal/dupe"
	"hibiki.cc/otokura/internal/extract"
	"hibiki.cc/otokura/internal/library"
	"hibiki.cc/otokura/internal/task"
	"hibiki.cc/otokura/internal/workcode"
)

// RunExistingFolder ingests an already-extracted folder: full duplicate
// pre-check, metadata, transforms, then the move into the library. The
// source folder is never deleted on failure.
func (p *Pipeline) RunExistingFolder(ctx context.Context, t *task.Task) error {
	params := t.Params()
	source := params.SourcePath

	if err := t.Checkpoint(stepPrecheck, "预检查"); err != nil {
		return err
	}
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("source folder: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", source)
	}

	code, hasCode := workcode.Extract(filepath.Base(source))
	if !hasCode {
		return fmt.Errorf("no work code in folder name %q", filepath.Base(source))
	}
	t.SetWorkCode(code)

	if !params.AllowDuplicate {
		if res := p.detector.Check(ctx, code); res.Found {
			// Record and leave the folder where it is.
			return p.completeWithConflict(t, code, res, source)
		}
	}
	if !p.acquireCode(code, t.ID()) {
		return p.completeWithConflict(t, code, processingConflict(), source)
	}
	defer p.releaseCode(code)

	if err := t.Checkpoint(stepMetadata, "获取元数据"); err != nil {
		return err
	}
	work, err := p.resolver.ByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	if err := t.Checkpoint(stepRename, "重命名"); err != nil {
		return err
	}
	dir, err := p.renamer.Apply(source, work)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	t.SetOutputDir(dir)

	dir, err = p.transform(t, dir)
	if err != nil {
		return err
	}

	if err := t.Checkpoint(stepClassify, "入库"); err != nil {
		return err
	}
	placed, err := p.classifier.Place(library.PlaceRequest{
		SrcDir:         dir,
		Work:           work,
		AutoClassify:   params.AutoClassify,
		AllowDuplicate: params.AllowDuplicate,
		TaskID:         t.ID(),
	})
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	t.SetOutputDir(placed.FinalPath)
	p.updateLibraryGauge()
	p.forgetScanned(source)
	if placed.Quarantined {
		kind := library.ConflictDuplicate
		if placed.Conflict != nil {
			kind = placed.Conflict.Kind
		}
		t.Progress(100, fmt.Sprintf("检测到冲突(%s)，等待人工处理", kind))
		return nil
	}

	t.Progress(100, "完成")
	return nil
}

// processingConflict is the synthetic result recorded when another task
// already holds the work code.
func processingConflict() dupe.Result {
	return dupe.Result{
		Found:        true,
		Kind:         library.ConflictDuplicate,
		ExistingPath: "processing",
	}
}

// forgetScanned drops the scan-cache row for a folder that left the
// existing tree.
func (p *Pipeline) forgetScanned(path string) {
	if p.scanCache == nil {
		return
	}
	if err := p.scanCache.Delete(path); err != nil {
		slog.Debug("scan cache delete failed", slog.String("path", path), slog.Any("error", err))
	}
}

// ScanSummary reports one refresh pass over the existing tree.
type ScanSummary struct {
	Folders   int `json:"folders"`
	FromCache int `json:"from_cache"`
	Refreshed int `json:"refreshed"`
	Conflicts int `json:"conflicts"`
}

// RefreshScanCache walks the first-level folders of the existing tree and
// re-runs duplicate analysis for those that are uncached or flagged
// needs_refresh. Fresh rows are reused as is. Catalog lookups are paced
// at one second per five folders.
func (p *Pipeline) RefreshScanCache(ctx context.Context) (ScanSummary, error) {
	var sum ScanSummary
	if p.scanCache == nil {
		return sum, nil
	}
	root := p.cfg.Storage.ExistingDir
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sum, nil
		}
		return sum, fmt.Errorf("read existing tree: %w", err)
	}

	checked := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		code, ok := workcode.Extract(name)
		if !ok {
			continue
		}
		sum.Folders++
		folder := filepath.Join(root, name)

		if row, cached := p.scanCache.Get(folder); cached && !row.NeedsRefresh {
			sum.FromCache++
			if len(row.DuplicateInfo) > 0 {
				sum.Conflicts++
			}
			continue
		}

		if checked > 0 && checked%5 == 0 {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(time.Second):
			}
		}
		checked++

		res := p.detector.Check(ctx, code)
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}

		row := library.ScanCacheEntry{
			FolderPath: folder,
			Name:       name,
			WorkCode:   code,
		}
		row.FolderSize, row.FileCount = library.DirStats(folder)
		if res.Found {
			if blob, merr := json.Marshal(res); merr == nil {
				row.DuplicateInfo = blob
			}
			sum.Conflicts++
		}
		if err := p.scanCache.Put(row); err != nil {
			slog.Warn("scan cache write failed",
				slog.String("folder", folder),
				slog.Any("error", err))
			continue
		}
		sum.Refreshed++
	}
	return sum, nil
}

// RunExtract extracts one archive into the temp root without any of the
// library stages.
func (p *Pipeline) RunExtract(ctx context.Context, t *task.Task) error {
	source := t.Params().SourcePath
	if code, ok := workcode.Extract(filepath.Base(source)); ok {
		t.SetWorkCode(code)
	}

	if err := t.Checkpoint(stepExtract, "解压"); err != nil {
		return err
	}
	res, err := p.extractor.Run(ctx, source, extract.Options{
		Checkpoint: func(step string) error { return t.Checkpoint(stepExtract, step) },
	})
	if err != nil {
		p.extractor.CleanupOutputs(source)
		return fmt.Errorf("extract: %w", err)
	}
	t.SetOutputDir(res.OutputDir)

	if want := t.Params().OutputPath; want != "" && want != res.OutputDir {
		final, err := library.MoveUnique(res.OutputDir, want)
		if err != nil {
			return fmt.Errorf("move output: %w", err)
		}
		t.SetOutputDir(final)
	}
	t.Progress(100, "完成")
	return nil
}

// RunMetadata refetches metadata for the work named by the source path,
// invalidating any cached row first.
func (p *Pipeline) RunMetadata(ctx context.Context, t *task.Task) error {
	if err := t.Checkpoint(stepMetadata, "获取元数据"); err != nil {
		return err
	}
	work, err := p.resolver.Refresh(ctx, t.Params().SourcePath)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	t.SetWorkCode(work.WorkCode)
	t.Progress(100, "完成: "+work.WorkName)
	return nil
}

// RunFilter applies the configured filter rules below the source folder.
func (p *Pipeline) RunFilter(ctx context.Context, t *task.Task) error {
	source := t.Params().SourcePath
	if err := t.Checkpoint(stepFilter, "过滤文件"); err != nil {
		return err
	}
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("source folder: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", source)
	}
	fres, err := p.filter.Apply(source)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	t.Progress(100, fmt.Sprintf("完成: 删除 %d 文件 %d 目录", fres.Files, fres.Folders))
	return nil
}

// RunRename renames a work folder from its metadata. A snapshot row
// pointing at the old path is moved along.
func (p *Pipeline) RunRename(ctx context.Context, t *task.Task) error {
	source := t.Params().SourcePath
	if err := t.Checkpoint(stepMetadata, "获取元数据"); err != nil {
		return err
	}
	work, err := p.resolver.Resolve(ctx, source)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	t.SetWorkCode(work.WorkCode)

	if err := t.Checkpoint(stepRename, "重命名"); err != nil {
		return err
	}
	dir, err := p.renamer.Apply(source, work)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	t.SetOutputDir(dir)

	if row, ok := p.snapshot.Get(work.WorkCode); ok && row.FolderPath == source {
		row.FolderPath = dir
		if err := p.snapshot.Put(row); err != nil {
			slog.Warn("snapshot row update failed",
				slog.String("work_code", work.WorkCode),
				slog.Any("error", err))
		}
	}
	t.Progress(100, "完成: "+filepath.Base(dir))
	return nil
}
