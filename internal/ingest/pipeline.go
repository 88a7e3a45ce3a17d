// Package ingest implements the per-kind task pipelines: the full
// auto-process flow for watched archives, the existing-folder flow, and
// the single-step utility tasks. Conflicts are not errors here; they end
// the task with a waiting-manual message and a pending conflict record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"hibiki.cc/otokura/internal/archival"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/dupe"
	"hibiki.cc/otokura/internal/extract"
	"hibiki.cc/otokura/internal/library"
	"hibiki.cc/otokura/internal/metadata"
	"hibiki.cc/otokura/internal/metrics"
	"hibiki.cc/otokura/internal/organize"
	"hibiki.cc/otokura/internal/task"
	"hibiki.cc/otokura/internal/workcode"
)

// Progress checkpoints of the auto-process flow. The extraction engine
// reports its sub-steps between stepExtract and stepMetadata.
const (
	stepPrecheck = 5
	stepExtract  = 10
	stepMetadata = 40
	stepRename   = 60
	stepFilter   = 75
	stepFlatten  = 78
	stepPrune    = 79
	stepClassify = 80
	stepArchive  = 95
)

// Deps bundles the stages the pipelines run. ScanCache may be nil.
type Deps struct {
	Config     *config.Config
	Extractor  *extract.Engine
	Resolver   *metadata.Resolver
	Detector   *dupe.Detector
	Classifier *library.Classifier
	Conflicts  *library.ConflictStore
	Snapshot   *library.Snapshot
	Pool       *archival.Pool
	ScanCache  *library.ScanCache
}

// Pipeline owns the per-kind runners and the in-flight work-code set that
// serializes tasks targeting the same work.
type Pipeline struct {
	cfg        *config.Config
	extractor  *extract.Engine
	resolver   *metadata.Resolver
	detector   *dupe.Detector
	classifier *library.Classifier
	conflicts  *library.ConflictStore
	snapshot   *library.Snapshot
	pool       *archival.Pool
	scanCache  *library.ScanCache
	renamer    *organize.Renamer
	filter     *organize.Filter

	mu       sync.Mutex
	inFlight map[string]string // work code -> task id
}

func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{
		cfg:        d.Config,
		extractor:  d.Extractor,
		resolver:   d.Resolver,
		detector:   d.Detector,
		classifier: d.Classifier,
		conflicts:  d.Conflicts,
		snapshot:   d.Snapshot,
		pool:       d.Pool,
		scanCache:  d.ScanCache,
		renamer:    organize.NewRenamer(d.Config.Rename),
		filter:     organize.NewFilter(d.Config.Filter),
		inFlight:   make(map[string]string),
	}
}

// Register installs all pipeline runners on the engine.
func (p *Pipeline) Register(eng *task.Engine) {
	eng.Register(task.KindAutoProcess, p.RunAutoProcess)
	eng.Register(task.KindProcessExisting, p.RunExistingFolder)
	eng.Register(task.KindExtract, p.RunExtract)
	eng.Register(task.KindMetadata, p.RunMetadata)
	eng.Register(task.KindFilter, p.RunFilter)
	eng.Register(task.KindRename, p.RunRename)
}

// acquireCode claims a work code for taskID. False means another task is
// already processing the code.
func (p *Pipeline) acquireCode(code, taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[code]; busy {
		return false
	}
	p.inFlight[code] = taskID
	return true
}

func (p *Pipeline) releaseCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, code)
}

// RunAutoProcess executes the full ingest flow for one archive. Failed runs
// clean up their temp outputs; conflict outcomes keep the quarantined copy.
func (p *Pipeline) RunAutoProcess(ctx context.Context, t *task.Task) error {
	err := p.autoProcess(ctx, t)
	if err != nil {
		p.cleanupFailed(t)
	}
	return err
}

func (p *Pipeline) autoProcess(ctx context.Context, t *task.Task) error {
	params := t.Params()
	source := params.SourcePath

	if err := t.Checkpoint(stepPrecheck, "预检查"); err != nil {
		return err
	}
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("source archive: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source %s is a directory, expected an archive", source)
	}

	code, hasCode := workcode.Extract(filepath.Base(source))
	if !hasCode {
		return fmt.Errorf("no work code in filename %q", filepath.Base(source))
	}
	t.SetWorkCode(code)

	if !params.AllowDuplicate {
		if res := p.detector.Check(ctx, code); res.Found {
			return p.completeWithConflict(t, code, res, source)
		}
	}
	if !p.acquireCode(code, t.ID()) {
		return p.completeWithConflict(t, code, processingConflict(), source)
	}
	defer p.releaseCode(code)

	if err := t.Checkpoint(stepExtract, "解压"); err != nil {
		return err
	}
	exres, err := p.extractor.Run(ctx, source, extract.Options{
		Checkpoint: func(step string) error { return t.Checkpoint(stepExtract, step) },
	})
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	t.SetOutputDir(exres.OutputDir)
	source = exres.SourcePath // extension repair may have renamed the archive

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
	dir, err := p.renamer.Apply(exres.OutputDir, work)
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
	if !params.AllowDuplicate {
		if res := p.detector.CheckDirect(code); res.Found && res.ExistingPath != dir {
			quarantined, qerr := library.MoveToConflicts(p.cfg.Storage.LibraryDir, dir)
			if qerr != nil {
				return fmt.Errorf("quarantine duplicate: %w", qerr)
			}
			t.SetOutputDir(quarantined)
			return p.completeWithConflict(t, code, res, quarantined)
		}
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
	if placed.Quarantined {
		kind := library.ConflictDuplicate
		if placed.Conflict != nil {
			kind = placed.Conflict.Kind
		}
		t.Progress(100, fmt.Sprintf("检测到冲突(%s)，等待人工处理", kind))
		return nil
	}

	if err := t.Checkpoint(stepArchive, "归档源文件"); err != nil {
		return err
	}
	p.archiveSource(t, source, code, params.SkipArchive)

	t.Progress(100, "完成")
	return nil
}

// transform runs the shared filter/flatten/prune stages in place and
// returns the directory (unchanged; the stages mutate its contents).
func (p *Pipeline) transform(t *task.Task, dir string) (string, error) {
	if err := t.Checkpoint(stepFilter, "过滤文件"); err != nil {
		return "", err
	}
	fres, err := p.filter.Apply(dir)
	if err != nil {
		return "", fmt.Errorf("filter: %w", err)
	}
	if fres.Files+fres.Folders > 0 {
		slog.Info("filter removed entries",
			slog.String("task_id", t.ID()),
			slog.Int("files", fres.Files),
			slog.Int("folders", fres.Folders))
	}

	if err := t.Checkpoint(stepFlatten, "扁平化目录"); err != nil {
		return "", err
	}
	organize.Flatten(dir, p.cfg.Rename.FlattenDepth)

	if err := t.Checkpoint(stepPrune, "清理空目录"); err != nil {
		return "", err
	}
	organize.Prune(dir, false)
	return dir, nil
}

// archiveSource moves the consumed archive into the pool, or just refreshes
// its row when the source already lives there. Bookkeeping failures do not
// undo a completed ingest.
func (p *Pipeline) archiveSource(t *task.Task, source, code string, skipArchive bool) {
	if skipArchive {
		if _, err := p.pool.RecordReprocess(source, t.ID()); err != nil {
			slog.Warn("reprocess bookkeeping failed",
				slog.String("task_id", t.ID()),
				slog.String("source", source),
				slog.Any("error", err))
		}
		return
	}
	if p.cfg.Watcher.DeleteAfterProcess {
		if err := os.Remove(source); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("delete source failed",
				slog.String("task_id", t.ID()),
				slog.String("source", source),
				slog.Any("error", err))
		}
		return
	}
	if _, err := p.pool.Archive(source, code, t.ID()); err != nil {
		slog.Warn("archive source failed",
			slog.String("task_id", t.ID()),
			slog.String("source", source),
			slog.Any("error", err))
	}
}

// completeWithConflict records the conflict and ends the task as the
// operator-facing waiting-manual outcome. Duplicates are not errors.
func (p *Pipeline) completeWithConflict(t *task.Task, code string, res dupe.Result, newPath string) error {
	rec, created, err := p.conflicts.Create(library.ConflictRecord{
		TaskID:       t.ID(),
		WorkCode:     code,
		Kind:         res.Kind,
		ExistingPath: res.ExistingPath,
		NewPath:      newPath,
		LinkedWorks:  res.LinkedWorks,
		Analysis:     res.Analysis,
		RelatedCodes: res.RelatedCodes,
	})
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}

	attrs := []any{
		slog.String("task_id", t.ID()),
		slog.String("work_code", code),
		slog.String("kind", res.Kind),
		slog.Bool("new_record", created),
	}
	if rec != nil {
		attrs = append(attrs, slog.String("conflict_id", rec.ID))
	}
	slog.Info("task parked on conflict, waiting for manual resolution", attrs...)

	t.Progress(100, fmt.Sprintf("检测到冲突(%s)，等待人工处理", res.Kind))
	return nil
}

// cleanupFailed removes the temp outputs a failed or canceled run left
// behind. Directories already moved into the library are never touched.
func (p *Pipeline) cleanupFailed(t *task.Task) {
	params := t.Params()
	p.extractor.CleanupOutputs(params.SourcePath)
	if out := t.Snapshot().OutputDir; out != "" && underDir(p.cfg.Storage.TempDir, out) {
		if err := os.RemoveAll(out); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("cleanup output failed",
				slog.String("task_id", t.ID()),
				slog.String("path", out),
				slog.Any("error", err))
		}
	}
}

func (p *Pipeline) updateLibraryGauge() {
	works, _ := p.snapshot.Totals()
	metrics.LibraryWorks.Set(float64(works))
}

// underDir reports whether path is inside root.
func underDir(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && rel != "." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
