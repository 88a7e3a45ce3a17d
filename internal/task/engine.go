package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"hibiki.cc/otokura/internal/metrics"
	"hibiki.cc/otokura/internal/workcode"
)

// RunnerFunc executes one task kind. It must call t.Checkpoint between steps
// so pause and cancel take effect.
type RunnerFunc func(ctx context.Context, t *Task) error

const queueCapacity = 1024

// Engine owns the task queue, the worker pool and the persisted history.
type Engine struct {
	store         Store
	maxConcurrent int

	mu       sync.RWMutex
	tasks    map[string]*Task
	inFlight map[string]string // dedupe key -> task id
	runners  map[Kind]RunnerFunc

	queue  chan *Task
	slots  chan struct{}
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEngine builds an engine. Runners are registered before Start.
func NewEngine(store Store, maxConcurrent int) *Engine {
	if store == nil {
		store = NewNoopStore()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Engine{
		store:         store,
		maxConcurrent: maxConcurrent,
		tasks:         make(map[string]*Task),
		inFlight:      make(map[string]string),
		runners:       make(map[Kind]RunnerFunc),
		queue:         make(chan *Task, queueCapacity),
		slots:         make(chan struct{}, maxConcurrent),
	}
}

// Register installs the runner for a kind. Must be called before Start.
func (e *Engine) Register(kind Kind, fn RunnerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[kind] = fn
}

// Start launches the dispatcher. Safe to call once.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.ctx, e.cancel = context.WithCancel(ctx)
		e.wg.Add(1)
		go e.dispatch()
		slog.Info("task engine started", slog.Int("max_concurrent", e.maxConcurrent))
	})
}

// Stop cancels running tasks and waits for workers to drain.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		var running []*Task
		for _, t := range e.tasks {
			if t.Status() == StatusProcessing {
				running = append(running, t)
			}
		}
		e.mu.Unlock()

		if e.cancel != nil {
			e.cancel()
		}
		// Unblock checkpoint waiters; queued tasks keep their persisted
		// PENDING rows and are requeued on the next start.
		for _, t := range running {
			t.cancelForShutdown()
		}
		close(e.queue)
		e.wg.Wait()
		slog.Info("task engine stopped")
	})
}

// Submit validates, dedupes and enqueues a new task.
func (e *Engine) Submit(kind Kind, params Params) (Snapshot, error) {
	if !ValidKind(kind) {
		return Snapshot{}, fmt.Errorf("unknown task kind %q", kind)
	}
	if params.SourcePath == "" {
		return Snapshot{}, fmt.Errorf("source_path is required")
	}

	t := New(kind, params)
	if code, ok := workcode.Extract(filepath.Base(params.SourcePath)); ok {
		t.SetWorkCode(code)
	}
	key := pathKey(params.SourcePath)

	// The enqueue happens under the lock so Stop cannot close the queue
	// between the closed check and the send.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Snapshot{}, fmt.Errorf("task engine is shutting down")
	}
	if otherID, busy := e.inFlight[key]; busy {
		e.mu.Unlock()
		return Snapshot{}, fmt.Errorf("source already queued or processing (task %s)", otherID)
	}
	e.inFlight[key] = t.id
	e.tasks[t.id] = t
	select {
	case e.queue <- t:
	default:
		delete(e.inFlight, key)
		delete(e.tasks, t.id)
		e.mu.Unlock()
		return Snapshot{}, fmt.Errorf("task queue full (%d pending)", queueCapacity)
	}
	e.mu.Unlock()

	snap := t.Snapshot()
	if err := e.store.Save(snap); err != nil {
		slog.Warn("persist submitted task failed", append(t.LogAttrs(), slog.Any("error", err))...)
	}

	metrics.TasksSubmittedTotal.WithLabelValues(string(kind)).Inc()
	slog.Info("task submitted", t.LogAttrs()...)
	return snap, nil
}

func pathKey(source string) string {
	return filepath.Clean(source)
}

// release frees the dedupe keys a task holds.
func (e *Engine) release(t *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, id := range e.inFlight {
		if id == t.id {
			delete(e.inFlight, k)
		}
	}
}

// ActiveForPath reports whether a queued or running task already owns path.
// The watcher uses this to skip files with live tasks.
func (e *Engine) ActiveForPath(path string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.inFlight[pathKey(path)]
	return ok
}

// dispatch hands each queued task its own goroutine. The goroutine passes the
// pause gate first and only then takes a worker slot, so paused tasks do not
// hold slots.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	for t := range e.queue {
		e.wg.Add(1)
		go e.runTask(t)
	}
}

func (e *Engine) runTask(t *Task) {
	defer e.wg.Done()

	// Pass the pause gate before taking a slot so paused tasks do not
	// starve the pool.
	if err := t.awaitRunnable(e.ctx.Done()); err != nil {
		if errors.Is(err, ErrCanceled) {
			e.finishTask(t, err, time.Time{})
		}
		return
	}

	select {
	case e.slots <- struct{}{}:
	case <-e.ctx.Done():
		return
	}
	defer func() { <-e.slots }()

	e.mu.RLock()
	runner := e.runners[t.kind]
	e.mu.RUnlock()
	if runner == nil {
		e.finishTask(t, fmt.Errorf("no runner registered for kind %q", t.kind), time.Time{})
		return
	}

	t.markProcessing()
	if err := e.store.Save(t.Snapshot()); err != nil {
		slog.Warn("persist processing task failed", append(t.LogAttrs(), slog.Any("error", err))...)
	}
	metrics.TasksActive.Inc()
	started := time.Now()
	slog.Info("task started", t.LogAttrs()...)

	err := runner(e.ctx, t)
	metrics.TasksActive.Dec()
	e.finishTask(t, err, started)
}

func (e *Engine) finishTask(t *Task, err error, started time.Time) {
	t.finish(err)
	e.release(t)

	snap := t.Snapshot()
	if perr := e.store.Save(snap); perr != nil {
		slog.Warn("persist finished task failed", append(t.LogAttrs(), slog.Any("error", perr))...)
	}

	metrics.TasksCompletedTotal.WithLabelValues(string(t.kind), string(snap.Status)).Inc()
	if !started.IsZero() {
		metrics.TaskDurationSeconds.WithLabelValues(string(t.kind)).Observe(time.Since(started).Seconds())
	}

	if snap.Status == StatusFailed {
		slog.Error("task failed", append(t.LogAttrs(), slog.String("error", snap.Error))...)
	} else {
		slog.Info("task completed", t.LogAttrs()...)
	}
}

// UpdateStatus force-sets a task's status and message. External resolution
// callbacks use it to stamp the outcome on the bound task, including tasks
// that already completed with a waiting-manual message.
func (e *Engine) UpdateStatus(id string, status Status, message string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("unknown status %q", status)
	}
	t, err := e.live(id)
	if err != nil {
		return err
	}
	t.forceStatus(status, message)
	if status.Terminal() {
		e.release(t)
	}
	if perr := e.store.Save(t.Snapshot()); perr != nil {
		slog.Warn("persist updated task failed", append(t.LogAttrs(), slog.Any("error", perr))...)
	}
	return nil
}

// Get returns the snapshot of a live or historical task.
func (e *Engine) Get(id string) (Snapshot, bool) {
	e.mu.RLock()
	t, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// List returns snapshots newest first, optionally filtered by status.
// limit <= 0 returns everything.
func (e *Engine) List(status Status, limit int) []Snapshot {
	e.mu.RLock()
	snaps := make([]Snapshot, 0, len(e.tasks))
	for _, t := range e.tasks {
		s := t.Snapshot()
		if status != "" && s.Status != status {
			continue
		}
		snaps = append(snaps, s)
	}
	e.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps
}

// Pause latches a task at its next checkpoint.
func (e *Engine) Pause(id string) error {
	t, err := e.live(id)
	if err != nil {
		return err
	}
	if err := t.Pause(); err != nil {
		return err
	}
	if perr := e.store.Save(t.Snapshot()); perr != nil {
		slog.Warn("persist paused task failed", append(t.LogAttrs(), slog.Any("error", perr))...)
	}
	slog.Info("task paused", t.LogAttrs()...)
	return nil
}

// Resume releases a paused task.
func (e *Engine) Resume(id string) error {
	t, err := e.live(id)
	if err != nil {
		return err
	}
	if err := t.Resume(); err != nil {
		return err
	}
	if perr := e.store.Save(t.Snapshot()); perr != nil {
		slog.Warn("persist resumed task failed", append(t.LogAttrs(), slog.Any("error", perr))...)
	}
	slog.Info("task resumed", t.LogAttrs()...)
	return nil
}

// Cancel flags a task; the worker observes the flag at its next checkpoint.
func (e *Engine) Cancel(id string) error {
	t, err := e.live(id)
	if err != nil {
		return err
	}
	if err := t.Cancel(); err != nil {
		return err
	}
	slog.Info("task cancel requested", t.LogAttrs()...)
	return nil
}

func (e *Engine) live(id string) (*Task, error) {
	e.mu.RLock()
	t, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	return t, nil
}

// Restore loads persisted tasks after a restart. Tasks that died mid-run are
// failed, never silently re-executed; queued ones are resubmitted.
func (e *Engine) Restore() (requeued, failed int, err error) {
	snaps, err := e.store.List()
	if err != nil {
		return 0, 0, fmt.Errorf("restore tasks: %w", err)
	}
	for _, snap := range snaps {
		t := fromSnapshot(snap)
		switch snap.Status {
		case StatusProcessing:
			t.mu.Lock()
			t.status = StatusFailed
			t.errMessage = "daemon restart"
			t.finishedAt = time.Now()
			t.mu.Unlock()
			if perr := e.store.Save(t.Snapshot()); perr != nil {
				slog.Warn("persist restart-failed task failed", append(t.LogAttrs(), slog.Any("error", perr))...)
			}
			failed++
			e.mu.Lock()
			e.tasks[t.id] = t
			e.mu.Unlock()
		case StatusPending, StatusPaused:
			e.mu.Lock()
			e.tasks[t.id] = t
			e.inFlight[pathKey(t.params.SourcePath)] = t.id
			e.mu.Unlock()
			select {
			case e.queue <- t:
				requeued++
			default:
				slog.Warn("restore: queue full, dropping task", t.LogAttrs()...)
				e.release(t)
			}
		default:
			e.mu.Lock()
			e.tasks[t.id] = t
			e.mu.Unlock()
		}
	}
	if requeued > 0 || failed > 0 {
		slog.Info("task restore finished",
			slog.Int("requeued", requeued),
			slog.Int("failed_on_restart", failed),
			slog.Int("history", len(snaps)-requeued-failed))
	}
	return requeued, failed, nil
}

// fromSnapshot rebuilds an in-memory task from its persisted row.
func fromSnapshot(s Snapshot) *Task {
	t := &Task{
		id:   s.ID,
		kind: s.Kind,
		params: Params{
			SourcePath:     s.SourcePath,
			OutputPath:     s.OutputPath,
			AutoClassify:   s.AutoClassify,
			SkipArchive:    s.SkipArchive,
			AllowDuplicate: s.AllowDuplicate,
		},
		status:      s.Status,
		progress:    s.Progress,
		currentStep: s.CurrentStep,
		errMessage:  s.Error,
		workCode:    s.WorkCode,
		outputDir:   s.OutputDir,
		createdAt:   s.CreatedAt,
		startedAt:   s.StartedAt,
		finishedAt:  s.FinishedAt,
	}
	if s.Status == StatusPaused {
		t.paused = true
		t.resume = make(chan struct{})
	}
	return t
}

// GC drops the oldest terminal tasks beyond maxHistory from memory and disk.
// WAITING_MANUAL tasks are never collected.
func (e *Engine) GC(maxHistory int) int {
	if maxHistory < 0 {
		maxHistory = 0
	}

	e.mu.Lock()
	var done []*Task
	for _, t := range e.tasks {
		if t.Status().Terminal() {
			done = append(done, t)
		}
	}
	if len(done) <= maxHistory {
		e.mu.Unlock()
		return 0
	}
	sort.Slice(done, func(i, j int) bool {
		return done[i].Snapshot().FinishedAt.Before(done[j].Snapshot().FinishedAt)
	})
	victims := done[:len(done)-maxHistory]
	for _, t := range victims {
		delete(e.tasks, t.id)
	}
	e.mu.Unlock()

	for _, t := range victims {
		if err := e.store.Delete(t.id); err != nil {
			slog.Warn("gc: delete persisted task failed", append(t.LogAttrs(), slog.Any("error", err))...)
		}
	}
	if len(victims) > 0 {
		slog.Debug("task history gc", slog.Int("removed", len(victims)))
	}
	return len(victims)
}

// StartGC runs GC on a ticker until ctx is done.
func (e *Engine) StartGC(ctx context.Context, interval time.Duration, maxHistory int) {
	if interval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.GC(maxHistory)
			}
		}
	}()
}

// Stats summarises the engine for daemon_stats.
type Stats struct {
	Total         int `json:"total"`
	Pending       int `json:"pending"`
	Processing    int `json:"processing"`
	Paused        int `json:"paused"`
	WaitingManual int `json:"waiting_manual"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	QueueDepth    int `json:"queue_depth"`
	MaxConcurrent int `json:"max_concurrent"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Stats{
		Total:         len(e.tasks),
		QueueDepth:    len(e.queue),
		MaxConcurrent: e.maxConcurrent,
	}
	for _, t := range e.tasks {
		switch t.Status() {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusPaused:
			st.Paused++
		case StatusWaitingManual:
			st.WaitingManual++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}
