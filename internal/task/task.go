package task

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a task does with its source path.
type Kind string

const (
	// KindAutoProcess runs the full ingest pipeline on a single archive.
	KindAutoProcess Kind = "auto_process"
	// KindProcessExisting ingests an already-extracted folder.
	KindProcessExisting Kind = "process_existing_folder"
	// KindExtract only extracts an archive, no metadata or classify.
	KindExtract Kind = "extract"
	// KindMetadata fetches metadata for a work folder.
	KindMetadata Kind = "metadata"
	// KindFilter applies filter rules below a folder.
	KindFilter Kind = "filter"
	// KindRename renames a work folder from its metadata.
	KindRename Kind = "rename"
)

// ValidKind reports whether k names a known task kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindAutoProcess, KindProcessExisting, KindExtract, KindMetadata, KindFilter, KindRename:
		return true
	}
	return false
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProcessing    Status = "PROCESSING"
	StatusPaused        Status = "PAUSED"
	StatusWaitingManual Status = "WAITING_MANUAL"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidStatus reports whether s names a known lifecycle state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPaused, StatusWaitingManual, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ErrCanceled is returned from Checkpoint once a task has been canceled.
var ErrCanceled = fmt.Errorf("task canceled")

// Params carries the submit-time options of a task. AllowDuplicate is set
// on merge resolutions so the pipeline skips duplicate checks and files the
// copy next to the surviving one.
type Params struct {
	SourcePath     string `json:"source_path"`
	OutputPath     string `json:"output_path,omitempty"`
	AutoClassify   bool   `json:"auto_classify"`
	SkipArchive    bool   `json:"skip_archive,omitempty"`
	AllowDuplicate bool   `json:"allow_duplicate,omitempty"`
	Password       string `json:"password,omitempty"`
}

// Task is a single unit of ingest work. All mutable fields are guarded by mu;
// reads from other goroutines go through Snapshot or the getters.
type Task struct {
	mu sync.Mutex

	id     string
	kind   Kind
	params Params

	status      Status
	progress    int
	currentStep string
	errMessage  string
	workCode    string
	outputDir   string

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	canceled     bool
	cancelReason string
	// resume is closed whenever the task is allowed to run. A paused task
	// holds an open channel that Resume closes.
	resume chan struct{}
	paused bool
}

// errShutdown tells the worker to abandon a task without finishing it so the
// persisted PENDING or PAUSED row survives the restart.
var errShutdown = fmt.Errorf("shutting down")

// New creates a PENDING task with a fresh id.
func New(kind Kind, params Params) *Task {
	return &Task{
		id:        uuid.NewString(),
		kind:      kind,
		params:    params,
		status:    StatusPending,
		createdAt: time.Now(),
	}
}

func (t *Task) ID() string     { return t.id }
func (t *Task) Kind() Kind     { return t.kind }
func (t *Task) Params() Params { return t.params }

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// WorkCode returns the work code once the task has discovered it.
func (t *Task) WorkCode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workCode
}

// SetWorkCode records the work code extracted from the source filename.
func (t *Task) SetWorkCode(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workCode = code
}

// SetOutputDir records where the task produced its result.
func (t *Task) SetOutputDir(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outputDir = dir
}

// Progress updates the completion percentage and the operator-visible step
// label. Values outside 0..100 are clamped.
func (t *Task) Progress(pct int, step string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if pct > t.progress {
		t.progress = pct
	}
	if step != "" {
		t.currentStep = step
	}
}

// Checkpoint is the honour point pipelines call between steps. It blocks
// while the task is paused and returns ErrCanceled once the task has been
// canceled. Progress is updated first so a paused task shows where it stopped.
func (t *Task) Checkpoint(pct int, step string) error {
	t.Progress(pct, step)

	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return ErrCanceled
	}
	gate := t.resume
	t.mu.Unlock()

	if gate != nil {
		<-gate
		t.mu.Lock()
		canceled := t.canceled
		t.mu.Unlock()
		if canceled {
			return ErrCanceled
		}
	}
	return nil
}

// Pause latches the task. A PENDING task pauses immediately; a PROCESSING
// task keeps its status and blocks at the next checkpoint.
func (t *Task) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return fmt.Errorf("task %s is %s", t.id, t.status)
	}
	if t.paused {
		return nil
	}
	t.paused = true
	t.resume = make(chan struct{})
	if t.status == StatusPending {
		t.status = StatusPaused
	}
	return nil
}

// Resume releases a paused task.
func (t *Task) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return fmt.Errorf("task %s is not paused", t.id)
	}
	t.paused = false
	close(t.resume)
	t.resume = nil
	if t.status == StatusPaused {
		t.status = StatusPending
	}
	return nil
}

// Cancel marks the task canceled and releases any checkpoint waiters so the
// worker can observe the flag. Terminal tasks cannot be canceled.
func (t *Task) Cancel() error {
	return t.cancel("canceled by operator")
}

// cancelForShutdown cancels a running task during daemon shutdown.
func (t *Task) cancelForShutdown() {
	_ = t.cancel("daemon shutdown")
}

func (t *Task) cancel(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return fmt.Errorf("task %s is %s", t.id, t.status)
	}
	t.canceled = true
	t.cancelReason = reason
	if t.resume != nil {
		close(t.resume)
		t.resume = nil
		t.paused = false
	}
	return nil
}

// awaitRunnable blocks until the task may start. It returns ErrCanceled when
// the task was canceled and errShutdown when done fires first.
func (t *Task) awaitRunnable(done <-chan struct{}) error {
	for {
		t.mu.Lock()
		if t.canceled {
			t.mu.Unlock()
			return ErrCanceled
		}
		gate := t.resume
		t.mu.Unlock()
		if gate == nil {
			return nil
		}
		select {
		case <-gate:
		case <-done:
			return errShutdown
		}
	}
}

// Canceled reports whether Cancel has been called.
func (t *Task) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

func (t *Task) markProcessing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusProcessing
	t.startedAt = time.Now()
	if t.currentStep == "" {
		t.currentStep = "开始处理"
	}
}

// finish moves the task to a terminal state. A canceled task always lands in
// FAILED regardless of the pipeline outcome.
func (t *Task) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishedAt = time.Now()
	switch {
	case t.canceled:
		t.status = StatusFailed
		t.errMessage = t.cancelReason
	case err != nil:
		t.status = StatusFailed
		t.errMessage = err.Error()
	default:
		t.status = StatusCompleted
		t.progress = 100
	}
}

// forceStatus overrides the lifecycle state. Resolution callbacks use it
// through Engine.UpdateStatus to stamp the outcome on the bound task.
func (t *Task) forceStatus(status Status, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	if message != "" {
		t.currentStep = message
	}
	if status.Terminal() {
		if t.finishedAt.IsZero() {
			t.finishedAt = time.Now()
		}
		if status == StatusCompleted {
			t.progress = 100
		}
	}
}

// Snapshot is the immutable JSON view of a task, used both for RPC responses
// and for persistence.
type Snapshot struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Status         Status    `json:"status"`
	SourcePath     string    `json:"source_path"`
	OutputPath     string    `json:"output_path,omitempty"`
	OutputDir      string    `json:"output_dir,omitempty"`
	AutoClassify   bool      `json:"auto_classify"`
	SkipArchive    bool      `json:"skip_archive,omitempty"`
	AllowDuplicate bool      `json:"allow_duplicate,omitempty"`
	WorkCode       string    `json:"work_code,omitempty"`
	Progress       int       `json:"progress"`
	CurrentStep    string    `json:"current_step,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Snapshot returns a copy of the task state safe to hand across goroutines.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:             t.id,
		Kind:           t.kind,
		Status:         t.status,
		SourcePath:     t.params.SourcePath,
		OutputPath:     t.params.OutputPath,
		OutputDir:      t.outputDir,
		AutoClassify:   t.params.AutoClassify,
		SkipArchive:    t.params.SkipArchive,
		AllowDuplicate: t.params.AllowDuplicate,
		WorkCode:       t.workCode,
		Progress:       t.progress,
		CurrentStep:    t.currentStep,
		Error:          t.errMessage,
		CreatedAt:      t.createdAt,
		StartedAt:      t.startedAt,
		FinishedAt:     t.finishedAt,
	}
}

// LogAttrs returns the slog attributes shared by task log lines.
func (t *Task) LogAttrs() []any {
	return []any{
		slog.String("task_id", t.id),
		slog.String("kind", string(t.kind)),
		slog.String("source", t.params.SourcePath),
	}
}
