// Package command is the daemon's local control plane: JSON-RPC 2.0
// over a unix domain socket, one request per line. The CLI in cmd/ is
// the only intended client.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"hibiki.cc/otokura/internal/archival"
	"hibiki.cc/otokura/internal/companion"
	"hibiki.cc/otokura/internal/ingest"
	"hibiki.cc/otokura/internal/library"
	"hibiki.cc/otokura/internal/sweep"
	"hibiki.cc/otokura/internal/task"
	"hibiki.cc/otokura/internal/vault"
	"hibiki.cc/otokura/internal/watcher"
)

// ConfigReloader re-reads configuration on config_reload.
type ConfigReloader interface {
	Reload() error
}

// Deps carries the daemon services the handler fronts. Engine, Vault,
// Conflicts, Resolver and the sweepers back their own method families;
// the rest only enrich daemon_status and daemon_stats and may be nil.
type Deps struct {
	Engine    *task.Engine
	Resolver  *ingest.ConflictResolver
	Conflicts *library.ConflictStore
	Vault     *vault.Vault
	Snapshot  *library.Snapshot
	Pool      *archival.Pool
	ScanCache *library.ScanCache
	Companion *companion.Client
	Watcher   *watcher.Watcher
	Passwords *sweep.PasswordSweeper
	Archives  *sweep.ArchiveSweeper
	SweepLog  *sweep.Log
	Reloader  ConfigReloader
	Version   string
}

// CommandHandler routes control plane commands to the daemon services.
type CommandHandler struct {
	deps         Deps
	shutdownFunc func()
	startTime    time.Time
}

// NewCommandHandler creates a handler over the daemon services.
func NewCommandHandler(deps Deps) *CommandHandler {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &CommandHandler{deps: deps, startTime: time.Now()}
}

// SetShutdownFunc registers the callback daemon_shutdown invokes.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command is one decoded control plane request.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response is the handler's answer, transport-independent.
type Response struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is a JSON-RPC 2.0 error object.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

func success(id string, result any) Response {
	return Response{ID: id, Result: result}
}

func failure(id string, code int, format string, args ...any) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Handle dispatches one command.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "task_submit":
		return h.handleTaskSubmit(cmd)
	case "task_list":
		return h.handleTaskList(cmd)
	case "task_status":
		return h.handleTaskStatus(cmd)
	case "task_cancel":
		return h.handleTaskSignal(cmd, "canceled", h.deps.Engine.Cancel)
	case "task_pause":
		return h.handleTaskSignal(cmd, "paused", h.deps.Engine.Pause)
	case "task_resume":
		return h.handleTaskSignal(cmd, "resumed", h.deps.Engine.Resume)
	case "conflict_list":
		return h.handleConflictList(cmd)
	case "conflict_resolve":
		return h.handleConflictResolve(cmd)
	case "password_add":
		return h.handlePasswordAdd(cmd)
	case "password_list":
		return h.handlePasswordList(cmd)
	case "password_import":
		return h.handlePasswordImport(cmd)
	case "sweep_run":
		return h.handleSweepRun(ctx, cmd)
	case "sweep_history":
		return h.handleSweepHistory(cmd)
	case "daemon_status":
		return h.handleDaemonStatus(cmd)
	case "daemon_stats":
		return h.handleDaemonStats(ctx, cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(cmd)
	case "config_reload":
		return h.handleConfigReload(cmd)
	default:
		return failure(cmd.ID, ErrCodeMethodNotFound, "method %q not found", cmd.Method)
	}
}

// ─── Tasks ───

// TaskSubmitParams mirrors task.Params plus the kind selector.
type TaskSubmitParams struct {
	Kind         string `json:"kind"`
	SourcePath   string `json:"source_path"`
	OutputPath   string `json:"output_path,omitempty"`
	AutoClassify bool   `json:"auto_classify"`
	SkipArchive  bool   `json:"skip_archive,omitempty"`
	Password     string `json:"password,omitempty"`
}

func (h *CommandHandler) handleTaskSubmit(cmd Command) Response {
	var params TaskSubmitParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}
	kind := task.Kind(params.Kind)
	if !task.ValidKind(kind) {
		return failure(cmd.ID, ErrCodeInvalidParams, "unknown task kind %q", params.Kind)
	}
	if params.SourcePath == "" {
		return failure(cmd.ID, ErrCodeInvalidParams, "source_path is required")
	}

	snap, err := h.deps.Engine.Submit(kind, task.Params{
		SourcePath:   params.SourcePath,
		OutputPath:   params.OutputPath,
		AutoClassify: params.AutoClassify,
		SkipArchive:  params.SkipArchive,
		Password:     params.Password,
	})
	if err != nil {
		return failure(cmd.ID, ErrCodeInternalError, "submit task: %v", err)
	}
	return success(cmd.ID, snap)
}

// TaskListParams filters task_list. Empty status means every task.
type TaskListParams struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (h *CommandHandler) handleTaskList(cmd Command) Response {
	var params TaskListParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
		}
	}
	status := task.Status(params.Status)
	if params.Status != "" && !task.ValidStatus(status) {
		return failure(cmd.ID, ErrCodeInvalidParams, "unknown status %q", params.Status)
	}

	tasks := h.deps.Engine.List(status, params.Limit)
	return success(cmd.ID, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// TaskIDParams addresses one task.
type TaskIDParams struct {
	TaskID string `json:"task_id"`
}

func (h *CommandHandler) handleTaskStatus(cmd Command) Response {
	var params TaskIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}
	if params.TaskID == "" {
		return failure(cmd.ID, ErrCodeInvalidParams, "task_id is required")
	}
	snap, ok := h.deps.Engine.Get(params.TaskID)
	if !ok {
		return failure(cmd.ID, ErrCodeInvalidParams, "unknown task %q", params.TaskID)
	}
	return success(cmd.ID, snap)
}

func (h *CommandHandler) handleTaskSignal(cmd Command, verb string, apply func(string) error) Response {
	var params TaskIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}
	if params.TaskID == "" {
		return failure(cmd.ID, ErrCodeInvalidParams, "task_id is required")
	}
	if err := apply(params.TaskID); err != nil {
		return failure(cmd.ID, ErrCodeInternalError, "%s task: %v", verb, err)
	}

	result := map[string]any{"task_id": params.TaskID, "status": verb}
	if snap, ok := h.deps.Engine.Get(params.TaskID); ok {
		result["task"] = snap
	}
	return success(cmd.ID, result)
}

// ─── Conflicts ───

// ConflictListParams filters conflict_list. Empty status means all.
type ConflictListParams struct {
	Status string `json:"status,omitempty"`
}

func (h *CommandHandler) handleConflictList(cmd Command) Response {
	var params ConflictListParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
		}
	}
	records, err := h.deps.Conflicts.List(params.Status)
	if err != nil {
		return failure(cmd.ID, ErrCodeInternalError, "list conflicts: %v", err)
	}
	return success(cmd.ID, map[string]any{
		"conflicts": records,
		"count":     len(records),
	})
}

// ConflictResolveParams names the record and the chosen action.
type ConflictResolveParams struct {
	ConflictID string `json:"conflict_id"`
	Action     string `json:"action"`
}

func (h *CommandHandler) handleConflictResolve(cmd Command) Response {
	var params ConflictResolveParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}
	if params.ConflictID == "" || params.Action == "" {
		return failure(cmd.ID, ErrCodeInvalidParams, "conflict_id and action are required")
	}
	if !library.ValidResolution(params.Action) {
		return failure(cmd.ID, ErrCodeInvalidParams, "unknown action %q", params.Action)
	}

	rec, err := h.deps.Resolver.Resolve(params.ConflictID, params.Action)
	if err != nil {
		return failure(cmd.ID, ErrCodeInternalError, "resolve conflict: %v", err)
	}
	return success(cmd.ID, rec)
}

// ─── Passwords ───

// PasswordAddParams adds one manual vault entry.
type PasswordAddParams struct {
	Password    string `json:"password"`
	WorkCode    string `json:"work_code,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Description string `json:"description,omitempty"`
}

func (h *CommandHandler) handlePasswordAdd(cmd Command) Response {
	var params PasswordAddParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}
	entry, err := h.deps.Vault.Add(vault.Entry{
		Password:    params.Password,
		WorkCode:    params.WorkCode,
		Filename:    params.Filename,
		Description: params.Description,
		Source:      vault.SourceManual,
	})
	if err != nil {
		return failure(cmd.ID, ErrCodeInvalidParams, "add password: %v", err)
	}
	return success(cmd.ID, entry)
}

func (h *CommandHandler) handlePasswordList(cmd Command) Response {
	entries := h.deps.Vault.List()
	return success(cmd.ID, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// PasswordImportParams carries a batch of entries to import.
type PasswordImportParams struct {
	Entries []PasswordAddParams `json:"entries"`
}

func (h *CommandHandler) handlePasswordImport(cmd Command) Response {
	var params PasswordImportParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}
	if len(params.Entries) == 0 {
		return failure(cmd.ID, ErrCodeInvalidParams, "entries is empty")
	}

	entries := make([]vault.Entry, 0, len(params.Entries))
	for _, p := range params.Entries {
		entries = append(entries, vault.Entry{
			Password:    p.Password,
			WorkCode:    p.WorkCode,
			Filename:    p.Filename,
			Description: p.Description,
		})
	}
	added, err := h.deps.Vault.Import(entries)
	if err != nil {
		return failure(cmd.ID, ErrCodeInternalError, "import passwords: %v", err)
	}
	return success(cmd.ID, map[string]any{
		"imported": added,
		"skipped":  len(entries) - added,
	})
}

// ─── Sweepers ───

// SweepRunParams picks which sweeper to run and whether to delete.
type SweepRunParams struct {
	Sweeper string `json:"sweeper"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

func (h *CommandHandler) handleSweepRun(ctx context.Context, cmd Command) Response {
	var params SweepRunParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}
	switch params.Sweeper {
	case "password":
		report, err := h.deps.Passwords.RunNow(params.DryRun)
		if err != nil {
			return failure(cmd.ID, ErrCodeInternalError, "password sweep: %v", err)
		}
		return success(cmd.ID, report)
	case "archive":
		report, err := h.deps.Archives.RunNow(ctx, params.DryRun)
		if err != nil {
			return failure(cmd.ID, ErrCodeInternalError, "archive sweep: %v", err)
		}
		return success(cmd.ID, report)
	default:
		return failure(cmd.ID, ErrCodeInvalidParams, "unknown sweeper %q (want password or archive)", params.Sweeper)
	}
}

// SweepHistoryParams filters sweep_history. Empty sweeper means both.
type SweepHistoryParams struct {
	Sweeper string `json:"sweeper,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (h *CommandHandler) handleSweepHistory(cmd Command) Response {
	var params SweepHistoryParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
		}
	}
	switch params.Sweeper {
	case "", "password", "archive":
	default:
		return failure(cmd.ID, ErrCodeInvalidParams, "unknown sweeper %q", params.Sweeper)
	}

	rows, err := h.deps.SweepLog.History(params.Sweeper, params.Limit)
	if err != nil {
		return failure(cmd.ID, ErrCodeInternalError, "sweep history: %v", err)
	}
	return success(cmd.ID, map[string]any{
		"runs":  rows,
		"count": len(rows),
	})
}

// ─── Daemon ───

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	result := map[string]any{
		"version":    h.deps.Version,
		"started_at": h.startTime.UTC(),
		"uptime_sec": int64(time.Since(h.startTime).Seconds()),
		"tasks":      h.deps.Engine.Stats(),
	}
	if h.deps.Conflicts != nil {
		result["conflicts_pending"] = h.deps.Conflicts.CountPending()
	}
	if h.deps.Watcher != nil {
		result["watcher"] = map[string]any{
			"enabled": true,
			"pending": h.deps.Watcher.Pending(),
		}
	} else {
		result["watcher"] = map[string]any{"enabled": false}
	}
	sweepers := map[string]any{}
	if h.deps.Passwords != nil {
		sweepers["password"] = sweeperStatus(h.deps.Passwords.Running(), h.deps.Passwords.NextRun())
	}
	if h.deps.Archives != nil {
		sweepers["archive"] = sweeperStatus(h.deps.Archives.Running(), h.deps.Archives.NextRun())
	}
	result["sweepers"] = sweepers
	return success(cmd.ID, result)
}

func sweeperStatus(running bool, next time.Time) map[string]any {
	st := map[string]any{"running": running}
	if !next.IsZero() {
		st["next_run"] = next.UTC()
	}
	return st
}

func (h *CommandHandler) handleDaemonStats(ctx context.Context, cmd Command) Response {
	result := map[string]any{
		"tasks": h.deps.Engine.Stats(),
	}
	if h.deps.Snapshot != nil {
		works, bytes := h.deps.Snapshot.Totals()
		result["library"] = map[string]any{"works": works, "total_bytes": bytes}
	}
	if h.deps.Pool != nil {
		result["pool"] = map[string]any{
			"archives":    h.deps.Pool.Count(),
			"total_bytes": h.deps.Pool.TotalSize(),
		}
	}
	if h.deps.Vault != nil {
		result["vault"] = map[string]any{"entries": h.deps.Vault.Count()}
	}
	if h.deps.Conflicts != nil {
		result["conflicts"] = map[string]any{"pending": h.deps.Conflicts.CountPending()}
	}
	if h.deps.ScanCache != nil {
		result["scan_cache"] = map[string]any{"folders": h.deps.ScanCache.Count()}
	}
	if h.deps.Companion != nil && h.deps.Companion.Enabled() {
		result["companion"] = h.deps.Companion.TestConnection(ctx)
	}
	return success(cmd.ID, result)
}

func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return failure(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}
	slog.Info("shutdown requested over control socket")
	// Fired async so this response still reaches the client.
	go h.shutdownFunc()
	return success(cmd.ID, map[string]any{"status": "shutting_down"})
}

func (h *CommandHandler) handleConfigReload(cmd Command) Response {
	if h.deps.Reloader == nil {
		return failure(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.deps.Reloader.Reload(); err != nil {
		return failure(cmd.ID, ErrCodeInternalError, "reload config: %v", err)
	}
	return success(cmd.ID, map[string]any{"status": "reloaded"})
}
