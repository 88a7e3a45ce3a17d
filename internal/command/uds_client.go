package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// UDSClient dials the daemon's control socket for one call at a time.
// It is what the CLI subcommands run on.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a client for socketPath. A zero timeout gets a
// 10s default.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{socketPath: socketPath, timeout: timeout}
}

// Call sends one request and waits for its response line. A response
// carrying a JSON-RPC error comes back as a Go error.
func (c *UDSClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("command: connect %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("command: marshal params: %w", err)
		}
		rawParams = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  rawParams,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("command: send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("command: read response: %w", err)
		}
		return nil, fmt.Errorf("command: connection closed without response")
	}

	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *ErrorInfo      `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("command: parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", resp.ID); got != reqID {
		return nil, fmt.Errorf("command: response id mismatch: want %s, got %s", reqID, got)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

// CallInto performs Call and decodes the result into out.
func (c *UDSClient) CallInto(ctx context.Context, method string, params, out any) error {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("command: decode %s result: %w", method, err)
	}
	return nil
}

// Ping checks whether a daemon is answering on the socket.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "daemon_status", nil)
	return err
}

func (c *UDSClient) TaskSubmit(ctx context.Context, params TaskSubmitParams) (json.RawMessage, error) {
	return c.Call(ctx, "task_submit", params)
}

func (c *UDSClient) TaskList(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	return c.Call(ctx, "task_list", TaskListParams{Status: status, Limit: limit})
}

func (c *UDSClient) TaskStatus(ctx context.Context, taskID string) (json.RawMessage, error) {
	return c.Call(ctx, "task_status", TaskIDParams{TaskID: taskID})
}

func (c *UDSClient) TaskCancel(ctx context.Context, taskID string) (json.RawMessage, error) {
	return c.Call(ctx, "task_cancel", TaskIDParams{TaskID: taskID})
}

func (c *UDSClient) TaskPause(ctx context.Context, taskID string) (json.RawMessage, error) {
	return c.Call(ctx, "task_pause", TaskIDParams{TaskID: taskID})
}

func (c *UDSClient) TaskResume(ctx context.Context, taskID string) (json.RawMessage, error) {
	return c.Call(ctx, "task_resume", TaskIDParams{TaskID: taskID})
}

func (c *UDSClient) ConflictList(ctx context.Context, status string) (json.RawMessage, error) {
	return c.Call(ctx, "conflict_list", ConflictListParams{Status: status})
}

func (c *UDSClient) ConflictResolve(ctx context.Context, conflictID, action string) (json.RawMessage, error) {
	return c.Call(ctx, "conflict_resolve", ConflictResolveParams{ConflictID: conflictID, Action: action})
}

func (c *UDSClient) PasswordAdd(ctx context.Context, params PasswordAddParams) (json.RawMessage, error) {
	return c.Call(ctx, "password_add", params)
}

func (c *UDSClient) PasswordList(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "password_list", nil)
}

func (c *UDSClient) PasswordImport(ctx context.Context, entries []PasswordAddParams) (json.RawMessage, error) {
	return c.Call(ctx, "password_import", PasswordImportParams{Entries: entries})
}

func (c *UDSClient) SweepRun(ctx context.Context, sweeper string, dryRun bool) (json.RawMessage, error) {
	return c.Call(ctx, "sweep_run", SweepRunParams{Sweeper: sweeper, DryRun: dryRun})
}

func (c *UDSClient) SweepHistory(ctx context.Context, sweeper string, limit int) (json.RawMessage, error) {
	return c.Call(ctx, "sweep_history", SweepHistoryParams{Sweeper: sweeper, Limit: limit})
}

func (c *UDSClient) DaemonStatus(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "daemon_status", nil)
}

func (c *UDSClient) DaemonStats(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "daemon_stats", nil)
}

func (c *UDSClient) DaemonShutdown(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "daemon_shutdown", nil)
}

func (c *UDSClient) ConfigReload(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "config_reload", nil)
}
