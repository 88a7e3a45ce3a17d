// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"hibiki.cc/otokura/internal/command"
)

// taskCmd represents the task command group
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage ingest tasks",
	Long: `Manage ingest tasks on the otokura daemon.

Subcommands:
  submit  - Submit an archive or folder for processing
  list    - List tasks
  status  - Show one task in full
  cancel  - Cancel a task
  pause   - Pause a pending or running task
  resume  - Resume a paused task`,
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <source-path>",
	Short: "Submit an archive or folder for processing",
	Long: `Submit a source path to the task engine.

Kinds: auto_process (default, full pipeline for an archive),
process_existing_folder, extract, metadata, filter, rename.

Examples:
  otokura task submit /srv/incoming/RJ123456.zip
  otokura task submit -k process_existing_folder /srv/existing/RJ123456
  otokura task submit -k extract --password hunter2 /srv/incoming/locked.rar`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(30 * time.Second)
		if err := runTaskSubmit(context.Background(), client, os.Stdout, args[0]); err != nil {
			exitWithError("task submit failed", err)
		}
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(10 * time.Second)
		if err := runTaskList(context.Background(), client, os.Stdout, taskListStatus, taskListLimit); err != nil {
			exitWithError("task list failed", err)
		}
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show one task in full",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(10 * time.Second)
		raw, err := client.Call(context.Background(), "task_status", command.TaskIDParams{TaskID: args[0]})
		if err != nil {
			exitWithError("task status failed", err)
		}
		printJSON(raw)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskSignal("task_cancel", args[0], "canceled")
	},
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a pending or running task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskSignal("task_pause", args[0], "paused")
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskSignal("task_resume", args[0], "resumed")
	},
}

var (
	taskKind        string
	taskOutput      string
	taskClassify    bool
	taskSkipArchive bool
	taskPassword    string
	taskListStatus  string
	taskListLimit   int
)

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskPauseCmd)
	taskCmd.AddCommand(taskResumeCmd)

	taskSubmitCmd.Flags().StringVarP(&taskKind, "kind", "k", "auto_process", "task kind")
	taskSubmitCmd.Flags().StringVarP(&taskOutput, "output", "o", "", "output path override")
	taskSubmitCmd.Flags().BoolVar(&taskClassify, "classify", true, "classify into the library tree after processing")
	taskSubmitCmd.Flags().BoolVar(&taskSkipArchive, "skip-archive", false, "do not move the source into the processed pool")
	taskSubmitCmd.Flags().StringVar(&taskPassword, "password", "", "extraction password to try first")

	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "filter by status (PENDING, PROCESSING, PAUSED, WAITING_MANUAL, COMPLETED, FAILED)")
	taskListCmd.Flags().IntVar(&taskListLimit, "limit", 0, "cap the number of rows (0 = all)")
}

func runTaskSubmit(ctx context.Context, client caller, out io.Writer, source string) error {
	// The daemon resolves paths against its own working directory, so
	// relative CLI paths are made absolute here.
	abs, err := filepath.Abs(source)
	if err != nil {
		abs = source
	}
	raw, err := client.Call(ctx, "task_submit", command.TaskSubmitParams{
		Kind:         taskKind,
		SourcePath:   abs,
		OutputPath:   taskOutput,
		AutoClassify: taskClassify,
		SkipArchive:  taskSkipArchive,
		Password:     taskPassword,
	})
	if err != nil {
		return err
	}
	var snap struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintf(out, "Task %s submitted (%s).\n", snap.ID, snap.Status)
	return nil
}

// taskRow is the slice of a task snapshot the list view shows.
type taskRow struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	WorkCode   string `json:"work_code"`
	SourcePath string `json:"source_path"`
	Error      string `json:"error"`
}

func runTaskList(ctx context.Context, client caller, out io.Writer, status string, limit int) error {
	raw, err := client.Call(ctx, "task_list", command.TaskListParams{Status: status, Limit: limit})
	if err != nil {
		return err
	}
	var result struct {
		Tasks []taskRow `json:"tasks"`
		Count int       `json:"count"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if result.Count == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-24s  %-14s  %5s  %-10s  %s\n",
		"ID", "KIND", "STATUS", "PROG", "WORK", "SOURCE")
	for _, t := range result.Tasks {
		line := fmt.Sprintf("%-36s  %-24s  %-14s  %4d%%  %-10s  %s",
			t.ID, t.Kind, t.Status, t.Progress, t.WorkCode, filepath.Base(t.SourcePath))
		if t.Error != "" {
			line += "  (" + t.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runTaskSignal(method, taskID, verb string) {
	client := newClient(10 * time.Second)
	if _, err := client.Call(context.Background(), method, command.TaskIDParams{TaskID: taskID}); err != nil {
		exitWithError(fmt.Sprintf("%s failed", method), err)
	}
	fmt.Printf("Task %s %s.\n", taskID, verb)
}
