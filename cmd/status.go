// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the otokura daemon for its overall status.

Shows: version, uptime, task counts, pending conflicts, watcher state and
the next scheduled sweeper runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(10 * time.Second)
		if err := runStatus(context.Background(), client, os.Stdout, statusJSON); err != nil {
			exitWithError("daemon is not running or socket is inaccessible", err)
		}
	},
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw JSON response")
}

// daemonStatus mirrors the daemon_status result.
type daemonStatus struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	UptimeSec int64     `json:"uptime_sec"`
	Tasks     struct {
		Total         int `json:"total"`
		Pending       int `json:"pending"`
		Processing    int `json:"processing"`
		Paused        int `json:"paused"`
		WaitingManual int `json:"waiting_manual"`
		Completed     int `json:"completed"`
		Failed        int `json:"failed"`
		QueueDepth    int `json:"queue_depth"`
		MaxConcurrent int `json:"max_concurrent"`
	} `json:"tasks"`
	ConflictsPending int `json:"conflicts_pending"`
	Watcher          struct {
		Enabled bool `json:"enabled"`
		Pending int  `json:"pending"`
	} `json:"watcher"`
	Sweepers map[string]sweeperState `json:"sweepers"`
}

type sweeperState struct {
	Running bool       `json:"running"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

func runStatus(ctx context.Context, client caller, out io.Writer, rawJSON bool) error {
	raw, err := client.Call(ctx, "daemon_status", nil)
	if err != nil {
		return err
	}
	if rawJSON {
		printJSON(raw)
		return nil
	}

	var st daemonStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Fprintf(out, "otokura %s, started %s\n", st.Version, humanize.Time(st.StartedAt))
	fmt.Fprintf(out, "Tasks: %d processing / %d pending / %d paused / %d waiting manual (%d total, %d failed, slots %d)\n",
		st.Tasks.Processing, st.Tasks.Pending, st.Tasks.Paused, st.Tasks.WaitingManual,
		st.Tasks.Total, st.Tasks.Failed, st.Tasks.MaxConcurrent)
	fmt.Fprintf(out, "Conflicts pending: %d\n", st.ConflictsPending)
	if st.Watcher.Enabled {
		fmt.Fprintf(out, "Watcher: watching (%d in flight)\n", st.Watcher.Pending)
	} else {
		fmt.Fprintln(out, "Watcher: disabled")
	}
	fmt.Fprintf(out, "Password sweep: %s\n", describeSweeper(st.Sweepers["password"]))
	fmt.Fprintf(out, "Archive sweep: %s\n", describeSweeper(st.Sweepers["archive"]))
	return nil
}

func describeSweeper(s sweeperState) string {
	if !s.Running {
		return "not scheduled"
	}
	if s.NextRun == nil || s.NextRun.IsZero() {
		return "scheduled"
	}
	return fmt.Sprintf("next run %s", humanize.Time(*s.NextRun))
}
