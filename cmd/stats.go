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

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show runtime statistics",
	Long: `Query the otokura daemon for runtime statistics.

Shows: task counters, library and processed-archive pool sizes, password
vault entries, pending conflicts, the folder scan cache and the companion
server connection (when enabled).`,
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(10 * time.Second)
		if err := runStats(context.Background(), client, os.Stdout, statsJSON); err != nil {
			exitWithError("failed to query stats", err)
		}
	},
}

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print the raw JSON response")
}

// daemonStats mirrors the daemon_stats result. Optional sections stay nil
// when the daemon did not include them.
type daemonStats struct {
	Tasks struct {
		Total      int `json:"total"`
		Processing int `json:"processing"`
		Completed  int `json:"completed"`
		Failed     int `json:"failed"`
	} `json:"tasks"`
	Library *struct {
		Works      int    `json:"works"`
		TotalBytes uint64 `json:"total_bytes"`
	} `json:"library"`
	Pool *struct {
		Archives   int    `json:"archives"`
		TotalBytes uint64 `json:"total_bytes"`
	} `json:"pool"`
	Vault *struct {
		Entries int `json:"entries"`
	} `json:"vault"`
	Conflicts *struct {
		Pending int `json:"pending"`
	} `json:"conflicts"`
	ScanCache *struct {
		Folders int `json:"folders"`
	} `json:"scan_cache"`
	Companion *struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		LatencyMS int64  `json:"latency_ms"`
	} `json:"companion"`
}

func runStats(ctx context.Context, client caller, out io.Writer, rawJSON bool) error {
	raw, err := client.Call(ctx, "daemon_stats", nil)
	if err != nil {
		return err
	}
	if rawJSON {
		printJSON(raw)
		return nil
	}

	var st daemonStats
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}

	fmt.Fprintf(out, "Tasks: %d total, %d processing, %d completed, %d failed\n",
		st.Tasks.Total, st.Tasks.Processing, st.Tasks.Completed, st.Tasks.Failed)
	if st.Library != nil {
		fmt.Fprintf(out, "Library: %d works, %s\n", st.Library.Works, humanize.IBytes(st.Library.TotalBytes))
	}
	if st.Pool != nil {
		fmt.Fprintf(out, "Archive pool: %d archives, %s\n", st.Pool.Archives, humanize.IBytes(st.Pool.TotalBytes))
	}
	if st.Vault != nil {
		fmt.Fprintf(out, "Password vault: %d entries\n", st.Vault.Entries)
	}
	if st.Conflicts != nil {
		fmt.Fprintf(out, "Conflicts pending: %d\n", st.Conflicts.Pending)
	}
	if st.ScanCache != nil {
		fmt.Fprintf(out, "Scan cache: %d folders\n", st.ScanCache.Folders)
	}
	if st.Companion != nil {
		fmt.Fprintf(out, "Companion: %s\n", st.Companion.Message)
	}
	return nil
}
