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

	"hibiki.cc/otokura/internal/command"
)

// conflictCmd represents the conflict command group
var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Inspect and resolve library conflicts",
	Long: `Inspect and resolve conflicts the pipeline parked for manual review.

Subcommands:
  list     - List conflict records
  resolve  - Apply a resolution to one conflict`,
}

var conflictListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflict records",
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(10 * time.Second)
		if err := runConflictList(context.Background(), client, os.Stdout, conflictStatus); err != nil {
			exitWithError("conflict list failed", err)
		}
	},
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id> <action>",
	Short: "Apply a resolution to one conflict",
	Long: `Apply a resolution to one conflict record.

Actions: KEEP_NEW, KEEP_OLD, MERGE, SKIP, KEEP_BOTH, MERGE_LANG.

The daemon re-runs the parked task with the decision applied; the record
flips to resolved once the follow-up work is queued.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(30 * time.Second)
		raw, err := client.Call(context.Background(), "conflict_resolve",
			command.ConflictResolveParams{ConflictID: args[0], Action: args[1]})
		if err != nil {
			exitWithError("conflict resolve failed", err)
		}
		var rec struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			exitWithError("decode response", err)
		}
		fmt.Printf("Conflict %s is now %s.\n", rec.ID, rec.Status)
	},
}

var conflictStatus string

func init() {
	conflictCmd.AddCommand(conflictListCmd)
	conflictCmd.AddCommand(conflictResolveCmd)

	conflictListCmd.Flags().StringVar(&conflictStatus, "status", "", "filter by status (pending, resolved)")
}

type conflictRow struct {
	ID        string    `json:"id"`
	WorkCode  string    `json:"work_code"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	NewPath   string    `json:"new_path"`
	CreatedAt time.Time `json:"created_at"`
}

func runConflictList(ctx context.Context, client caller, out io.Writer, status string) error {
	raw, err := client.Call(ctx, "conflict_list", command.ConflictListParams{Status: status})
	if err != nil {
		return err
	}
	var result struct {
		Conflicts []conflictRow `json:"conflicts"`
		Count     int           `json:"count"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if result.Count == 0 {
		fmt.Fprintln(out, "No conflicts.")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-10s  %-18s  %-9s  %s\n", "ID", "WORK", "KIND", "STATUS", "CREATED")
	for _, c := range result.Conflicts {
		fmt.Fprintf(out, "%-36s  %-10s  %-18s  %-9s  %s\n",
			c.ID, c.WorkCode, c.Kind, c.Status, humanize.Time(c.CreatedAt))
	}
	return nil
}
