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
	"hibiki.cc/otokura/internal/sweep"
)

// sweepCmd represents the sweep command group
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run and inspect the cleanup sweepers",
	Long: `Run and inspect the cleanup sweepers.

Subcommands:
  passwords  - Sweep stale entries from the password vault now
  archives   - Reclaim space from the processed-archive pool now
  history    - Show past sweep runs`,
}

var sweepPasswordsCmd = &cobra.Command{
	Use:   "passwords",
	Short: "Sweep stale vault entries now",
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(5 * time.Minute)
		if err := runPasswordSweep(context.Background(), client, os.Stdout, sweepDryRun); err != nil {
			exitWithError("password sweep failed", err)
		}
	},
}

var sweepArchivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "Reclaim pool space now",
	Run: func(cmd *cobra.Command, args []string) {
		// Archive sweeps delete real files; give them room to finish.
		client := newClient(5 * time.Minute)
		if err := runArchiveSweep(context.Background(), client, os.Stdout, sweepDryRun); err != nil {
			exitWithError("archive sweep failed", err)
		}
	},
}

var sweepHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past sweep runs",
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(10 * time.Second)
		if err := runSweepHistory(context.Background(), client, os.Stdout, sweepSweeper, sweepLimit); err != nil {
			exitWithError("sweep history failed", err)
		}
	},
}

var (
	sweepDryRun  bool
	sweepSweeper string
	sweepLimit   int
)

func init() {
	sweepCmd.AddCommand(sweepPasswordsCmd)
	sweepCmd.AddCommand(sweepArchivesCmd)
	sweepCmd.AddCommand(sweepHistoryCmd)

	sweepPasswordsCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "report what would be deleted without deleting")
	sweepArchivesCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "report what would be deleted without deleting")

	sweepHistoryCmd.Flags().StringVar(&sweepSweeper, "sweeper", "", "filter by sweeper (password, archive)")
	sweepHistoryCmd.Flags().IntVar(&sweepLimit, "limit", 20, "maximum runs to show")
}

func runPasswordSweep(ctx context.Context, client caller, out io.Writer, dryRun bool) error {
	raw, err := client.Call(ctx, "sweep_run", command.SweepRunParams{Sweeper: "password", DryRun: dryRun})
	if err != nil {
		return err
	}
	var report sweep.PasswordReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if report.Disabled {
		fmt.Fprintln(out, "Password sweep is disabled in the daemon configuration.")
		return nil
	}

	verb := "Deleted"
	if report.DryRun {
		verb = "Would delete"
	}
	fmt.Fprintf(out, "%s %d vault entries (created before %s).\n",
		verb, report.DeletedCount, report.Cutoff.Format("2006-01-02"))
	for _, d := range report.Deleted {
		scope := d.WorkCode
		if scope == "" {
			scope = d.Filename
		}
		if scope == "" {
			scope = "(unscoped)"
		}
		fmt.Fprintf(out, "  %-10s  %-24s  used %d, added %s\n",
			d.Password, scope, d.UseCount, humanize.Time(d.CreatedAt))
	}
	if !report.NextRun.IsZero() {
		fmt.Fprintf(out, "Next scheduled run %s.\n", humanize.Time(report.NextRun))
	}
	return nil
}

func runArchiveSweep(ctx context.Context, client caller, out io.Writer, dryRun bool) error {
	raw, err := client.Call(ctx, "sweep_run", command.SweepRunParams{Sweeper: "archive", DryRun: dryRun})
	if err != nil {
		return err
	}
	var report sweep.ArchiveReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if report.Disabled {
		fmt.Fprintln(out, "Archive sweep is disabled in the daemon configuration.")
		return nil
	}

	verb := "Freed"
	if report.DryRun {
		verb = "Would free"
	}
	fmt.Fprintf(out, "%s %s from %d archives (strategy %s).\n",
		verb, humanize.IBytes(uint64(report.FreedBytes)), report.DeletedCount, report.Strategy)
	for _, d := range report.Deleted {
		fmt.Fprintf(out, "  %-40s  %-10s  %s\n", d.Filename, d.WorkCode, humanize.IBytes(uint64(d.FileSize)))
	}
	if !report.NextRun.IsZero() {
		fmt.Fprintf(out, "Next scheduled run %s.\n", humanize.Time(report.NextRun))
	}
	return nil
}

func runSweepHistory(ctx context.Context, client caller, out io.Writer, sweeper string, limit int) error {
	raw, err := client.Call(ctx, "sweep_history", command.SweepHistoryParams{Sweeper: sweeper, Limit: limit})
	if err != nil {
		return err
	}
	var result struct {
		Runs  []sweep.LogRow `json:"runs"`
		Count int            `json:"count"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if result.Count == 0 {
		fmt.Fprintln(out, "No sweep runs recorded.")
		return nil
	}

	fmt.Fprintf(out, "%-10s  %-20s  %8s  %10s\n", "SWEEPER", "RAN", "DELETED", "FREED")
	for _, r := range result.Runs {
		freed := "-"
		if r.FreedBytes > 0 {
			freed = humanize.IBytes(uint64(r.FreedBytes))
		}
		fmt.Fprintf(out, "%-10s  %-20s  %8d  %10s\n",
			r.Sweeper, r.RanAt.Format("2006-01-02 15:04:05"), r.DeletedCount, freed)
	}
	return nil
}
