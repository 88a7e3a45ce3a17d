// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// reloadCmd represents the reload command
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon configuration",
	Long: `Reload the daemon configuration from its config file.

Log level and format, the watcher rescan interval and the sweeper
schedules apply immediately. Storage roots, processing limits and the
control socket require a daemon restart; the daemon logs which changed
settings it could not apply.`,
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(30 * time.Second)
		if err := runReload(context.Background(), client, os.Stdout); err != nil {
			exitWithError("reload failed", err)
		}
	},
}

func runReload(ctx context.Context, client caller, out io.Writer) error {
	raw, err := client.Call(ctx, "config_reload", nil)
	if err != nil {
		return err
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintln(out, "Configuration reloaded.")
	return nil
}
