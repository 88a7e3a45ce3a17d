// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"hibiki.cc/otokura/internal/config"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file without starting the daemon.

Loads the file the same way the daemon does, including defaults and
environment overrides, and prints the resolved storage roots and
feature toggles. A missing file is created with defaults first.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(os.Stdout, configFile); err != nil {
			fmt.Printf("INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "VALID: %s\n", path)
	fmt.Fprintf(out, "  data dir:     %s\n", cfg.DataDir)
	fmt.Fprintf(out, "  input dir:    %s\n", cfg.Storage.InputDir)
	fmt.Fprintf(out, "  library dir:  %s\n", cfg.Storage.LibraryDir)
	fmt.Fprintf(out, "  pool dir:     %s\n", cfg.Storage.ProcessedDir)
	fmt.Fprintf(out, "  watcher:      %s\n", onOff(cfg.Watcher.Enabled, "every "+cfg.Watcher.ScanInterval))
	fmt.Fprintf(out, "  companion:    %s\n", onOff(cfg.Companion.Enabled, cfg.Companion.ServerURL))
	fmt.Fprintf(out, "  pw sweep:     %s\n", onOff(cfg.PasswordSweep.Enabled, "cron "+cfg.PasswordSweep.Cron))
	fmt.Fprintf(out, "  pool sweep:   %s\n", onOff(cfg.ArchiveSweep.Enabled, "cron "+cfg.ArchiveSweep.Cron+", strategy "+cfg.ArchiveSweep.Strategy))
	fmt.Fprintf(out, "  metrics:      %s\n", onOff(cfg.Metrics.Enabled, cfg.Metrics.Listen+cfg.Metrics.Path))
	fmt.Fprintf(out, "  control:      %s\n", cfg.Control.Socket)
	return nil
}

func onOff(enabled bool, detail string) string {
	if !enabled {
		return "disabled"
	}
	if detail == "" {
		return "enabled"
	}
	return "enabled (" + detail + ")"
}
