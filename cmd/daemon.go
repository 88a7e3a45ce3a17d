// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"hibiki.cc/otokura/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the otokura daemon in foreground",
	Long: `Run the otokura daemon process in foreground.

The daemon will:
  1. Load configuration from the config file (writing defaults on first run)
  2. Initialize logging, metrics and the persistent stores under data_dir
  3. Start the task engine and restore interrupted tasks
  4. Watch the input directory for new archives (if enabled)
  5. Schedule the password and processed-archive sweepers
  6. Serve CLI commands over the Unix Domain Socket
  7. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (defaults to control.pid_file from config)")
}

func runDaemon() error {
	fmt.Println("Starting otokura daemon...")
	fmt.Printf("Config: %s\n", configFile)
	fmt.Printf("Socket: %s\n", socketPath)

	d, err := daemon.New(configFile, socketPath, pidFile)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	// Blocks until shutdown.
	return d.Run()
}
