// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hibiki.cc/otokura/internal/config"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long: `Stop the running daemon.

Asks the daemon to shut down over its control socket. If the socket is
unreachable the PID file from the configuration is used to send SIGTERM
directly.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStop()
	},
}

func runStop() {
	client := newClient(10 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err == nil {
		// The daemon tears down the socket while replying, so a cut-off
		// response here still means the shutdown was delivered.
		if _, err := client.DaemonShutdown(ctx); err != nil && !isConnectionLost(err) {
			exitWithError("shutdown request failed", err)
		}
		fmt.Println("Daemon stopping.")
		return
	}

	// Socket is down; fall back to signalling the recorded PID.
	if err := stopByPIDFile(); err != nil {
		exitWithError("daemon is not running or could not be stopped", err)
	}
	fmt.Println("Daemon signalled via PID file.")
}

func stopByPIDFile() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	data, err := os.ReadFile(cfg.Control.PIDFile)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("pid file %s: %w", cfg.Control.PIDFile, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

func isConnectionLost(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}
