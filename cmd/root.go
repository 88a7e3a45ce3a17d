// Package cmd implements the otokura command line interface.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hibiki.cc/otokura/internal/command"
	"hibiki.cc/otokura/internal/daemon"
)

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "otokura",
	Short: "Otokura - automated ingest daemon for a personal audio work library",
	Long: `Otokura watches an input directory for audio work archives, extracts them
(with password recovery), resolves catalog metadata, renames and reshapes the
folders, deduplicates against the local library and an optional companion
server, and files the result into a classified library tree.

Features:
  - Input watcher: archives are picked up once their size settles
  - Task engine: bounded concurrency, pause/resume/cancel, crash-safe restore
  - Conflict workbench: duplicate and language-variant decisions on demand
  - Password vault: manual, imported and auto-captured extraction passwords
  - Cleanup sweepers: cron-scheduled password and processed-archive pruning
  - Local control: CLI over a Unix Domain Socket`,
	Version: daemon.Version,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/otokura/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/otokura.sock",
		"daemon control socket path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(conflictCmd)
	rootCmd.AddCommand(passwordCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(validateCmd)
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

// caller is the slice of command.UDSClient the run helpers need.
// Tests substitute canned responses.
type caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// newClient dials the daemon control socket.
func newClient(timeout time.Duration) *command.UDSClient {
	return command.NewUDSClient(socketPath, timeout)
}

// printJSON pretty-prints a raw result the way task status renders records.
func printJSON(raw json.RawMessage) {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(string(out))
}
