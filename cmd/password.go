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
	"hibiki.cc/otokura/internal/vault"
)

// passwordCmd represents the password command group
var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Manage the extraction password vault",
	Long: `Manage the extraction password vault.

Subcommands:
  add     - Store one password
  list    - List stored entries (passwords masked)
  import  - Import entries from a JSON file`,
}

var passwordAddCmd = &cobra.Command{
	Use:   "add <password>",
	Short: "Store one password",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(10 * time.Second)
		raw, err := client.Call(context.Background(), "password_add", command.PasswordAddParams{
			Password:    args[0],
			WorkCode:    passwordWorkCode,
			Filename:    passwordFilename,
			Description: passwordDescription,
		})
		if err != nil {
			exitWithError("password add failed", err)
		}
		var entry vault.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			exitWithError("decode response", err)
		}
		fmt.Printf("Stored %s as %s.\n", vault.Mask(entry.Password), entry.ID)
	},
}

var passwordListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored entries",
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(10 * time.Second)
		if err := runPasswordList(context.Background(), client, os.Stdout); err != nil {
			exitWithError("password list failed", err)
		}
	},
}

var passwordImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import entries from a JSON file",
	Long: `Import entries from a JSON file.

The file holds an array of objects with a "password" field and optional
"work_code", "filename" and "description" fields. Entries that already
exist in the vault are counted as skipped.`,
	Run: func(cmd *cobra.Command, args []string) {
		if passwordImportFile == "" {
			exitWithError("password import failed", fmt.Errorf("--file is required"))
		}
		client := newClient(30 * time.Second)
		if err := runPasswordImport(context.Background(), client, os.Stdout, passwordImportFile); err != nil {
			exitWithError("password import failed", err)
		}
	},
}

var (
	passwordWorkCode    string
	passwordFilename    string
	passwordDescription string
	passwordImportFile  string
)

func init() {
	passwordCmd.AddCommand(passwordAddCmd)
	passwordCmd.AddCommand(passwordListCmd)
	passwordCmd.AddCommand(passwordImportCmd)

	passwordAddCmd.Flags().StringVar(&passwordWorkCode, "work-code", "", "scope the password to a work code")
	passwordAddCmd.Flags().StringVar(&passwordFilename, "filename", "", "scope the password to an archive filename")
	passwordAddCmd.Flags().StringVar(&passwordDescription, "description", "", "free-form note")

	passwordImportCmd.Flags().StringVarP(&passwordImportFile, "file", "f", "", "JSON file to import")
}

func runPasswordList(ctx context.Context, client caller, out io.Writer) error {
	raw, err := client.Call(ctx, "password_list", nil)
	if err != nil {
		return err
	}
	var result struct {
		Entries []vault.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if result.Count == 0 {
		fmt.Fprintln(out, "Vault is empty.")
		return nil
	}

	// The daemon returns plaintext; mask on display so passwords never
	// end up in scrollback or shell logs.
	fmt.Fprintf(out, "%-36s  %-10s  %-10s  %-8s  %5s  %s\n", "ID", "PASSWORD", "WORK", "SOURCE", "USED", "ADDED")
	for _, e := range result.Entries {
		fmt.Fprintf(out, "%-36s  %-10s  %-10s  %-8s  %5d  %s\n",
			e.ID, vault.Mask(e.Password), e.WorkCode, e.Source, e.UseCount, humanize.Time(e.CreatedAt))
	}
	return nil
}

func runPasswordImport(ctx context.Context, client caller, out io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []command.PasswordAddParams
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	raw, err := client.Call(ctx, "password_import", command.PasswordImportParams{Entries: entries})
	if err != nil {
		return err
	}
	var result struct {
		Imported int `json:"imported"`
		Skipped  int `json:"skipped"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintf(out, "Imported %d entries, skipped %d duplicates.\n", result.Imported, result.Skipped)
	return nil
}
