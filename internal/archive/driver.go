// Package archive drives the external 7z tool and classifies archive files.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// Entry is one file or directory listed inside an archive.
type Entry struct {
	Name  string
	Size  int64
	IsDir bool
}

// Driver wraps the 7z command line tool. Listings come back GBK-encoded
// from archives packed on Chinese Windows, so stdout is decoded as GBK
// with malformed bytes replaced.
type Driver struct {
	bin string
}

// NewDriver returns a driver using the given 7z binary path.
func NewDriver(bin string) *Driver {
	if bin == "" {
		bin = "7z"
	}
	return &Driver{bin: bin}
}

// Available reports whether the 7z binary responds.
func (d *Driver) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := exec.CommandContext(ctx, d.bin, "--help").Run()
	return err == nil
}

// listLine matches `7z l -ba` output: date time attrs size [packed] name.
// The first attribute column is D for directories.
var listLine = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\s+(\d{2}:\d{2}:\d{2})\s+([D.][R.][H.][S.][A.])\s+(\d+)\s+(\d+)?\s+(.+)$`)

// List returns the entries of the archive, trying the given password.
// A non-zero exit (wrong password, damaged header) is returned as an
// error so callers can move on to the next candidate.
func (d *Driver) List(ctx context.Context, path, password string) ([]Entry, error) {
	args := []string{"l", "-ba", path, passwordArg(password)}
	out, err := d.run(ctx, args)
	if err != nil {
		return nil, err
	}
	return parseListing(decodeGBK(out)), nil
}

// Extract unpacks the archive into outDir with -y auto-confirmation.
func (d *Driver) Extract(ctx context.Context, path, outDir, password string) error {
	args := []string{"x", "-y", "-o" + outDir, path, passwordArg(password)}
	if _, err := d.run(ctx, args); err != nil {
		return err
	}
	return nil
}

// DetectType asks 7z to identify the archive format. It returns one of
// zip/rar/7z or "" when the tool cannot open the file.
func (d *Driver) DetectType(ctx context.Context, path string) string {
	out, err := d.run(ctx, []string{"l", path})
	if err != nil {
		return ""
	}
	text := string(out)
	switch {
	case strings.Contains(text, "Type = 7z"):
		return "7z"
	case strings.Contains(text, "Type = zip"):
		return "zip"
	case strings.Contains(text, "Type = Rar"), strings.Contains(text, "Type = rar"):
		return "rar"
	}
	return ""
}

func (d *Driver) run(ctx context.Context, args []string) ([]byte, error) {
	slog.Debug("running 7z", "args", redactPassword(args))

	cmd := exec.CommandContext(ctx, d.bin, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(decodeGBK([]byte(stderr.String())))
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return nil, fmt.Errorf("7z %s failed: %w (%s)", args[0], err, detail)
	}
	return []byte(stdout.String()), nil
}

// passwordArg formats the -p flag. 7z takes the password glued to the
// flag; a bare -p forces the empty password instead of prompting.
func passwordArg(password string) string {
	if password == "" {
		return "-p"
	}
	return "-p" + password
}

func redactPassword(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "-p") && len(a) > 2 {
			a = "-p***"
		}
		out[i] = a
	}
	return out
}

func decodeGBK(raw []byte) string {
	decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}

func parseListing(output string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		m := listLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		size, err := strconv.ParseInt(m[4], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:  m[6],
			Size:  size,
			IsDir: strings.Contains(m[3], "D"),
		})
	}
	return entries
}
