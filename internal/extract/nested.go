package extract

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"hibiki.cc/otokura/internal/archive"
)

// extractNested walks the extracted tree and unpacks archives found
// inside it, up to the configured depth. Returns how many were unpacked.
func (e *Engine) extractNested(ctx context.Context, root, outerPassword string) int {
	visited := make(map[string]bool)
	return e.nestedPass(ctx, root, outerPassword, 1, visited)
}

func (e *Engine) nestedPass(ctx context.Context, dir, outerPassword string, depth int, visited map[string]bool) int {
	maxDepth := e.cfg.MaxNestedDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}
	if depth > maxDepth {
		slog.Warn("nested archive depth limit reached", "dir", dir, "depth", depth)
		return 0
	}

	var targets []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if archive.IsNonFirstVolume(name) {
			return nil
		}
		if archive.HasArchiveExtension(name) || archive.SniffType(path) != "" {
			targets = append(targets, path)
		}
		return nil
	})

	count := 0
	for _, target := range targets {
		if ctx.Err() != nil {
			return count
		}
		canonical := canonicalPath(target)
		if visited[canonical] {
			continue
		}
		visited[canonical] = true

		dest, password, err := e.extractOne(ctx, target, outerPassword)
		if err != nil {
			slog.Warn("nested archive failed to extract", "archive", target, "error", err)
			continue
		}
		count++
		if err := os.Remove(target); err != nil {
			slog.Warn("failed to remove extracted nested archive", "archive", target, "error", err)
		}
		slog.Info("nested archive extracted", "archive", filepath.Base(target), "output", dest, "depth", depth)

		count += e.nestedPass(ctx, dest, password, depth+1, visited)
	}
	return count
}

// extractOne unpacks a nested archive into a sibling directory named
// after its stem. The outer password goes first, then the usual fallbacks.
func (e *Engine) extractOne(ctx context.Context, path, outerPassword string) (dest, password string, err error) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if stem == "" {
		stem = "nested"
	}
	dest = filepath.Join(filepath.Dir(path), stem)
	for n := 1; pathExists(dest); n++ {
		dest = fmt.Sprintf("%s_%d", filepath.Join(filepath.Dir(path), stem), n)
	}

	candidates := []string{outerPassword, ""}
	candidates = append(candidates, e.cfg.Passwords...)
	if e.vault != nil {
		candidates = append(candidates, e.vault.PasswordsFor(filepath.Base(path))...)
	}

	seen := make(map[string]bool)
	for _, pwd := range candidates {
		if seen[pwd] {
			continue
		}
		seen[pwd] = true
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		if err := e.driver.Extract(ctx, path, dest, pwd); err == nil {
			return dest, pwd, nil
		}
		e.removeWithRetry(dest)
	}
	return "", "", fmt.Errorf("no password candidate worked")
}

// canonicalPath resolves symlinks so renamed duplicates cannot loop the
// walk; unresolvable paths fall back to the absolute form.
func canonicalPath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
