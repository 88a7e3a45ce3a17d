package organize

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Flatten collapses chains of "folder holding exactly one subfolder" under
// root. Each chain is collapsed at most maxDepth times; every branch of the
// tree carries its own counter from zero.
func Flatten(root string, maxDepth int) {
	flattenChain(root, 0, maxDepth)

	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			Flatten(filepath.Join(root, e.Name()), maxDepth)
		}
	}
}

// flattenChain promotes dir's lone subfolder into dir itself, repeating
// down the same chain until depth runs out or the shape no longer matches.
// The subfolder is parked at a temp sibling first so dir's own name wins.
func flattenChain(dir string, depth, maxDepth int) {
	if depth >= maxDepth {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return
	}

	sub := filepath.Join(dir, entries[0].Name())
	tmp := fmt.Sprintf("%s_temp_%s", dir, uuid.NewString()[:8])

	if err := os.Rename(sub, tmp); err != nil {
		slog.Error("flatten failed to park subfolder", "path", sub, "error", err)
		return
	}
	if err := os.Remove(dir); err != nil {
		slog.Error("flatten failed to drop emptied folder", "path", dir, "error", err)
		if err := os.Rename(tmp, sub); err != nil {
			slog.Error("flatten could not restore parked subfolder", "path", tmp, "error", err)
		}
		return
	}
	if err := os.Rename(tmp, dir); err != nil {
		slog.Error("flatten failed to move subfolder back", "path", tmp, "error", err)
		return
	}
	slog.Info("flattened single-subfolder chain", "path", dir, "depth", depth+1)

	flattenChain(dir, depth+1, maxDepth)
}

// Prune removes empty directories bottom-up. The root itself is kept
// unless removeRoot is set.
func Prune(root string, removeRoot bool) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		slog.Warn("prune cannot read directory", "path", root, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			Prune(filepath.Join(root, e.Name()), true)
		}
	}

	if !removeRoot {
		return
	}
	entries, err = os.ReadDir(root)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(root); err != nil {
		slog.Warn("prune failed to remove empty folder", "path", root, "error", err)
		return
	}
	slog.Debug("removed empty folder", "path", root)
}
