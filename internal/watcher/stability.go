package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// minArchiveSize matches the extraction engine's threshold: anything
// smaller is a placeholder still being copied.
const minArchiveSize = 1024

// waitStable polls the file size until it holds still for the required
// consecutive readings. A vanished or unreadable file resets the counter
// instead of failing; running past maxWait abandons the file. This is the
// lightweight prefilter; the extraction engine repeats a stricter check
// for files that arrive via manual scan.
func waitStable(ctx context.Context, path string, interval time.Duration, checks int, maxWait time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if checks < 1 {
		checks = 3
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}

	deadline := time.Now().Add(maxWait)
	var lastSize int64 = -1
	stable := 0

	for {
		info, err := os.Stat(path)
		switch {
		case err != nil:
			stable = 0
			lastSize = -1
		case info.Size() == lastSize && info.Size() >= minArchiveSize:
			stable++
			if stable >= checks {
				return nil
			}
		default:
			stable = 1
			if info.Size() < minArchiveSize {
				stable = 0
			}
			lastSize = info.Size()
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("watcher: %s did not stabilize within %s", filepath.Base(path), maxWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
