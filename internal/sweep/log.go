package sweep

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hibiki.cc/otokura/internal/jsonstore"
)

// LogRow records one sweep run for the history listing.
type LogRow struct {
	ID           string           `json:"id"`
	Sweeper      string           `json:"sweeper"`
	RanAt        time.Time        `json:"ran_at"`
	DeletedCount int              `json:"deleted_count"`
	FreedBytes   int64            `json:"freed_bytes,omitempty"`
	Config       map[string]any   `json:"config_snapshot,omitempty"`
	Summary      []map[string]any `json:"summary,omitempty"`
}

// Log stores run rows one JSON file each, like the conflict store.
type Log struct {
	mu  sync.Mutex
	dir string
}

// OpenLog prepares the log directory.
func OpenLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("sweep: log dir %q: %w", dir, err)
	}
	return &Log{dir: dir}, nil
}

// Append stores a run row, filling ID and RanAt when absent.
func (l *Log) Append(row LogRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.RanAt.IsZero() {
		row.RanAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return jsonstore.Save(filepath.Join(l.dir, row.ID+".json"), row)
}

// History lists run rows newest first. An empty sweeper name matches
// every run; limit <= 0 falls back to 50.
func (l *Log) History(sweeper string, limit int) ([]LogRow, error) {
	if limit <= 0 {
		limit = 50
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("sweep: list log: %w", err)
	}

	var rows []LogRow
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var row LogRow
		if err := jsonstore.Load(filepath.Join(l.dir, entry.Name()), &row); err != nil {
			slog.Warn("skipping unreadable sweep log row", "file", entry.Name(), "error", err)
			continue
		}
		if sweeper != "" && row.Sweeper != sweeper {
			continue
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].RanAt.After(rows[j].RanAt) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
