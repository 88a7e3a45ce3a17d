package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hibiki.cc/otokura/internal/archival"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/metrics"
)

const defaultArchiveCron = "0 1 * * 0"

// ArchiveReport is the outcome of one processed-archive sweep.
type ArchiveReport struct {
	DryRun       bool             `json:"dry_run"`
	Disabled     bool             `json:"disabled,omitempty"`
	Strategy     string           `json:"strategy"`
	DeletedCount int              `json:"deleted_count"`
	FreedBytes   int64            `json:"freed_bytes"`
	NextRun      time.Time        `json:"next_run"`
	Deleted      []DeletedArchive `json:"deleted,omitempty"`
}

// DeletedArchive describes one reclaimed pool file.
type DeletedArchive struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	WorkCode     string    `json:"work_code,omitempty"`
	FileSize     int64     `json:"file_size"`
	ProcessedAt  time.Time `json:"processed_at"`
	ProcessCount int       `json:"process_count"`
}

// ArchiveSweeper reclaims space in the processed-archive pool on a cron
// schedule. Strategy picks the victims; rows pinned as reprocessing are
// skipped so the pipeline never loses a source it is re-running.
type ArchiveSweeper struct {
	mu     sync.Mutex
	cfg    *config.Config
	pool   *archival.Pool
	log    *Log
	runner *runner
}

// NewArchiveSweeper builds the sweeper without starting it.
func NewArchiveSweeper(cfg *config.Config, pool *archival.Pool, log *Log) *ArchiveSweeper {
	return &ArchiveSweeper{cfg: cfg, pool: pool, log: log, runner: newRunner("archive")}
}

func (s *ArchiveSweeper) conf() config.ArchiveSweepConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ArchiveSweep
}

// Start schedules the sweep. A disabled config is a quiet no-op.
func (s *ArchiveSweeper) Start(ctx context.Context) error {
	c := s.conf()
	if !c.Enabled {
		slog.Info("archive sweeper disabled")
		return nil
	}
	expr := c.Cron
	if expr == "" {
		expr = defaultArchiveCron
	}
	return s.runner.start(ctx, expr, func(ctx context.Context) {
		if _, err := s.RunNow(ctx, false); err != nil {
			slog.Error("archive sweep failed", slog.Any("error", err))
		}
	})
}

// Stop halts the schedule. In-memory state is kept for Restart.
func (s *ArchiveSweeper) Stop() { s.runner.stop() }

// Restart re-reads the schedule from config.
func (s *ArchiveSweeper) Restart(ctx context.Context) error {
	s.runner.stop()
	return s.Start(ctx)
}

// Reload swaps the configuration and reschedules. The running schedule is
// stopped before the swap so an in-flight sweep never sees mixed settings.
func (s *ArchiveSweeper) Reload(ctx context.Context, cfg *config.Config) error {
	s.runner.stop()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.Start(ctx)
}

// Running reports whether the schedule is active.
func (s *ArchiveSweeper) Running() bool { return s.runner.isRunning() }

// NextRun returns the next scheduled fire time, zero when not running.
func (s *ArchiveSweeper) NextRun() time.Time { return s.runner.nextRun() }

// Preview lists what a run would delete right now, without deleting.
func (s *ArchiveSweeper) Preview(ctx context.Context) (*ArchiveReport, error) {
	return s.RunNow(ctx, true)
}

// History lists past archive sweep runs, newest first.
func (s *ArchiveSweeper) History(limit int) ([]LogRow, error) {
	return s.log.History("archive", limit)
}

// RunNow executes one sweep. Victims are deleted one by one so a single
// bad file does not abort the rest of the run.
func (s *ArchiveSweeper) RunNow(ctx context.Context, dryRun bool) (*ArchiveReport, error) {
	c := s.conf()
	report := &ArchiveReport{DryRun: dryRun, Strategy: c.Strategy, NextRun: s.runner.nextRun()}
	if !c.Enabled && !dryRun {
		report.Disabled = true
		return report, nil
	}

	rows, err := s.pool.List()
	if err != nil {
		return nil, err
	}
	victims := selectVictims(rows, c)
	for _, row := range victims {
		report.Deleted = append(report.Deleted, DeletedArchive{
			ID:           row.ID,
			Filename:     row.Filename,
			WorkCode:     row.WorkCode,
			FileSize:     row.FileSize,
			ProcessedAt:  row.ProcessedAt,
			ProcessCount: row.ProcessCount,
		})
		report.FreedBytes += row.FileSize
	}
	report.DeletedCount = len(victims)
	if dryRun || len(victims) == 0 {
		return report, nil
	}

	var deleted int
	var freed int64
	summary := make([]map[string]any, 0, len(victims))
	for _, row := range victims {
		select {
		case <-ctx.Done():
			slog.Warn("archive sweep interrupted", slog.Int("deleted", deleted))
			return nil, ctx.Err()
		default:
		}
		n, err := s.pool.DeleteSource(row.ID)
		if err != nil {
			slog.Warn("archive sweep skip", slog.String("file", row.Filename), slog.Any("error", err))
			continue
		}
		deleted++
		freed += n
		summary = append(summary, map[string]any{
			"id":        row.ID,
			"filename":  row.Filename,
			"work_code": row.WorkCode,
			"file_size": row.FileSize,
		})
	}
	report.DeletedCount = deleted
	report.FreedBytes = freed
	metrics.SweepDeletionsTotal.WithLabelValues("archive").Add(float64(deleted))
	metrics.SweepFreedBytesTotal.Add(float64(freed))

	if err := s.log.Append(LogRow{
		Sweeper:      "archive",
		DeletedCount: deleted,
		FreedBytes:   freed,
		Config: map[string]any{
			"strategy":             c.Strategy,
			"preserve_days":        c.PreserveDays,
			"max_count":            c.MaxCount,
			"max_size_gb":          c.MaxSizeGB,
			"exclude_reprocessing": c.ExcludeReprocessing,
		},
		Summary: summary,
	}); err != nil {
		slog.Warn("sweep log append failed", slog.Any("error", err))
	}

	slog.Info("archive sweep finished",
		slog.String("strategy", c.Strategy),
		slog.Int("deleted", deleted),
		slog.Int64("freed_bytes", freed))
	return report, nil
}

// selectVictims picks rows to reclaim. rows must already be sorted
// oldest first, which is the order Pool.List returns.
func selectVictims(rows []archival.ArchivedSource, c config.ArchiveSweepConfig) []archival.ArchivedSource {
	eligible := rows
	if c.ExcludeReprocessing {
		eligible = make([]archival.ArchivedSource, 0, len(rows))
		for _, row := range rows {
			if row.Status == archival.StatusReprocessing {
				continue
			}
			eligible = append(eligible, row)
		}
	}

	switch c.Strategy {
	case "age":
		cutoff := time.Now().UTC().AddDate(0, 0, -c.PreserveDays)
		var out []archival.ArchivedSource
		for _, row := range eligible {
			if !row.ProcessedAt.After(cutoff) {
				out = append(out, row)
			}
		}
		return out
	case "count":
		if len(eligible) <= c.MaxCount {
			return nil
		}
		return eligible[:len(eligible)-c.MaxCount]
	case "size":
		var total int64
		for _, row := range eligible {
			total += row.FileSize
		}
		limit := int64(c.MaxSizeGB) << 30
		var out []archival.ArchivedSource
		for _, row := range eligible {
			if total <= limit {
				break
			}
			out = append(out, row)
			total -= row.FileSize
		}
		return out
	default:
		return nil
	}
}
