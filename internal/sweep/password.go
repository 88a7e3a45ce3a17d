package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/metrics"
	"hibiki.cc/otokura/internal/vault"
)

const defaultPasswordCron = "0 0 * * 0"

// PasswordReport is the outcome of one password sweep.
type PasswordReport struct {
	DryRun       bool              `json:"dry_run"`
	Disabled     bool              `json:"disabled,omitempty"`
	DeletedCount int               `json:"deleted_count"`
	Cutoff       time.Time         `json:"cutoff"`
	NextRun      time.Time         `json:"next_run"`
	Deleted      []DeletedPassword `json:"deleted,omitempty"`
}

// DeletedPassword describes one removed entry. Password is masked.
type DeletedPassword struct {
	ID        string    `json:"id"`
	Password  string    `json:"password"`
	WorkCode  string    `json:"work_code,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	UseCount  int       `json:"use_count"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// PasswordSweeper deletes stale, rarely used vault entries on a cron
// schedule. Entries from excluded sources are never touched.
type PasswordSweeper struct {
	mu     sync.Mutex
	cfg    *config.Config
	vault  *vault.Vault
	log    *Log
	runner *runner
}

// NewPasswordSweeper builds the sweeper without starting it.
func NewPasswordSweeper(cfg *config.Config, v *vault.Vault, log *Log) *PasswordSweeper {
	return &PasswordSweeper{cfg: cfg, vault: v, log: log, runner: newRunner("password")}
}

func (s *PasswordSweeper) conf() config.PasswordSweepConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PasswordSweep
}

// Start schedules the sweep. A disabled config is a quiet no-op.
func (s *PasswordSweeper) Start(ctx context.Context) error {
	c := s.conf()
	if !c.Enabled {
		slog.Info("password sweeper disabled")
		return nil
	}
	expr := c.Cron
	if expr == "" {
		expr = defaultPasswordCron
	}
	return s.runner.start(ctx, expr, func(context.Context) {
		if _, err := s.RunNow(false); err != nil {
			slog.Error("password sweep failed", slog.Any("error", err))
		}
	})
}

// Stop halts the schedule. In-memory state is kept for Restart.
func (s *PasswordSweeper) Stop() { s.runner.stop() }

// Restart re-reads the schedule from config.
func (s *PasswordSweeper) Restart(ctx context.Context) error {
	s.runner.stop()
	return s.Start(ctx)
}

// Reload swaps the configuration and reschedules. The running schedule is
// stopped before the swap so an in-flight sweep never sees mixed settings.
func (s *PasswordSweeper) Reload(ctx context.Context, cfg *config.Config) error {
	s.runner.stop()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.Start(ctx)
}

// Running reports whether the schedule is active.
func (s *PasswordSweeper) Running() bool { return s.runner.isRunning() }

// NextRun returns the next scheduled fire time, zero when not running.
func (s *PasswordSweeper) NextRun() time.Time { return s.runner.nextRun() }

// Preview lists what a run would delete right now, without deleting.
func (s *PasswordSweeper) Preview() (*PasswordReport, error) {
	return s.RunNow(true)
}

// History lists past password sweep runs, newest first.
func (s *PasswordSweeper) History(limit int) ([]LogRow, error) {
	return s.log.History("password", limit)
}

// RunNow executes one sweep. An entry is deleted when its use count is
// at or below max_use_count, it is older than preserve_days, and its
// source is not excluded.
func (s *PasswordSweeper) RunNow(dryRun bool) (*PasswordReport, error) {
	c := s.conf()
	report := &PasswordReport{DryRun: dryRun, NextRun: s.runner.nextRun()}
	if !c.Enabled && !dryRun {
		report.Disabled = true
		return report, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -c.PreserveDays)
	report.Cutoff = cutoff

	excluded := make(map[string]bool, len(c.ExcludeSources))
	for _, src := range c.ExcludeSources {
		excluded[src] = true
	}

	var victims []string
	for _, e := range s.vault.List() {
		if e.UseCount > c.MaxUseCount || e.CreatedAt.After(cutoff) || excluded[e.Source] {
			continue
		}
		victims = append(victims, e.ID)
		report.Deleted = append(report.Deleted, DeletedPassword{
			ID:        e.ID,
			Password:  vault.Mask(e.Password),
			WorkCode:  e.WorkCode,
			Filename:  e.Filename,
			UseCount:  e.UseCount,
			Source:    e.Source,
			CreatedAt: e.CreatedAt,
		})
	}
	report.DeletedCount = len(victims)
	if dryRun || len(victims) == 0 {
		return report, nil
	}

	removed, err := s.vault.Remove(victims)
	if err != nil {
		return nil, fmt.Errorf("sweep: remove passwords: %w", err)
	}
	report.DeletedCount = removed
	metrics.SweepDeletionsTotal.WithLabelValues("password").Add(float64(removed))

	summary := make([]map[string]any, 0, len(report.Deleted))
	for _, d := range report.Deleted {
		summary = append(summary, map[string]any{
			"id":        d.ID,
			"work_code": d.WorkCode,
			"use_count": d.UseCount,
			"source":    d.Source,
		})
	}
	if err := s.log.Append(LogRow{
		Sweeper:      "password",
		DeletedCount: removed,
		Config: map[string]any{
			"max_use_count":   c.MaxUseCount,
			"preserve_days":   c.PreserveDays,
			"exclude_sources": c.ExcludeSources,
			"cutoff":          cutoff.Format(time.RFC3339),
		},
		Summary: summary,
	}); err != nil {
		slog.Warn("sweep log append failed", slog.Any("error", err))
	}

	slog.Info("password sweep finished",
		slog.Int("deleted", removed),
		slog.Time("cutoff", cutoff))
	return report, nil
}
