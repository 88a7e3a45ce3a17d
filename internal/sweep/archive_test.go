package sweep

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hibiki.cc/otokura/internal/archival"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/jsonstore"
)

// seedPoolRow plants a file in the pool plus its backdated row, which
// Pool.Archive cannot do because it stamps processed_at with now.
func seedPoolRow(t *testing.T, poolDir, rowsDir string, row archival.ArchivedSource, size int) {
	t.Helper()
	path := filepath.Join(poolDir, row.Filename)
	if err := os.WriteFile(path, make([]byte, size), 0o640); err != nil {
		t.Fatalf("write pool file: %v", err)
	}
	row.CurrentPath = path
	row.OriginalPath = path
	row.FileSize = int64(size)
	if row.Status == "" {
		row.Status = archival.StatusCompleted
	}
	if err := jsonstore.Save(filepath.Join(rowsDir, row.ID+".json"), row); err != nil {
		t.Fatalf("seed row: %v", err)
	}
}

func newArchiveRig(t *testing.T) (*ArchiveSweeper, *archival.Pool, string) {
	t.Helper()
	root := t.TempDir()
	poolDir := filepath.Join(root, "pool")
	rowsDir := filepath.Join(root, "rows")

	pool, err := archival.OpenPool(poolDir, rowsDir)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}

	now := time.Now().UTC()
	seedPoolRow(t, poolDir, rowsDir, archival.ArchivedSource{
		ID: "old-a", Filename: "RJ111111.zip", WorkCode: "RJ111111",
		ProcessedAt: now.AddDate(0, 0, -90), ProcessCount: 1,
	}, 1000)
	seedPoolRow(t, poolDir, rowsDir, archival.ArchivedSource{
		ID: "old-b", Filename: "RJ222222.zip", WorkCode: "RJ222222",
		ProcessedAt: now.AddDate(0, 0, -60), ProcessCount: 2,
	}, 2000)
	seedPoolRow(t, poolDir, rowsDir, archival.ArchivedSource{
		ID: "fresh-c", Filename: "RJ333333.zip", WorkCode: "RJ333333",
		ProcessedAt: now.AddDate(0, 0, -10), ProcessCount: 1,
	}, 3000)
	seedPoolRow(t, poolDir, rowsDir, archival.ArchivedSource{
		ID: "pinned-d", Filename: "RJ444444.zip", WorkCode: "RJ444444",
		ProcessedAt: now.AddDate(0, 0, -90), ProcessCount: 1,
		Status: archival.StatusReprocessing,
	}, 500)

	cfg := &config.Config{}
	cfg.ArchiveSweep = config.ArchiveSweepConfig{
		Enabled:             true,
		Cron:                "0 1 * * 0",
		Strategy:            "age",
		PreserveDays:        30,
		MaxCount:            1000,
		MaxSizeGB:           50,
		ExcludeReprocessing: true,
	}

	log, err := OpenLog(filepath.Join(root, "sweeplog"))
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	return NewArchiveSweeper(cfg, pool, log), pool, poolDir
}

func TestArchiveSweepAgeStrategy(t *testing.T) {
	s, pool, poolDir := newArchiveRig(t)

	report, err := s.RunNow(context.Background(), false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if report.DeletedCount != 2 {
		t.Fatalf("DeletedCount = %d, want 2", report.DeletedCount)
	}
	if report.FreedBytes != 3000 {
		t.Errorf("FreedBytes = %d, want 3000", report.FreedBytes)
	}
	for _, name := range []string{"RJ111111.zip", "RJ222222.zip"} {
		if _, err := os.Stat(filepath.Join(poolDir, name)); !os.IsNotExist(err) {
			t.Errorf("%s still in pool after sweep", name)
		}
	}
	for _, name := range []string{"RJ333333.zip", "RJ444444.zip"} {
		if _, err := os.Stat(filepath.Join(poolDir, name)); err != nil {
			t.Errorf("%s missing, should have survived: %v", name, err)
		}
	}
	if pool.Count() != 2 {
		t.Errorf("pool.Count() = %d, want 2", pool.Count())
	}

	history, err := s.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(history))
	}
	row := history[0]
	if row.Sweeper != "archive" || row.DeletedCount != 2 || row.FreedBytes != 3000 {
		t.Errorf("log row = %+v, want archive sweep, 2 deleted, 3000 freed", row)
	}
	if row.Config["strategy"] != "age" {
		t.Errorf("log config strategy = %v, want age", row.Config["strategy"])
	}
	if len(row.Summary) != 2 {
		t.Errorf("len(Summary) = %d, want 2", len(row.Summary))
	}
}

func TestArchiveSweepDryRun(t *testing.T) {
	s, pool, _ := newArchiveRig(t)

	report, err := s.Preview(context.Background())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if report.DeletedCount != 2 {
		t.Fatalf("DeletedCount = %d, want 2", report.DeletedCount)
	}
	if report.FreedBytes != 3000 {
		t.Errorf("FreedBytes = %d, want 3000", report.FreedBytes)
	}
	if pool.Count() != 4 {
		t.Errorf("pool.Count() = %d after dry run, want 4", pool.Count())
	}
	history, err := s.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("dry run logged %d rows, want 0", len(history))
	}
}

func TestArchiveSweepDisabledIsNoOp(t *testing.T) {
	s, pool, _ := newArchiveRig(t)
	s.cfg.ArchiveSweep.Enabled = false

	report, err := s.RunNow(context.Background(), false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if !report.Disabled {
		t.Error("report.Disabled = false, want true")
	}
	if pool.Count() != 4 {
		t.Errorf("pool.Count() = %d, want 4", pool.Count())
	}
}

func TestArchiveSweepCountsVanishedFileAsDeleted(t *testing.T) {
	s, pool, poolDir := newArchiveRig(t)

	// Someone removed the file by hand; the sweep still drops the row.
	if err := os.Remove(filepath.Join(poolDir, "RJ111111.zip")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	report, err := s.RunNow(context.Background(), false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if report.DeletedCount != 2 {
		t.Fatalf("DeletedCount = %d, want 2", report.DeletedCount)
	}
	if report.FreedBytes != 2000 {
		t.Errorf("FreedBytes = %d, want 2000 (vanished file frees nothing)", report.FreedBytes)
	}
	if pool.Count() != 2 {
		t.Errorf("pool.Count() = %d, want 2", pool.Count())
	}
}

func TestSelectVictims(t *testing.T) {
	now := time.Now().UTC()
	days := func(n int) time.Time { return now.AddDate(0, 0, -n) }

	// Oldest first, the order Pool.List guarantees.
	rows := []archival.ArchivedSource{
		{ID: "a", FileSize: 3 << 30, ProcessedAt: days(90)},
		{ID: "b", FileSize: 2 << 30, ProcessedAt: days(60), Status: archival.StatusReprocessing},
		{ID: "c", FileSize: 2 << 30, ProcessedAt: days(40)},
		{ID: "d", FileSize: 1 << 30, ProcessedAt: days(5)},
	}

	tests := []struct {
		name string
		cfg  config.ArchiveSweepConfig
		want []string
	}{
		{
			"age excludes pinned",
			config.ArchiveSweepConfig{Strategy: "age", PreserveDays: 30, ExcludeReprocessing: true},
			[]string{"a", "c"},
		},
		{
			"age includes pinned when configured",
			config.ArchiveSweepConfig{Strategy: "age", PreserveDays: 30},
			[]string{"a", "b", "c"},
		},
		{
			"count keeps newest",
			config.ArchiveSweepConfig{Strategy: "count", MaxCount: 1, ExcludeReprocessing: true},
			[]string{"a", "c"},
		},
		{
			"count under limit",
			config.ArchiveSweepConfig{Strategy: "count", MaxCount: 10, ExcludeReprocessing: true},
			nil,
		},
		{
			"size trims oldest until under cap",
			config.ArchiveSweepConfig{Strategy: "size", MaxSizeGB: 3, ExcludeReprocessing: true},
			[]string{"a"},
		},
		{
			"size already under cap",
			config.ArchiveSweepConfig{Strategy: "size", MaxSizeGB: 10, ExcludeReprocessing: true},
			nil,
		},
		{
			"unknown strategy deletes nothing",
			config.ArchiveSweepConfig{Strategy: "bogus"},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectVictims(rows, tt.cfg)
			if len(got) != len(tt.want) {
				t.Fatalf("selectVictims picked %d rows, want %d", len(got), len(tt.want))
			}
			for i, row := range got {
				if row.ID != tt.want[i] {
					t.Errorf("victim[%d] = %s, want %s", i, row.ID, tt.want[i])
				}
			}
		})
	}
}
