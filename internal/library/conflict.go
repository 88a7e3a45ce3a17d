package library

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hibiki.cc/otokura/internal/catalog"
	"hibiki.cc/otokura/internal/jsonstore"
	"hibiki.cc/otokura/internal/metadata"
	"hibiki.cc/otokura/internal/metrics"
)

// Conflict kinds, from most to least specific.
const (
	ConflictDuplicate         = "DUPLICATE"
	ConflictLinkedOriginal    = "LINKED_WORK_ORIGINAL"
	ConflictLinkedTranslation = "LINKED_WORK_TRANSLATION"
	ConflictLinkedChild       = "LINKED_WORK_CHILD"
	ConflictLinked            = "LINKED_WORK"
	ConflictLanguageVariant   = "LANGUAGE_VARIANT"
	ConflictMultipleVersions  = "MULTIPLE_VERSIONS"
)

// Conflict statuses. PENDING awaits the operator; the rest name the
// resolution that was applied.
const (
	ResolutionPending   = "PENDING"
	ResolutionKeepNew   = "KEEP_NEW"
	ResolutionKeepOld   = "KEEP_OLD"
	ResolutionMerge     = "MERGE"
	ResolutionSkip      = "SKIP"
	ResolutionKeepBoth  = "KEEP_BOTH"
	ResolutionMergeLang = "MERGE_LANG"
)

// ValidResolution reports whether action names a resolution an operator
// may apply to a pending conflict.
func ValidResolution(action string) bool {
	switch action {
	case ResolutionKeepNew, ResolutionKeepOld, ResolutionMerge,
		ResolutionSkip, ResolutionKeepBoth, ResolutionMergeLang:
		return true
	}
	return false
}

// ConflictRecord captures a duplicate or linked-work collision waiting
// for the operator. NewPath points at the incoming side: the source
// archive when the conflict surfaced before extraction, the extracted
// directory afterwards.
type ConflictRecord struct {
	ID           string                        `json:"id"`
	TaskID       string                        `json:"task_id,omitempty"`
	WorkCode     string                        `json:"work_code"`
	Kind         string                        `json:"kind"`
	ExistingPath string                        `json:"existing_path"`
	NewPath      string                        `json:"new_path"`
	NewMetadata  *metadata.Work                `json:"new_metadata,omitempty"`
	Status       string                        `json:"status"`
	LinkedWorks  map[string]catalog.LinkedWork `json:"linked_works_info,omitempty"`
	Analysis     map[string]any                `json:"analysis_info,omitempty"`
	RelatedCodes []string                      `json:"related_work_codes,omitempty"`
	CreatedAt    time.Time                     `json:"created_at"`
	ResolvedAt   *time.Time                    `json:"resolved_at,omitempty"`
}

// ConflictStore persists conflict records, one JSON file per record.
type ConflictStore struct {
	mu  sync.Mutex
	dir string
}

// OpenConflicts prepares the conflict directory.
func OpenConflicts(dir string) (*ConflictStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("library: conflicts dir %q: %w", dir, err)
	}
	return &ConflictStore{dir: dir}, nil
}

// Create stores a new PENDING record, filling ID, Status and CreatedAt.
// Creation is idempotent per work code: when a PENDING record for the
// code already exists it is returned with created=false, and when the
// incoming path has vanished nothing is recorded at all.
func (cs *ConflictStore) Create(rec ConflictRecord) (*ConflictRecord, bool, error) {
	if rec.WorkCode == "" {
		return nil, false, fmt.Errorf("library: conflict record needs a work code")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if existing := cs.pendingForCodeLocked(rec.WorkCode); existing != nil {
		slog.Debug("conflict already pending", "work_code", rec.WorkCode, "conflict_id", existing.ID)
		return existing, false, nil
	}
	if rec.NewPath != "" {
		if _, err := os.Stat(rec.NewPath); err != nil {
			slog.Warn("skipping conflict for vanished path", "work_code", rec.WorkCode, "path", rec.NewPath)
			return nil, false, nil
		}
	}

	rec.ID = uuid.NewString()
	rec.Status = ResolutionPending
	rec.CreatedAt = time.Now().UTC()
	if rec.Kind == "" {
		rec.Kind = ConflictDuplicate
	}
	if err := jsonstore.Save(cs.recordPath(rec.ID), rec); err != nil {
		return nil, false, err
	}

	metrics.ConflictsTotal.WithLabelValues(rec.Kind).Inc()
	slog.Info("conflict recorded",
		"conflict_id", rec.ID,
		"work_code", rec.WorkCode,
		"kind", rec.Kind,
		"existing", rec.ExistingPath,
		"new", rec.NewPath,
	)
	return &rec, true, nil
}

// Get loads one record by id.
func (cs *ConflictStore) Get(id string) (*ConflictRecord, error) {
	var rec ConflictRecord
	if err := jsonstore.Load(cs.recordPath(id), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("library: conflict %s: %w", id, os.ErrNotExist)
		}
		return nil, err
	}
	return &rec, nil
}

// List returns records newest first, filtered by status when status is
// non-empty.
func (cs *ConflictStore) List(status string) ([]ConflictRecord, error) {
	entries, err := os.ReadDir(cs.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("library: list conflicts: %w", err)
	}

	var out []ConflictRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var rec ConflictRecord
		if err := jsonstore.Load(filepath.Join(cs.dir, entry.Name()), &rec); err != nil {
			slog.Warn("skipping unreadable conflict record", "file", entry.Name(), "error", err)
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PendingForCode returns the PENDING record for code, or nil.
func (cs *ConflictStore) PendingForCode(code string) *ConflictRecord {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.pendingForCodeLocked(code)
}

func (cs *ConflictStore) pendingForCodeLocked(code string) *ConflictRecord {
	pending, err := cs.List(ResolutionPending)
	if err != nil {
		return nil
	}
	for i := range pending {
		if pending[i].WorkCode == code {
			return &pending[i]
		}
	}
	return nil
}

// CountPending returns how many records await resolution.
func (cs *ConflictStore) CountPending() int {
	pending, err := cs.List(ResolutionPending)
	if err != nil {
		return 0
	}
	return len(pending)
}

// SetStatus marks the record resolved with the applied action.
func (cs *ConflictStore) SetStatus(id, status string) (*ConflictRecord, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	rec, err := cs.Get(id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.ResolvedAt = &now
	if err := jsonstore.Save(cs.recordPath(id), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record. Unknown ids are not an error.
func (cs *ConflictStore) Delete(id string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := os.Remove(cs.recordPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("library: delete conflict %s: %w", id, err)
	}
	return nil
}

func (cs *ConflictStore) recordPath(id string) string {
	return filepath.Join(cs.dir, id+".json")
}
