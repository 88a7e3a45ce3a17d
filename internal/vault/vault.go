// Package vault manages the extraction password vault.
package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hibiki.cc/otokura/internal/jsonstore"
	"hibiki.cc/otokura/internal/workcode"
)

// Entry sources. Sweeper exclusions key off these.
const (
	SourceManual = "manual"
	SourceBatch  = "batch"
	SourceAuto   = "auto"
)

// Entry is one stored password. WorkCode and Filename are optional
// scopes; an entry carrying neither is generic and tried against every
// archive.
type Entry struct {
	ID          string     `json:"id"`
	WorkCode    string     `json:"work_code,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	Password    string     `json:"password"`
	Description string     `json:"description,omitempty"`
	Source      string     `json:"source"`
	UseCount    int        `json:"use_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Vault holds password entries backed by a single JSON file.
// Safe for concurrent use.
type Vault struct {
	mu      sync.RWMutex
	path    string
	entries []Entry
}

// Open loads the vault file, starting empty when it does not exist yet.
func Open(path string) (*Vault, error) {
	v := &Vault{path: path}
	err := jsonstore.Load(path, &v.entries)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("vault: open %q: %w", path, err)
	}
	return v, nil
}

// Add stores a new entry, filling ID and timestamps. An entry with the
// same password and scope already present is returned unchanged instead
// of being duplicated.
func (v *Vault) Add(e Entry) (Entry, error) {
	if e.Password == "" {
		return Entry{}, fmt.Errorf("vault: password is required")
	}
	if e.Source == "" {
		e.Source = SourceManual
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, existing := range v.entries {
		if existing.Password == e.Password && existing.WorkCode == e.WorkCode && existing.Filename == e.Filename {
			return existing, nil
		}
	}

	now := time.Now().UTC()
	e.ID = uuid.NewString()
	e.CreatedAt = now
	e.UpdatedAt = now
	v.entries = append(v.entries, e)

	if err := v.save(); err != nil {
		v.entries = v.entries[:len(v.entries)-1]
		return Entry{}, err
	}
	return e, nil
}

// Import adds a batch of entries with source "batch", skipping duplicates.
// Returns how many entries were actually added.
func (v *Vault) Import(entries []Entry) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	exists := make(map[string]bool, len(v.entries))
	for _, e := range v.entries {
		exists[dedupeKey(e)] = true
	}

	now := time.Now().UTC()
	added := 0
	for _, e := range entries {
		if e.Password == "" || exists[dedupeKey(e)] {
			continue
		}
		e.ID = uuid.NewString()
		if e.Source == "" {
			e.Source = SourceBatch
		}
		e.CreatedAt = now
		e.UpdatedAt = now
		v.entries = append(v.entries, e)
		exists[dedupeKey(e)] = true
		added++
	}

	if added == 0 {
		return 0, nil
	}
	if err := v.save(); err != nil {
		return 0, err
	}
	return added, nil
}

func dedupeKey(e Entry) string {
	return e.WorkCode + "\x00" + e.Filename + "\x00" + e.Password
}

// Delete removes the entry with the given id. Unknown ids are not an error.
func (v *Vault) Delete(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, e := range v.entries {
		if e.ID == id {
			v.entries = append(v.entries[:i], v.entries[i+1:]...)
			return v.save()
		}
	}
	return nil
}

// Remove deletes all entries whose id appears in ids in one write.
// Returns the number of entries removed.
func (v *Vault) Remove(ids []string) (int, error) {
	victims := make(map[string]bool, len(ids))
	for _, id := range ids {
		victims[id] = true
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	kept := v.entries[:0]
	removed := 0
	for _, e := range v.entries {
		if victims[e.ID] {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}
	v.entries = kept
	if err := v.save(); err != nil {
		return 0, err
	}
	return removed, nil
}

// List returns all entries, newest first.
func (v *Vault) List() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of stored entries.
func (v *Vault) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// PasswordsFor returns candidate passwords for the archive filename,
// ordered work-code matches first, then exact filename matches, then
// generic entries, deduplicated preserving order.
func (v *Vault) PasswordsFor(filename string) []string {
	code, _ := workcode.Extract(filename)

	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []string
	seen := make(map[string]bool)
	appendPwd := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	if code != "" {
		for _, e := range v.entries {
			if e.WorkCode == code {
				appendPwd(e.Password)
			}
		}
	}
	for _, e := range v.entries {
		if e.Filename != "" && e.Filename == filename {
			appendPwd(e.Password)
		}
	}
	for _, e := range v.entries {
		if e.WorkCode == "" && e.Filename == "" {
			appendPwd(e.Password)
		}
	}
	return out
}

// ScopedPasswords splits the candidates for filename by scope: work-code
// matches, exact filename matches, and generic entries. Callers that need
// to interleave other sources between the scopes use this instead of
// PasswordsFor.
func (v *Vault) ScopedPasswords(filename string) (byCode, byFilename, generic []string) {
	code, _ := workcode.Extract(filename)

	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, e := range v.entries {
		switch {
		case code != "" && e.WorkCode == code:
			byCode = append(byCode, e.Password)
		case e.Filename != "" && e.Filename == filename:
			byFilename = append(byFilename, e.Password)
		case e.WorkCode == "" && e.Filename == "":
			generic = append(generic, e.Password)
		}
	}
	return byCode, byFilename, generic
}

// RecordUse bumps the use counter of the first entry holding password.
func (v *Vault) RecordUse(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.entries {
		if v.entries[i].Password == password {
			now := time.Now().UTC()
			v.entries[i].UseCount++
			v.entries[i].LastUsedAt = &now
			v.entries[i].UpdatedAt = now
			slog.Debug("password use recorded",
				"scope", firstNonEmpty(v.entries[i].WorkCode, v.entries[i].Filename, "generic"),
				"use_count", v.entries[i].UseCount,
			)
			return v.save()
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Mask renders a password for reports: first three characters kept,
// the rest replaced.
func Mask(password string) string {
	if len(password) <= 3 {
		return password + "***"
	}
	return password[:3] + "***"
}

func (v *Vault) save() error {
	return jsonstore.Save(v.path, v.entries)
}

// CaptureAuto stores a password that just worked during extraction,
// scoped to the work code and filename it opened.
func (v *Vault) CaptureAuto(password, filename string) {
	if password == "" {
		return
	}
	code, _ := workcode.Extract(filename)
	_, err := v.Add(Entry{
		WorkCode:    code,
		Filename:    filename,
		Password:    password,
		Description: "captured from successful extraction",
		Source:      SourceAuto,
	})
	if err != nil {
		slog.Warn("failed to capture extraction password", "error", err)
	}
}
