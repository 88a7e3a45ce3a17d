package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"hibiki.cc/otokura/internal/jsonstore"
)

// ScanCacheEntry caches duplicate analysis for one first-level folder of
// the existing/ tree, so repeated pre-checks skip the catalog round trip.
type ScanCacheEntry struct {
	FolderPath    string          `json:"folder_path"`
	Name          string          `json:"name"`
	WorkCode      string          `json:"work_code,omitempty"`
	DuplicateInfo json.RawMessage `json:"duplicate_info,omitempty"`
	FileCount     int             `json:"file_count"`
	FolderSize    int64           `json:"folder_size"`
	CachedAt      time.Time       `json:"cached_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	NeedsRefresh  bool            `json:"needs_refresh"`
}

// ScanCache is the folder-path → analysis index, backed by a single JSON
// file. Safe for concurrent use.
type ScanCache struct {
	mu      sync.RWMutex
	path    string
	entries map[string]ScanCacheEntry
}

// OpenScanCache loads the cache file, starting empty when absent.
func OpenScanCache(path string) (*ScanCache, error) {
	c := &ScanCache{path: path, entries: make(map[string]ScanCacheEntry)}
	err := jsonstore.Load(path, &c.entries)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("library: open scan cache %q: %w", path, err)
	}
	return c, nil
}

// Get returns the entry for the folder path. Entries whose folder is
// gone are purged and reported as misses.
func (c *ScanCache) Get(folderPath string) (ScanCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[folderPath]
	if !ok {
		return ScanCacheEntry{}, false
	}
	if _, err := os.Stat(folderPath); err != nil {
		delete(c.entries, folderPath)
		_ = c.save()
		return ScanCacheEntry{}, false
	}
	return entry, true
}

// Put inserts or replaces the entry for its folder path.
func (c *ScanCache) Put(entry ScanCacheEntry) error {
	if entry.FolderPath == "" {
		return fmt.Errorf("library: scan cache entry needs a folder path")
	}
	now := time.Now().UTC()
	if entry.CachedAt.IsZero() {
		entry.CachedAt = now
	}
	entry.UpdatedAt = now

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entry.FolderPath] = entry
	return c.save()
}

// MarkNeedsRefresh flags the entry for folderPath, if cached, so the
// next refresh re-runs its duplicate analysis.
func (c *ScanCache) MarkNeedsRefresh(folderPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[folderPath]
	if !ok || entry.NeedsRefresh {
		return
	}
	entry.NeedsRefresh = true
	entry.UpdatedAt = time.Now().UTC()
	c.entries[folderPath] = entry
	_ = c.save()
}

// Delete removes the entry for folderPath. Unknown paths are not an error.
func (c *ScanCache) Delete(folderPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[folderPath]; !ok {
		return nil
	}
	delete(c.entries, folderPath)
	return c.save()
}

// All returns every entry ordered by folder path.
func (c *ScanCache) All() []ScanCacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ScanCacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FolderPath < out[j].FolderPath })
	return out
}

// Count returns the number of cached folders.
func (c *ScanCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ScanCache) save() error {
	return jsonstore.Save(c.path, c.entries)
}
