// Package jsonstore reads and writes JSON state files atomically.
// Writes go through a unique temp file in the target directory followed
// by a rename, so a crash never leaves a half-written state file behind.
package jsonstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Save atomically writes v as indented JSON to path, creating parent
// directories as needed.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonstore: marshal %q: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("jsonstore: create directory %q: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("jsonstore: create temp file for %q: %w", path, err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonstore: write temp file for %q: %w", path, err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonstore: close temp file for %q: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonstore: rename temp → %q: %w", path, err)
	}
	return nil
}

// Load reads the JSON file at path into v.
// Returns an error satisfying errors.Is(err, os.ErrNotExist) when the
// file does not exist.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("jsonstore: %q not found: %w", path, os.ErrNotExist)
		}
		return fmt.Errorf("jsonstore: read %q: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsonstore: unmarshal %q: %w", path, err)
	}
	return nil
}
