// Package storage provides the atomic JSON persistence layer, the on-disk
// layout for stories and branches, and the lock manager that serializes
// multi-file writes.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSONAtomic marshals v as indented UTF-8 JSON and writes it to path
// via a temp file and rename, so readers never observe a partial document.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s into place: %w", tmp, err)
	}

	return nil
}

// ReadJSON unmarshals path into v. It returns (false, nil) when the file is
// absent, leaving v untouched so callers keep their typed default. A corrupt
// file is an error: the caller must surface it, never silently reset.
func ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("corrupt JSON in %s: %w", path, err)
	}

	return true, nil
}
