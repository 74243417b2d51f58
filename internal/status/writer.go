package status

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Writer writes workflow snapshots to YAML files.
type Writer struct {
	path string
}

// NewWriter creates a [Writer] for the resolved snapshot path.
func NewWriter(path string) *Writer {
	return &Writer{path: ResolvePath(path)}
}

// Path returns the file the writer targets.
func (w *Writer) Path() string {
	return w.path
}

// Write persists snap, replacing any previous snapshot.
func (w *Writer) Write(snap *Snapshot) error {
	if !snap.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", snap.Status)
	}

	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow snapshot: %w", err)
	}

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to write workflow snapshot: %w", err)
		}
	}

	// Write to temp, then rename, so readers never see a partial file.
	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write workflow snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write workflow snapshot: %w", err)
	}

	return nil
}
