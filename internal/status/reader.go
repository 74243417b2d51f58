package status

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSnapshotPath is where `sirpi generate` writes its snapshot when no
// path is given.
const DefaultSnapshotPath = "sirpi-status.yaml"

// Snapshot is the YAML record of a finished workflow run.
type Snapshot struct {
	WorkflowID string         `yaml:"workflow_id"`
	Repository string         `yaml:"repository"`
	Provider   CloudProvider  `yaml:"provider"`
	Status     WorkflowStatus `yaml:"status"`
	Error      string         `yaml:"error,omitempty"`
	Files      []string       `yaml:"files,omitempty"`
	Stages     []StageSummary `yaml:"stages,omitempty"`
	UpdatedAt  time.Time      `yaml:"updated_at"`
}

// StageSummary captures one stage in a [Snapshot].
type StageSummary struct {
	Name     string        `yaml:"name"`
	Status   StageStatus   `yaml:"status"`
	Duration time.Duration `yaml:"duration"`
	Lines    int           `yaml:"lines"`
}

// ResolvePath picks the snapshot location.
//
// Resolution order:
//  1. SIRPI_STATUS_FILE environment variable
//  2. Explicit path parameter (if non-empty)
//  3. [DefaultSnapshotPath]
func ResolvePath(path string) string {
	if envPath := os.Getenv("SIRPI_STATUS_FILE"); envPath != "" {
		return envPath
	}
	if path != "" {
		return path
	}
	return DefaultSnapshotPath
}

// Reader reads workflow snapshots from YAML files.
type Reader struct {
	path string
}

// NewReader creates a [Reader] for the resolved snapshot path.
func NewReader(path string) *Reader {
	return &Reader{path: ResolvePath(path)}
}

// Read reads and parses the snapshot file.
func (r *Reader) Read() (*Snapshot, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow snapshot: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse workflow snapshot: %w", err)
	}
	if !snap.Status.IsValid() {
		return nil, fmt.Errorf("workflow snapshot has invalid status: %q", snap.Status)
	}
	return &snap, nil
}
