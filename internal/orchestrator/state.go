package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"sirpi/internal/analysis"
	"sirpi/internal/status"
)

// ErrInvalidTransition is returned when a status change would move a
// workflow backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid workflow transition")

// DockerfileName is the artifact name of the generated Dockerfile.
const DockerfileName = "Dockerfile"

// WorkflowState is the record of one artifact-generation run. It is only
// mutated by the [Orchestrator] that created it and is immutable once
// Status is terminal.
type WorkflowState struct {
	ID            string
	RepositoryURL string
	Repository    analysis.Repository
	Provider      status.CloudProvider
	Platform      string

	Status  status.WorkflowStatus
	History []status.WorkflowStatus
	Error   string

	Analysis   *analysis.Result
	Dockerfile string
	Terraform  map[string]string

	// Artifacts holds the storage keys of uploaded files.
	Artifacts []string

	StartedAt  time.Time
	FinishedAt time.Time
}

func newState(req Request, now time.Time) *WorkflowState {
	return &WorkflowState{
		ID:            req.ID,
		RepositoryURL: req.RepositoryURL,
		Provider:      req.Provider,
		Platform:      req.Platform,
		Status:        status.WorkflowPending,
		History:       []status.WorkflowStatus{status.WorkflowPending},
		StartedAt:     now,
	}
}

func (s *WorkflowState) transition(next status.WorkflowStatus, now time.Time) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	s.History = append(s.History, next)
	if next.IsTerminal() {
		s.FinishedAt = now
	}
	return nil
}

// Files returns every generated artifact keyed by file name.
func (s *WorkflowState) Files() map[string]string {
	files := make(map[string]string, len(s.Terraform)+1)
	for name, content := range s.Terraform {
		files[name] = content
	}
	if s.Dockerfile != "" {
		files[DockerfileName] = s.Dockerfile
	}
	return files
}

// FileNames returns the artifact names with the Dockerfile first and the
// Terraform files in lexical order.
func (s *WorkflowState) FileNames() []string {
	names := make([]string, 0, len(s.Terraform)+1)
	if s.Dockerfile != "" {
		names = append(names, DockerfileName)
	}
	tf := make([]string, 0, len(s.Terraform))
	for name := range s.Terraform {
		tf = append(tf, name)
	}
	sort.Strings(tf)
	return append(names, tf...)
}

// Duration is the elapsed time of a finished run.
func (s *WorkflowState) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
