// Package sandbox provisions isolated execution environments and runs shell
// commands, file writes and image builds inside them.
//
// Key types:
//   - [Manager] acquires sessions from a [Runtime]
//   - [Session] is one held sandbox: RunCommand, WriteFile, BuildImage, Close
//   - [Runtime] abstracts the isolation technology; [DockerRuntime] is the default
//
// Callers should prefer [Manager.Use], which guarantees the sandbox is
// released exactly once on every exit path.
package sandbox

import (
	"context"
	"errors"
	"log/slog"

	"sirpi/internal/metrics"
)

// ErrNoTemplate is wrapped in a [ProvisioningError] when no template is given.
var ErrNoTemplate = errors.New("no sandbox template configured")

// Manager acquires sandbox sessions.
type Manager struct {
	runtime Runtime
	logger  *slog.Logger
}

// NewManager creates a [Manager] backed by runtime.
func NewManager(runtime Runtime, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{runtime: runtime, logger: logger}
}

// Acquire provisions a sandbox from template. The caller owns the returned
// session and must Close it.
func (m *Manager) Acquire(ctx context.Context, template string) (*Session, error) {
	if template == "" {
		return nil, &ProvisioningError{Template: template, Err: ErrNoTemplate}
	}

	id, err := m.runtime.Create(ctx, template)
	if err != nil {
		return nil, &ProvisioningError{Template: template, Err: err}
	}
	metrics.SandboxAcquired()
	m.logger.Debug("sandbox acquired", "sandbox", id, "template", template, "runtime", m.runtime.Name())

	return &Session{
		id:       id,
		template: template,
		runtime:  m.runtime,
		logger:   m.logger,
		state:    StateReady,
	}, nil
}

// Use acquires a sandbox, runs fn with it and releases it afterwards,
// whether fn returns normally, returns an error or panics.
//
// Release failures are logged, not returned: the operation's own result
// is what the caller needs.
func (m *Manager) Use(ctx context.Context, template string, fn func(*Session) error) error {
	sess, err := m.Acquire(ctx, template)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			m.logger.Warn("failed to release sandbox", "sandbox", sess.ID(), "error", cerr)
		}
	}()
	return fn(sess)
}
