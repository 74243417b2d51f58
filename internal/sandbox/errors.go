package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionClosed is returned by operations on a released session.
var ErrSessionClosed = errors.New("sandbox session is closed")

// ProvisioningError reports that a sandbox could not be created.
type ProvisioningError struct {
	Template string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision sandbox from template %q: %v", e.Template, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// CommandTimeoutError reports a command that exceeded its timeout. The
// command has been killed by the time this error is returned.
type CommandTimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, truncate(e.Command, 120))
}

// WriteError reports a failed file write inside the sandbox.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// BuildError reports a failed container image build. Stderr is the build
// tool's output, surfaced verbatim.
type BuildError struct {
	Image    string
	ExitCode int
	Stderr   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("docker build of %s failed with exit code %d: %s", e.Image, e.ExitCode, e.Stderr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
