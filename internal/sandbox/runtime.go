package sandbox

import (
	"context"
	"io"
	"strings"
)

// Runtime abstracts the isolation technology behind sandbox sessions.
//
// Implementations must be safe for concurrent use by multiple sessions.
// [DockerRuntime] is the production implementation; the sandboxtest package
// provides a scripted fake.
type Runtime interface {
	// Name identifies the runtime in logs.
	Name() string

	// Create provisions a sandbox from template and returns its id.
	Create(ctx context.Context, template string) (string, error)

	// Exec runs req.Command inside sandbox id and returns its exit code.
	//
	// A command that runs to completion returns its exit code and a nil
	// error, whatever the code. An error means the command could not be run
	// or ctx ended first.
	Exec(ctx context.Context, id string, req ExecRequest) (int, error)

	// Kill terminates the command started with execID, if still running.
	Kill(ctx context.Context, id, execID string) error

	// Remove destroys the sandbox. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error
}

// ExecRequest describes one command execution.
type ExecRequest struct {
	// ID is unique per session and identifies the command for Kill.
	ID      string
	Command string
	Env     map[string]string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// ShellQuote quotes s for safe interpolation into a POSIX shell command.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
