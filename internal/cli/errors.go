package cli

import (
	"errors"
	"fmt"
)

// ExitError carries a process exit code out of a command.
//
// Commands print their own failure message and return NewExitError(1)
// instead of calling os.Exit, so tests can run the command tree and assert
// on the code. [Execute] turns the code into the process status.
type ExitError struct {
	// Code is the process exit code. Zero is never used.
	Code int
}

// Error returns "exit status N", matching os/exec.
func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewExitError creates an [ExitError] with the given exit code.
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// IsExitError reports whether err is or wraps an [ExitError] and returns its
// code.
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
