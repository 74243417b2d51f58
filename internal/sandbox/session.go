package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sirpi/internal/metrics"
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateCreated State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// releaseTimeout bounds sandbox removal, which runs even when the caller's
// context is already cancelled.
const releaseTimeout = 30 * time.Second

// DefaultBuildTimeout bounds [Session.BuildImage].
const DefaultBuildTimeout = 20 * time.Minute

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit code.
func (r Result) OK() bool { return r.ExitCode == 0 }

// RunOptions controls a single [Session.RunCommand] call.
type RunOptions struct {
	// StreamOutput delivers stdout and stderr lines to the log callback as
	// they are produced.
	StreamOutput bool

	// Timeout kills the command when exceeded. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// LogCallback receives one log line per call.
type LogCallback func(line string)

// Session is a handle to one provisioned sandbox.
//
// A session is used by one operation at a time. RunCommand may be called
// concurrently, but output callbacks are serialized.
type Session struct {
	id       string
	template string
	runtime  Runtime
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	onLog LogCallback
	env   map[string]string

	emitMu sync.Mutex
	seq    atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// ID returns the runtime's identifier for the sandbox.
func (s *Session) ID() string { return s.id }

// Template returns the template the sandbox was created from.
func (s *Session) Template() string { return s.template }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetLogCallback installs fn as the receiver of log lines and streamed
// command output. Passing nil disables delivery.
func (s *Session) SetLogCallback(fn LogCallback) {
	s.mu.Lock()
	s.onLog = fn
	s.mu.Unlock()
}

// SetEnv sets an environment variable for every later command.
func (s *Session) SetEnv(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env == nil {
		s.env = make(map[string]string)
	}
	s.env[key] = value
}

// Log delivers msg to the log callback.
func (s *Session) Log(msg string) {
	s.emit(msg)
}

func (s *Session) emit(line string) {
	s.mu.Lock()
	fn := s.onLog
	s.mu.Unlock()
	if fn == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	fn(line)
}

func (s *Session) envSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.env) == 0 {
		return nil
	}
	env := make(map[string]string, len(s.env))
	for k, v := range s.env {
		env[k] = v
	}
	return env
}

// RunCommand runs command in the sandbox shell.
//
// A non-zero exit code is reported in [Result] and is not an error. When
// opts.Timeout elapses the command is killed and a [*CommandTimeoutError]
// is returned.
func (s *Session) RunCommand(ctx context.Context, command string, opts RunOptions) (Result, error) {
	return s.exec(ctx, command, nil, opts)
}

func (s *Session) exec(ctx context.Context, command string, stdin *strings.Reader, opts RunOptions) (Result, error) {
	if s.State() != StateReady {
		return Result{}, ErrSessionClosed
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	var emit func(string)
	if opts.StreamOutput {
		emit = s.emit
	}
	stdout := &lineWriter{emit: emit}
	stderr := &lineWriter{emit: emit}

	req := ExecRequest{
		ID:      s.id[:min(12, len(s.id))] + "-" + strconv.FormatUint(s.seq.Add(1), 10),
		Command: command,
		Env:     s.envSnapshot(),
		Stdout:  stdout,
		Stderr:  stderr,
	}
	if stdin != nil {
		req.Stdin = stdin
	}

	code, err := s.runtime.Exec(runCtx, s.id, req)
	stdout.flush()
	stderr.flush()
	res := Result{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		if opts.Timeout > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			s.kill(req.ID)
			metrics.RecordSandboxCommand("timeout")
			return res, &CommandTimeoutError{Command: command, Timeout: opts.Timeout}
		}
		metrics.RecordSandboxCommand("error")
		if ctx.Err() != nil {
			s.kill(req.ID)
			return res, ctx.Err()
		}
		return res, fmt.Errorf("failed to run command in sandbox %s: %w", s.id, err)
	}

	if code == 0 {
		metrics.RecordSandboxCommand("ok")
	} else {
		metrics.RecordSandboxCommand("nonzero")
	}
	return res, nil
}

func (s *Session) kill(execID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.runtime.Kill(ctx, s.id, execID); err != nil {
		s.logger.Warn("failed to kill sandbox command", "sandbox", s.id, "exec", execID, "error", err)
	}
}

// WriteFile writes content to path inside the sandbox, creating parent
// directories as needed.
func (s *Session) WriteFile(ctx context.Context, filePath, content string) error {
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s", ShellQuote(path.Dir(filePath)), ShellQuote(filePath))
	res, err := s.exec(ctx, cmd, strings.NewReader(content), RunOptions{})
	if err != nil {
		return &WriteError{Path: filePath, Err: err}
	}
	if !res.OK() {
		return &WriteError{Path: filePath, Err: fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
	}
	return nil
}

// BuildImage builds a container image inside the sandbox, streaming the
// build output to the log callback.
func (s *Session) BuildImage(ctx context.Context, dockerfilePath, imageName, contextDir string) error {
	s.Log("Building Docker image: " + imageName)

	cmd := fmt.Sprintf("docker build -f %s -t %s %s", ShellQuote(dockerfilePath), ShellQuote(imageName), ShellQuote(contextDir))
	res, err := s.RunCommand(ctx, cmd, RunOptions{StreamOutput: true, Timeout: DefaultBuildTimeout})
	if err != nil {
		return err
	}
	if !res.OK() {
		return &BuildError{Image: imageName, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}

	s.Log("Docker image built successfully: " + imageName)
	return nil
}

// Close releases the sandbox. Only the first call does any work; later
// calls return the first call's result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		s.closeErr = s.runtime.Remove(ctx, s.id)
		metrics.SandboxReleased()
		s.logger.Debug("sandbox released", "sandbox", s.id, "error", s.closeErr)
	})
	return s.closeErr
}

// lineWriter keeps every byte written and hands complete lines to emit.
type lineWriter struct {
	buf     bytes.Buffer
	pending []byte
	emit    func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.emit == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.pending[:i]), "\r")
		w.pending = w.pending[i+1:]
		w.emit(line)
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.emit != nil && len(w.pending) > 0 {
		w.emit(strings.TrimRight(string(w.pending), "\r"))
	}
	w.pending = nil
}

func (w *lineWriter) String() string { return w.buf.String() }
