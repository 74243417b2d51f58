// Package sandboxtest provides a scripted in-memory [sandbox.Runtime] for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"sirpi/internal/sandbox"
)

// Response is what the fake runtime does for a matching command.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Err makes Exec fail as if the command could not be started.
	Err error

	// Block makes the command run until its context ends.
	Block bool
}

type rule struct {
	match string
	resp  Response
}

// WritePrefix scripts file writes: On(WritePrefix+"/path", resp) matches
// writes to /path only.
const WritePrefix = "write:"

// Runtime is a fake [sandbox.Runtime]. Commands are matched against rules by
// substring in registration order; unmatched commands succeed silently.
//
// File writes issued by [sandbox.Session.WriteFile] are captured rather than
// recorded as commands, and are matched as WritePrefix+path.
type Runtime struct {
	// CreateErr makes Create fail.
	CreateErr error

	mu       sync.Mutex
	rules    []rule
	commands []string
	envs     []map[string]string
	files    map[string]string
	killed   []string
	created  int
	removed  int
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{files: make(map[string]string)}
}

// On registers resp for commands containing match.
func (r *Runtime) On(match string, resp Response) *Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{match: match, resp: resp})
	return r
}

func (r *Runtime) Name() string { return "fake" }

func (r *Runtime) Create(ctx context.Context, template string) (string, error) {
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
	return fmt.Sprintf("fake-sandbox-%d", r.created), nil
}

func (r *Runtime) Exec(ctx context.Context, id string, req sandbox.ExecRequest) (int, error) {
	if p, ok := writeTarget(req.Command); ok && req.Stdin != nil {
		data, err := io.ReadAll(req.Stdin)
		if err != nil {
			return -1, err
		}
		r.mu.Lock()
		r.files[p] = string(data)
		r.mu.Unlock()
		if resp, ok := r.match(WritePrefix + p); ok {
			return resp.ExitCode, resp.Err
		}
		return 0, nil
	}

	r.mu.Lock()
	r.commands = append(r.commands, req.Command)
	r.envs = append(r.envs, req.Env)
	r.mu.Unlock()

	resp, _ := r.match(req.Command)
	if resp.Err != nil {
		return -1, resp.Err
	}
	if resp.Stdout != "" && req.Stdout != nil {
		io.WriteString(req.Stdout, resp.Stdout)
	}
	if resp.Stderr != "" && req.Stderr != nil {
		io.WriteString(req.Stderr, resp.Stderr)
	}
	if resp.Block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return resp.ExitCode, nil
}

func (r *Runtime) match(command string) (Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rl := range r.rules {
		if strings.Contains(command, rl.match) {
			return rl.resp, true
		}
	}
	return Response{}, false
}

func (r *Runtime) Kill(ctx context.Context, id, execID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, execID)
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed++
	return nil
}

// Commands returns every executed command except file writes, in order.
func (r *Runtime) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// CommandsContaining returns executed commands that contain substr.
func (r *Runtime) CommandsContaining(substr string) []string {
	var out []string
	for _, c := range r.Commands() {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

// Envs returns the environment passed with each executed command.
func (r *Runtime) Envs() []map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]string(nil), r.envs...)
}

// File returns the content last written to path.
func (r *Runtime) File(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.files[path]
	return c, ok
}

// Files returns a copy of every written file.
func (r *Runtime) Files() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.files))
	for k, v := range r.files {
		out[k] = v
	}
	return out
}

// Killed returns the exec ids passed to Kill.
func (r *Runtime) Killed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.killed...)
}

// Created and Removed count sandbox lifecycle calls.
func (r *Runtime) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

func (r *Runtime) Removed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

// writeTarget extracts the destination from a WriteFile command.
func writeTarget(command string) (string, bool) {
	const marker = "&& cat > "
	i := strings.Index(command, marker)
	if !strings.HasPrefix(command, "mkdir -p ") || i < 0 {
		return "", false
	}
	return unquote(strings.TrimSpace(command[i+len(marker):])), true
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = s[1 : len(s)-1]
	}
	return strings.ReplaceAll(s, `'"'"'`, "'")
}
