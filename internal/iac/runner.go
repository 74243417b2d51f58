// Package iac drives Terraform through init, plan, apply and destroy inside
// a sandbox.
//
// Key types:
//   - [Runner] executes the lifecycle against one working directory
//   - [Shell] is the sandbox surface the runner needs
//   - [StepError] carries a failed step's exit code and stderr
//
// A runner is a small state machine:
//
//	uninitialized -> initialized -> planned -> applied | destroyed
//
// Apply is also allowed straight after init. Destroy is allowed from any
// initialized state because the infrastructure it removes usually was
// applied by an earlier runner in another sandbox.
package iac

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"sync"
	"time"

	"sirpi/internal/sandbox"
)

// DefaultDir is the Terraform working directory inside the sandbox.
const DefaultDir = "/home/user/terraform"

// BackendFile holds the generated backend configuration.
const BackendFile = "backend.tf"

// Timeouts bounds each Terraform command.
type Timeouts struct {
	Init    time.Duration
	Plan    time.Duration
	Apply   time.Duration
	Destroy time.Duration
	Output  time.Duration
}

// DefaultTimeouts returns the standard command limits. Apply and destroy
// provision real infrastructure and get the longest budget.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Init:    300 * time.Second,
		Plan:    300 * time.Second,
		Apply:   900 * time.Second,
		Destroy: 900 * time.Second,
		Output:  30 * time.Second,
	}
}

// Shell is the subset of [sandbox.Session] used by the runner.
type Shell interface {
	RunCommand(ctx context.Context, command string, opts sandbox.RunOptions) (sandbox.Result, error)
	WriteFile(ctx context.Context, filePath, content string) error
	Log(msg string)
}

// State is the runner's position in the Terraform lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StatePlanned
	StateApplied
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StatePlanned:
		return "planned"
	case StateApplied:
		return "applied"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// allowedFrom lists the states each step may start from.
var allowedFrom = map[Step][]State{
	StepInit:    {StateUninitialized},
	StepPlan:    {StateInitialized, StatePlanned},
	StepApply:   {StateInitialized, StatePlanned},
	StepDestroy: {StateInitialized, StatePlanned, StateApplied},
}

var nextState = map[Step]State{
	StepInit:    StateInitialized,
	StepPlan:    StatePlanned,
	StepApply:   StateApplied,
	StepDestroy: StateDestroyed,
}

var backendBlock = regexp.MustCompile(`(?s)backend\s+"[^"]+"\s*\{[^}]*\}`)

// StripBackendBlocks removes every `backend "<kind>" { ... }` block from
// Terraform source so the generated backend.tf is the only declaration.
func StripBackendBlocks(content string) string {
	return backendBlock.ReplaceAllString(content, "")
}

// Runner drives Terraform in one directory of a sandbox.
type Runner struct {
	shell    Shell
	dir      string
	timeouts Timeouts
	logger   *slog.Logger

	mu    sync.Mutex
	state State
}

// NewRunner creates a runner for dir (DefaultDir when empty).
func NewRunner(shell Shell, dir string, logger *slog.Logger) *Runner {
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{shell: shell, dir: dir, timeouts: DefaultTimeouts(), logger: logger}
}

// SetTimeouts overrides the command limits.
func (r *Runner) SetTimeouts(t Timeouts) {
	r.timeouts = t
}

// Dir returns the working directory.
func (r *Runner) Dir() string { return r.dir }

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Prepare writes files into the working directory with any embedded
// backend blocks stripped, then writes backendConfig as backend.tf.
// It must be called before Init.
func (r *Runner) Prepare(ctx context.Context, files map[string]string, backendConfig string) error {
	if s := r.State(); s != StateUninitialized {
		return fmt.Errorf("%w: cannot prepare workspace when %s", ErrInvalidTransition, s)
	}

	res, err := r.shell.RunCommand(ctx, "mkdir -p "+sandbox.ShellQuote(r.dir), sandbox.RunOptions{})
	if err != nil {
		return fmt.Errorf("failed to create terraform directory: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("failed to create terraform directory: %s", res.Stderr)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == BackendFile {
			continue
		}
		content := StripBackendBlocks(files[name])
		if err := r.shell.WriteFile(ctx, path.Join(r.dir, name), content); err != nil {
			return err
		}
	}
	if err := r.shell.WriteFile(ctx, path.Join(r.dir, BackendFile), backendConfig); err != nil {
		return err
	}

	r.shell.Log(fmt.Sprintf("Wrote %d Terraform files to %s", len(names), r.dir))
	return nil
}

// WriteVarFile writes a tfvars file into the working directory and returns
// its path.
func (r *Runner) WriteVarFile(ctx context.Context, name, content string) (string, error) {
	p := path.Join(r.dir, name)
	if err := r.shell.WriteFile(ctx, p, content); err != nil {
		return "", err
	}
	return p, nil
}

// Init runs terraform init.
func (r *Runner) Init(ctx context.Context) error {
	if _, err := r.run(ctx, StepInit, "terraform init -input=false -no-color", r.timeouts.Init); err != nil {
		return err
	}
	r.shell.Log("Terraform initialized successfully")
	return nil
}

// Plan runs terraform plan and returns its output.
func (r *Runner) Plan(ctx context.Context, varFile string) (string, error) {
	res, err := r.run(ctx, StepPlan, withVarFile("terraform plan -input=false -no-color", varFile), r.timeouts.Plan)
	if err != nil {
		return "", err
	}
	r.shell.Log("Terraform plan generated successfully")
	return res.Stdout, nil
}

// Apply runs terraform apply and returns the flattened outputs.
func (r *Runner) Apply(ctx context.Context, varFile string) (map[string]any, error) {
	if _, err := r.run(ctx, StepApply, withVarFile("terraform apply -auto-approve -input=false -no-color", varFile), r.timeouts.Apply); err != nil {
		return nil, err
	}
	r.shell.Log("Infrastructure deployed successfully")
	return r.Outputs(ctx), nil
}

// Destroy runs terraform destroy.
func (r *Runner) Destroy(ctx context.Context, varFile string) error {
	if _, err := r.run(ctx, StepDestroy, withVarFile("terraform destroy -auto-approve -input=false -no-color", varFile), r.timeouts.Destroy); err != nil {
		return err
	}
	r.shell.Log("Infrastructure destroyed successfully")
	return nil
}

// Outputs returns the current Terraform outputs. Outputs are informational,
// so any failure yields an empty map and a warning.
func (r *Runner) Outputs(ctx context.Context) map[string]any {
	res, err := r.shell.RunCommand(ctx, r.inDir("terraform output -json -no-color"), sandbox.RunOptions{Timeout: r.timeouts.Output})
	if err != nil {
		r.logger.Warn("failed to read terraform outputs", "dir", r.dir, "error", err)
		return map[string]any{}
	}
	if !res.OK() {
		r.logger.Warn("failed to read terraform outputs", "dir", r.dir, "exit_code", res.ExitCode, "stderr", res.Stderr)
		return map[string]any{}
	}
	out, err := ParseOutputs([]byte(res.Stdout))
	if err != nil {
		r.logger.Warn("could not parse terraform outputs", "dir", r.dir, "error", err)
		return map[string]any{}
	}
	return out
}

func (r *Runner) run(ctx context.Context, step Step, command string, timeout time.Duration) (sandbox.Result, error) {
	if err := r.check(step); err != nil {
		return sandbox.Result{}, err
	}

	r.shell.Log("$ " + command)
	res, err := r.shell.RunCommand(ctx, r.inDir(command), sandbox.RunOptions{StreamOutput: true, Timeout: timeout})
	if err != nil {
		if ctx.Err() != nil {
			return res, err
		}
		return res, &StepError{Step: step, ExitCode: -1, Err: err}
	}
	if !res.OK() {
		return res, &StepError{Step: step, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	r.mu.Lock()
	r.state = nextState[step]
	r.mu.Unlock()
	return res, nil
}

func (r *Runner) check(step Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range allowedFrom[step] {
		if r.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s when %s", ErrInvalidTransition, step, r.state)
}

func (r *Runner) inDir(command string) string {
	return "cd " + sandbox.ShellQuote(r.dir) + " && " + command
}

func withVarFile(command, varFile string) string {
	if varFile == "" {
		return command
	}
	return command + " -var-file=" + sandbox.ShellQuote(varFile)
}
