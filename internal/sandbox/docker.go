package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// dockerSocket is mounted into sandboxes that need to build images.
const dockerSocket = "/var/run/docker.sock"

// DockerOptions configures a [DockerRuntime].
type DockerOptions struct {
	// Command is the container CLI, "docker" or "podman". Defaults to docker.
	Command string

	// MountDockerSocket bind-mounts the host docker socket into sandboxes.
	MountDockerSocket bool

	// Memory and CPUs are passed to --memory and --cpus when set.
	Memory string
	CPUs   string

	// WorkDir is the sandbox working directory, created on start.
	WorkDir string
}

// DockerRuntime runs sandboxes as long-lived containers driven through the
// docker (or podman) CLI.
//
// Each sandbox is a detached container running `sleep infinity`; commands run
// through `exec`. The pid of every command's shell is recorded in the
// container so timed-out commands can be killed.
type DockerRuntime struct {
	opts DockerOptions
}

// NewDockerRuntime creates a [DockerRuntime].
func NewDockerRuntime(opts DockerOptions) *DockerRuntime {
	if opts.Command == "" {
		opts.Command = "docker"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "/home/user"
	}
	return &DockerRuntime{opts: opts}
}

func (d *DockerRuntime) Name() string { return d.opts.Command }

// Available reports whether the CLI is installed and the daemon answers.
func (d *DockerRuntime) Available(ctx context.Context) bool {
	if _, err := exec.LookPath(d.opts.Command); err != nil {
		return false
	}
	return exec.CommandContext(ctx, d.opts.Command, "info").Run() == nil
}

func (d *DockerRuntime) Create(ctx context.Context, template string) (string, error) {
	args := d.runArgs(template)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.opts.Command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s run: %w: %s", d.opts.Command, err, strings.TrimSpace(stderr.String()))
	}

	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return "", errors.New("container runtime returned no container id")
	}
	return id, nil
}

func (d *DockerRuntime) runArgs(template string) []string {
	args := []string{"run", "-d", "--rm", "--init", "--workdir", d.opts.WorkDir, "--env", "HOME=" + d.opts.WorkDir}
	if d.opts.Memory != "" {
		args = append(args, "--memory", d.opts.Memory)
	}
	if d.opts.CPUs != "" {
		args = append(args, "--cpus", d.opts.CPUs)
	}
	if d.opts.MountDockerSocket {
		args = append(args, "--volume", dockerSocket+":"+dockerSocket)
	}
	return append(args, template, "sh", "-c", "mkdir -p "+ShellQuote(d.opts.WorkDir)+" && exec sleep infinity")
}

func (d *DockerRuntime) Exec(ctx context.Context, id string, req ExecRequest) (int, error) {
	cmd := exec.CommandContext(ctx, d.opts.Command, d.execArgs(id, req)...)
	cmd.Env = execEnv(req)
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (d *DockerRuntime) execArgs(id string, req ExecRequest) []string {
	args := []string{"exec"}
	if req.Stdin != nil {
		args = append(args, "-i")
	}

	// Values reach docker through its own environment so they never show
	// up in the host process list.
	for _, k := range sortedKeys(req.Env) {
		args = append(args, "--env", k)
	}

	// The wrapper records its pid, then execs the real command in its place.
	wrapper := fmt.Sprintf(`echo $$ > %s; exec sh -c "$1"`, pidFile(req.ID))
	return append(args, id, "sh", "-c", wrapper, "sh", req.Command)
}

// execEnv is the environment of the docker client process for req.
func execEnv(req ExecRequest) []string {
	env := os.Environ()
	for _, k := range sortedKeys(req.Env) {
		env = append(env, k+"="+req.Env[k])
	}
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *DockerRuntime) Kill(ctx context.Context, id, execID string) error {
	pf := pidFile(execID)
	script := fmt.Sprintf(`p=$(cat %s 2>/dev/null) && { pkill -9 -P "$p" 2>/dev/null; kill -9 "$p" 2>/dev/null; }; rm -f %s; true`, pf, pf)
	out, err := exec.CommandContext(ctx, d.opts.Command, "exec", id, "sh", "-c", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to kill command %s: %w: %s", execID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	out, err := exec.CommandContext(ctx, d.opts.Command, "rm", "-f", id).CombinedOutput()
	if err != nil {
		msg := string(out)
		if strings.Contains(msg, "No such container") || strings.Contains(msg, "no such container") {
			return nil
		}
		return fmt.Errorf("%s rm: %w: %s", d.opts.Command, err, strings.TrimSpace(msg))
	}
	return nil
}

func pidFile(execID string) string {
	return "/tmp/.sandbox-exec-" + execID + ".pid"
}
