package sandbox

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDockerRuntime_RunArgs(t *testing.T) {
	d := NewDockerRuntime(DockerOptions{MountDockerSocket: true, Memory: "2g", CPUs: "2"})

	args := d.runArgs("sirpi-sandbox:latest")
	joined := strings.Join(args, " ")

	assert.Equal(t, "docker", d.Name())
	assert.Equal(t, []string{"run", "-d", "--rm", "--init"}, args[:4])
	assert.Contains(t, joined, "--memory 2g")
	assert.Contains(t, joined, "--cpus 2")
	assert.Contains(t, joined, "--volume /var/run/docker.sock:/var/run/docker.sock")
	assert.Contains(t, joined, "HOME=/home/user")
	assert.Contains(t, joined, "sirpi-sandbox:latest sh -c")
}

func TestDockerRuntime_ExecArgs(t *testing.T) {
	d := NewDockerRuntime(DockerOptions{Command: "podman"})

	args := d.execArgs("c1", ExecRequest{
		ID:      "c1-7",
		Command: "terraform init",
		Env:     map[string]string{"B": "2", "A": "1"},
	})

	assert.Equal(t, []string{
		"exec",
		"--env", "A",
		"--env", "B",
		"c1", "sh", "-c", `echo $$ > /tmp/.sandbox-exec-c1-7.pid; exec sh -c "$1"`, "sh", "terraform init",
	}, args)
}

func TestDockerRuntime_ExecEnvKeepsValuesOffCommandLine(t *testing.T) {
	d := NewDockerRuntime(DockerOptions{})
	req := ExecRequest{
		ID:      "1",
		Command: "gcloud auth list",
		Env:     map[string]string{"CLOUDSDK_AUTH_ACCESS_TOKEN": "ya29.secret"},
	}

	args := d.execArgs("c1", req)
	assert.NotContains(t, strings.Join(args, " "), "ya29.secret")
	assert.Contains(t, args, "CLOUDSDK_AUTH_ACCESS_TOKEN")

	env := execEnv(req)
	assert.Equal(t, "CLOUDSDK_AUTH_ACCESS_TOKEN=ya29.secret", env[len(env)-1])
	assert.Subset(t, env, os.Environ(), "the client keeps the host environment")
}

func TestDockerRuntime_ExecArgs_Stdin(t *testing.T) {
	d := NewDockerRuntime(DockerOptions{})
	args := d.execArgs("c1", ExecRequest{ID: "1", Command: "cat > f", Stdin: strings.NewReader("x")})
	assert.Equal(t, "-i", args[1])
}
