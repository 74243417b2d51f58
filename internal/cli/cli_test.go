package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirpi/internal/orchestrator"
	"sirpi/internal/status"
	"sirpi/internal/store"
)

// fields splits output into lines of whitespace-separated fields.
func fields(out string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		rows = append(rows, strings.Fields(line))
	}
	return rows
}

func successfulState() *orchestrator.WorkflowState {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &orchestrator.WorkflowState{
		ID:            "wf-1",
		RepositoryURL: "https://github.com/acme/shop",
		Provider:      status.CloudAWS,
		Platform:      "aws_fargate",
		Status:        status.WorkflowSuccess,
		History: []status.WorkflowStatus{
			status.WorkflowPending, status.WorkflowAnalyzing, status.WorkflowGenerating, status.WorkflowSuccess,
		},
		Dockerfile: "FROM node:20-alpine\n",
		Terraform: map[string]string{
			"main.tf":      "terraform {}\n",
			"variables.tf": "variable \"app_name\" {}\n",
		},
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
	}
}

func TestExitError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewExitError(3))

	code, ok := IsExitError(err)
	assert.True(t, ok)
	assert.Equal(t, 3, code)
	assert.Equal(t, "exit status 3", NewExitError(3).Error())

	_, ok = IsExitError(errors.New("plain"))
	assert.False(t, ok)
	_, ok = IsExitError(nil)
	assert.False(t, ok)
}

func TestExecute_UnknownCommand(t *testing.T) {
	app, _ := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})

	res := runCommand(app, "bogus")

	assert.Equal(t, 1, res.ExitCode)
	_, isExit := IsExitError(res.Err)
	assert.False(t, isExit)
}

func TestGenerateCommand_Success(t *testing.T) {
	t.Setenv("SIRPI_STATUS_FILE", "")
	statusPath := filepath.Join(t.TempDir(), "status.yaml")
	workflows := &MockWorkflowRunner{State: successfulState()}
	app, buf := newTestApp(t, workflows, &MockDeploymentRunner{})

	res := runCommand(app, "generate", "https://github.com/acme/shop",
		"--provider", "aws", "--project", "p1", "--status-file", statusPath)

	require.Equal(t, 0, res.ExitCode, buf.String())
	require.Len(t, workflows.Requests, 1)
	assert.Equal(t, orchestrator.Request{
		RepositoryURL: "https://github.com/acme/shop",
		Provider:      status.CloudAWS,
		ProjectID:     "p1",
	}, workflows.Requests[0])

	out := buf.String()
	assert.Contains(t, out, "wf-1 analyzing")
	assert.Contains(t, out, "✓ Generated 3 files (3s)")
	assert.Contains(t, out, "Platform: aws_fargate")
	assert.Less(t, strings.Index(out, "Dockerfile"), strings.Index(out, "main.tf"))

	snap, err := status.NewReader(statusPath).Read()
	require.NoError(t, err)
	assert.Equal(t, status.WorkflowSuccess, snap.Status)
	assert.Equal(t, []string{"Dockerfile", "main.tf", "variables.tf"}, snap.Files)
}

func TestGenerateCommand_WorkflowFailed(t *testing.T) {
	t.Setenv("SIRPI_STATUS_FILE", filepath.Join(t.TempDir(), "status.yaml"))
	state := successfulState()
	state.Status = status.WorkflowFailed
	state.Error = "analysis service unavailable"
	app, buf := newTestApp(t, &MockWorkflowRunner{State: state, Err: errors.New("analysis service unavailable")}, &MockDeploymentRunner{})

	res := runCommand(app, "generate", "https://github.com/acme/shop")

	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, buf.String(), "✗ Workflow failed: analysis service unavailable")
}

func TestGenerateCommand_Rejected(t *testing.T) {
	t.Setenv("SIRPI_STATUS_FILE", filepath.Join(t.TempDir(), "status.yaml"))
	app, buf := newTestApp(t, &MockWorkflowRunner{Err: errors.New("invalid repository URL")}, &MockDeploymentRunner{})

	res := runCommand(app, "generate", "not-a-url")

	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, buf.String(), "✗ invalid repository URL")
}

func TestDeployOperationCommands(t *testing.T) {
	tests := []struct {
		args []string
		op   status.Operation
		want string
	}{
		{[]string{"deploy", "build", "p1"}, status.OperationBuildImage, "Image: registry.example.com/shop:latest"},
		{[]string{"deploy", "plan", "p1"}, status.OperationPlan, "Plan: 3 to add"},
		{[]string{"deploy", "apply", "p1"}, status.OperationApply, "Application URL: https://shop.example.com"},
		{[]string{"deploy", "destroy", "p1"}, status.OperationDestroy, "✓ destroy completed (2s)"},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			deployments := &MockDeploymentRunner{}
			app, buf := newTestApp(t, &MockWorkflowRunner{}, deployments)

			res := runCommand(app, tt.args...)

			require.Equal(t, 0, res.ExitCode, buf.String())
			assert.Equal(t, []status.Operation{tt.op}, deployments.Ran)
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestDeployOperation_Failure(t *testing.T) {
	deployments := &MockDeploymentRunner{FailOn: status.OperationBuildImage, Err: errors.New("Dockerfile not found")}
	app, buf := newTestApp(t, &MockWorkflowRunner{}, deployments)

	res := runCommand(app, "deploy", "build", "p1")

	assert.Equal(t, 1, res.ExitCode)
	code, ok := IsExitError(res.Err)
	assert.True(t, ok)
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "✗ build_image failed: Dockerfile not found")
}

func TestDeployOperation_RequiresProjectID(t *testing.T) {
	app, _ := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})
	res := runCommand(app, "deploy", "plan")
	assert.Equal(t, 1, res.ExitCode)
}

func TestDeployNext(t *testing.T) {
	tests := []struct {
		current status.DeploymentStatus
		want    []status.Operation
	}{
		{status.DeploymentNone, []status.Operation{status.OperationBuildImage}},
		{status.DeploymentImageBuilt, []status.Operation{status.OperationPlan}},
		{status.DeploymentPlanGenerated, []status.Operation{status.OperationApply}},
		{status.DeploymentDestroyed, []status.Operation{status.OperationBuildImage}},
		{status.DeploymentDeployed, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.current), func(t *testing.T) {
			deployments := &MockDeploymentRunner{Status: tt.current}
			app, buf := newTestApp(t, &MockWorkflowRunner{}, deployments)

			res := runCommand(app, "deploy", "next", "p1")

			require.Equal(t, 0, res.ExitCode, buf.String())
			assert.Equal(t, tt.want, deployments.Ran)
		})
	}
}

func TestDeployRun_FullCycle(t *testing.T) {
	deployments := &MockDeploymentRunner{Status: status.DeploymentNone}
	app, buf := newTestApp(t, &MockWorkflowRunner{}, deployments)

	res := runCommand(app, "deploy", "run", "p1")

	require.Equal(t, 0, res.ExitCode, buf.String())
	assert.Equal(t, []status.Operation{
		status.OperationBuildImage, status.OperationPlan, status.OperationApply,
	}, deployments.Ran)

	out := buf.String()
	assert.Contains(t, out, "[1/3] → build_image")
	assert.Contains(t, out, "[3/3] → apply")
	assert.Contains(t, out, "Application URL: https://shop.example.com")
	assert.Contains(t, out, "✓ Project deployed")
}

func TestDeployRun_ResumesFromStatus(t *testing.T) {
	deployments := &MockDeploymentRunner{Status: status.DeploymentPlanGenerated}
	app, buf := newTestApp(t, &MockWorkflowRunner{}, deployments)

	res := runCommand(app, "deploy", "run", "p1")

	require.Equal(t, 0, res.ExitCode, buf.String())
	assert.Equal(t, []status.Operation{status.OperationApply}, deployments.Ran)
	assert.Contains(t, buf.String(), "[1/1] → apply")
}

func TestDeployRun_StopsOnFailure(t *testing.T) {
	deployments := &MockDeploymentRunner{
		Status: status.DeploymentNone,
		FailOn: status.OperationPlan,
		Err:    errors.New("terraform init failed"),
	}
	app, buf := newTestApp(t, &MockWorkflowRunner{}, deployments)

	res := runCommand(app, "deploy", "run", "p1")

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, []status.Operation{status.OperationBuildImage, status.OperationPlan}, deployments.Ran)
	assert.Contains(t, buf.String(), "✗ plan failed: terraform init failed")
	assert.NotContains(t, buf.String(), "Project deployed")
}

func TestDeployRun_AlreadyDeployed(t *testing.T) {
	deployments := &MockDeploymentRunner{Status: status.DeploymentDeployed}
	app, buf := newTestApp(t, &MockWorkflowRunner{}, deployments)

	res := runCommand(app, "deploy", "run", "p1")

	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, deployments.Ran)
	assert.Contains(t, buf.String(), "✓ Project is already deployed")
}

func TestDeployRun_DryRun(t *testing.T) {
	deployments := &MockDeploymentRunner{Status: status.DeploymentImageBuilt}
	app, buf := newTestApp(t, &MockWorkflowRunner{}, deployments)

	res := runCommand(app, "deploy", "run", "p1", "--dry-run")

	require.Equal(t, 0, res.ExitCode, buf.String())
	assert.Empty(t, deployments.Ran)
	assert.Equal(t, [][]string{
		{"STEP", "OPERATION", "STATUS", "AFTER"},
		{"1", "plan", "plan_generated"},
		{"2", "apply", "deployed"},
	}, fields(buf.String()))
}

func TestDeployLogs(t *testing.T) {
	deployments := &MockDeploymentRunner{LogEntries: []store.DeploymentLog{
		{
			Operation:       status.OperationBuildImage,
			Status:          status.StageSuccess,
			Lines:           []string{"Starting Docker image build...", "Image pushed successfully: repo:latest"},
			DurationSeconds: 42,
		},
	}}
	app, buf := newTestApp(t, &MockWorkflowRunner{}, deployments)

	res := runCommand(app, "deploy", "logs", "p1")

	require.Equal(t, 0, res.ExitCode)
	out := buf.String()
	assert.Contains(t, out, "build_image (success, 42s)")
	assert.Contains(t, out, "  Image pushed successfully: repo:latest")
}

func TestDeployLogs_Empty(t *testing.T) {
	app, buf := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})

	res := runCommand(app, "deploy", "logs", "p1")

	require.Equal(t, 0, res.ExitCode)
	assert.Contains(t, buf.String(), "no operations have run")
}

func TestProjectCreateShowAndEnv(t *testing.T) {
	app, buf := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})

	res := runCommand(app, "project", "create",
		"--name", "Shop",
		"--repo", "https://github.com/acme/shop",
		"--provider", "aws",
		"--aws-role-arn", "arn:aws:iam::123456789012:role/SirpiDeploy")
	require.Equal(t, 0, res.ExitCode, buf.String())

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "✓ Created project "))
	id := strings.TrimSpace(strings.TrimPrefix(out, "✓ Created project "))

	p, err := app.Store.GetProject(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, status.CloudAWS, p.Provider)
	assert.Equal(t, status.DeploymentNone, p.DeploymentStatus)

	buf.Reset()
	require.Equal(t, 0, runCommand(app, "project", "show", id).ExitCode)
	assert.Contains(t, buf.String(), "Status: not_deployed")

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("# comment\nDB_HOST=db.internal\nAPI_KEY=\"s3cret\"\n"), 0600))

	buf.Reset()
	require.Equal(t, 0, runCommand(app, "project", "env", id, envFile).ExitCode, buf.String())
	assert.Contains(t, buf.String(), "✓ Imported 2 environment variables")

	env, err := app.Store.EnvVars(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"DB_HOST": "db.internal", "API_KEY": "s3cret"}, env)
}

func TestProjectCreate_InvalidProvider(t *testing.T) {
	app, buf := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})

	res := runCommand(app, "project", "create", "--name", "x", "--repo", "https://github.com/a/b", "--provider", "oracle")

	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, buf.String(), "unsupported cloud provider: oracle")
}

func TestProjectShow_NotFound(t *testing.T) {
	app, buf := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})

	res := runCommand(app, "project", "show", "missing")

	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, buf.String(), "record not found")
}

func TestTemplatesCommand(t *testing.T) {
	app, buf := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})

	require.Equal(t, 0, runCommand(app, "templates").ExitCode)
	out := buf.String()
	assert.Contains(t, out, "aws_fargate")
	assert.Contains(t, out, "gcp_cloud_run")

	buf.Reset()
	require.Equal(t, 0, runCommand(app, "templates", "--cloud", "gcp").ExitCode)
	out = buf.String()
	assert.Contains(t, out, "gcp_gke")
	assert.NotContains(t, out, "aws_fargate")

	buf.Reset()
	require.Equal(t, 0, runCommand(app, "templates", "--cloud", "oracle").ExitCode)
	assert.Contains(t, buf.String(), "no templates for cloud oracle")
}

func TestStatusCommand(t *testing.T) {
	t.Setenv("SIRPI_STATUS_FILE", "")
	path := filepath.Join(t.TempDir(), "status.yaml")
	require.NoError(t, status.NewWriter(path).Write(&status.Snapshot{
		WorkflowID: "wf-9",
		Repository: "acme/shop",
		Provider:   status.CloudGCP,
		Status:     status.WorkflowSuccess,
		Files:      []string{"Dockerfile", "main.tf"},
		Stages: []status.StageSummary{
			{Name: "analyze", Status: status.StageSuccess, Duration: 2 * time.Second, Lines: 4},
		},
	}))
	app, buf := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})

	res := runCommand(app, "status", "--status-file", path)

	require.Equal(t, 0, res.ExitCode, buf.String())
	out := buf.String()
	assert.Contains(t, out, "Workflow wf-9")
	assert.Contains(t, out, "Provider: gcp")
	assert.Contains(t, out, "analyze")
	assert.Contains(t, out, "  main.tf")
}

func TestStatusCommand_FailedRunExitsNonZero(t *testing.T) {
	t.Setenv("SIRPI_STATUS_FILE", "")
	path := filepath.Join(t.TempDir(), "status.yaml")
	require.NoError(t, status.NewWriter(path).Write(&status.Snapshot{
		WorkflowID: "wf-9",
		Status:     status.WorkflowFailed,
		Error:      "terraform generation failed",
	}))
	app, buf := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})

	res := runCommand(app, "status", "--status-file", path)

	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, buf.String(), "Error: terraform generation failed")
}

func TestStatusCommand_Missing(t *testing.T) {
	t.Setenv("SIRPI_STATUS_FILE", "")
	app, buf := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})

	res := runCommand(app, "status", "--status-file", filepath.Join(t.TempDir(), "none.yaml"))

	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, buf.String(), "failed to read workflow snapshot")
}

func TestAPIDeps(t *testing.T) {
	app, _ := newTestApp(t, &MockWorkflowRunner{}, &MockDeploymentRunner{})

	deps := app.apiDeps()

	assert.Same(t, app.Hub, deps.Streams)
	assert.Equal(t, app.Config.Stream.PollInterval, deps.StreamOptions.PollInterval)
	assert.Equal(t, app.Config.Stream.MaxIdlePolls, deps.StreamOptions.MaxIdlePolls)
	assert.Equal(t, "sirpi", deps.ServiceName)
}
