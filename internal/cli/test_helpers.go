package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"sirpi/internal/config"
	"sirpi/internal/deploy"
	"sirpi/internal/encryption"
	"sirpi/internal/logging"
	"sirpi/internal/logstream"
	"sirpi/internal/orchestrator"
	"sirpi/internal/output"
	"sirpi/internal/status"
	"sirpi/internal/store"
	"sirpi/internal/templates"
)

// MockWorkflowRunner returns a canned workflow state.
type MockWorkflowRunner struct {
	// State is returned by Run. Nil makes Run fail with Err.
	State *orchestrator.WorkflowState
	Err   error

	Requests  []orchestrator.Request
	snapshots orchestrator.SnapshotWriter
	onStatus  orchestrator.StatusCallback
}

func (m *MockWorkflowRunner) Prepare(req orchestrator.Request) (orchestrator.Request, error) {
	return req, nil
}

// Run reports every status in State.History, then writes a snapshot when a
// writer is configured.
func (m *MockWorkflowRunner) Run(ctx context.Context, req orchestrator.Request) (*orchestrator.WorkflowState, error) {
	m.Requests = append(m.Requests, req)
	if m.State == nil {
		return nil, m.Err
	}
	if m.onStatus != nil {
		for _, s := range m.State.History {
			m.onStatus(m.State.ID, s)
		}
	}
	if m.snapshots != nil {
		snap := &status.Snapshot{
			WorkflowID: m.State.ID,
			Repository: req.RepositoryURL,
			Provider:   m.State.Provider,
			Status:     m.State.Status,
			Error:      m.State.Error,
			Files:      m.State.FileNames(),
		}
		if err := m.snapshots.Write(snap); err != nil {
			return m.State, err
		}
	}
	return m.State, m.Err
}

func (m *MockWorkflowRunner) SetSnapshotWriter(w orchestrator.SnapshotWriter) { m.snapshots = w }

func (m *MockWorkflowRunner) SetStatusCallback(cb orchestrator.StatusCallback) { m.onStatus = cb }

var mockNextStatus = map[status.Operation]status.DeploymentStatus{
	status.OperationBuildImage: status.DeploymentImageBuilt,
	status.OperationPlan:       status.DeploymentPlanGenerated,
	status.OperationApply:      status.DeploymentDeployed,
	status.OperationDestroy:    status.DeploymentDestroyed,
}

// MockDeploymentRunner advances a single project's status like the real
// deployment service.
type MockDeploymentRunner struct {
	Status status.DeploymentStatus

	// FailOn makes that operation fail with Err.
	FailOn status.Operation
	Err    error

	LogEntries []store.DeploymentLog
	Ran        []status.Operation
}

func (m *MockDeploymentRunner) Run(ctx context.Context, op status.Operation, projectID string) (*deploy.Result, error) {
	m.Ran = append(m.Ran, op)
	if op == m.FailOn {
		return nil, m.Err
	}
	m.Status = mockNextStatus[op]

	res := &deploy.Result{Operation: op, Duration: 2 * time.Second}
	switch op {
	case status.OperationBuildImage:
		res.ImageURI = "registry.example.com/shop:latest"
	case status.OperationPlan:
		res.PlanOutput = "Plan: 3 to add, 0 to change, 0 to destroy.\n"
	case status.OperationApply:
		res.ApplicationURL = "https://shop.example.com"
	}
	return res, nil
}

func (m *MockDeploymentRunner) Logs(ctx context.Context, projectID string) ([]store.DeploymentLog, error) {
	return m.LogEntries, nil
}

func (m *MockDeploymentRunner) DeploymentStatus(ctx context.Context, projectID string) (status.DeploymentStatus, error) {
	return m.Status, nil
}

// newTestApp returns an app over in-memory services whose printer writes
// to the returned buffer.
func newTestApp(t *testing.T, workflows *MockWorkflowRunner, deployments *MockDeploymentRunner) (*App, *bytes.Buffer) {
	t.Helper()

	enc, err := encryption.New("test-master-key", logging.Discard())
	if err != nil {
		t.Fatalf("failed to create encryption service: %v", err)
	}

	buf := &bytes.Buffer{}
	return &App{
		Config:      config.DefaultConfig(),
		Logger:      logging.Discard(),
		Printer:     output.NewPrinterWithWriter(buf),
		Store:       store.NewMemory(enc),
		Hub:         logstream.NewHub(logging.Discard()),
		Templates:   templates.NewRegistry(),
		Workflows:   workflows,
		Deployments: deployments,
	}, buf
}

// runCommand executes args against app's command tree.
func runCommand(app *App, args ...string) ExecuteResult {
	root := NewRootCommand(app)
	errBuf := &bytes.Buffer{}
	root.SetOut(errBuf)
	root.SetErr(errBuf)
	return execute(context.Background(), root, args)
}
