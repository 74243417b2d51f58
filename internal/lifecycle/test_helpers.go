package lifecycle

import (
	"context"
	"sync"

	"sirpi/internal/deploy"
	"sirpi/internal/status"
)

// MockRunner is an in-memory [OperationRunner] and [StatusReader]. Each
// successful operation advances the project to the status the operation
// leads to, unless Stuck is set.
type MockRunner struct {
	mu sync.Mutex

	Status    status.DeploymentStatus
	FailOn    status.Operation
	Err       error
	StatusErr error
	Stuck     bool

	Ran []status.Operation
}

var mockNext = map[status.Operation]status.DeploymentStatus{
	status.OperationBuildImage: status.DeploymentImageBuilt,
	status.OperationPlan:       status.DeploymentPlanGenerated,
	status.OperationApply:      status.DeploymentDeployed,
	status.OperationDestroy:    status.DeploymentDestroyed,
}

func (m *MockRunner) Run(ctx context.Context, op status.Operation, projectID string) (*deploy.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ran = append(m.Ran, op)
	if op == m.FailOn {
		return nil, m.Err
	}
	if !m.Stuck {
		m.Status = mockNext[op]
	}
	return &deploy.Result{Operation: op}, nil
}

func (m *MockRunner) DeploymentStatus(ctx context.Context, projectID string) (status.DeploymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Status, m.StatusErr
}
