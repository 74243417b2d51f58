package router

import (
	"sirpi/internal/status"
)

// LifecycleStep represents a single step in the deployment cycle.
//
// Each step names the operation to execute and the status the project
// reaches once it succeeds. The lifecycle executor uses these steps to drive
// a project from its current status through to deployed.
type LifecycleStep struct {
	// Operation is the deployment operation to execute for this step.
	Operation status.Operation

	// NextStatus is the status the project holds after the step succeeds.
	NextStatus status.DeploymentStatus
}
