// Package router provides deployment routing based on project deployment status.
//
// The router maps a project's deployment status to the next operation for
// single-step execution and to the remaining operation sequence for a full
// deployment cycle. It is the central decision point for which deployment
// operation runs next.
//
// Key types:
//   - [Router] - Deployment operation router
//   - [LifecycleStep] - A single step in a lifecycle sequence
//
// Package-level functions [GetOperation] and [GetLifecycle] use the default
// router.
package router

import (
	"errors"
	"fmt"

	"sirpi/internal/status"
)

// Sentinel errors for deployment routing.
var (
	// ErrAlreadyDeployed indicates the project is deployed and no operation is
	// needed. Callers should report success rather than treat this as a failure.
	ErrAlreadyDeployed = errors.New("project is already deployed")

	// ErrUnknownStatus indicates the deployment status value is not recognized.
	ErrUnknownStatus = errors.New("unknown deployment status")
)

// chainStep is an internal representation of a step in the operation chain.
type chainStep struct {
	Operation  status.Operation
	NextStatus status.DeploymentStatus
}

// Router routes deployment statuses to operations.
//
// Create with [NewRouter]. The router supports two modes of operation:
//   - Single-step: [Router.GetOperation] returns the next operation for a status
//   - Multi-step: [Router.GetLifecycle] returns all remaining steps to deployed
type Router struct {
	// chain is the ordered operation chain for lifecycle execution.
	chain []chainStep

	// statusChainIndex maps status → index into chain where execution starts.
	statusChainIndex map[status.DeploymentStatus]int
}

// NewRouter creates a [Router] with the default deployment cycle.
//
// The chain is: build_image → plan → apply. Status mappings are:
//   - not_deployed, destroyed → build_image
//   - image_built → plan
//   - plan_generated → apply
//   - deployed → [ErrAlreadyDeployed]
//
// An empty status is treated as not_deployed.
func NewRouter() *Router {
	return &Router{
		chain: []chainStep{
			{Operation: status.OperationBuildImage, NextStatus: status.DeploymentImageBuilt},
			{Operation: status.OperationPlan, NextStatus: status.DeploymentPlanGenerated},
			{Operation: status.OperationApply, NextStatus: status.DeploymentDeployed},
		},
		statusChainIndex: map[status.DeploymentStatus]int{
			"":                             0,
			status.DeploymentNone:          0,
			status.DeploymentDestroyed:     0,
			status.DeploymentImageBuilt:    1,
			status.DeploymentPlanGenerated: 2,
		},
	}
}

// GetOperation returns the next operation for the given deployment status.
//
// Returns [ErrAlreadyDeployed] for deployed projects.
// Returns [ErrUnknownStatus] for unrecognized status values.
func (r *Router) GetOperation(s status.DeploymentStatus) (status.Operation, error) {
	steps, err := r.GetLifecycle(s)
	if err != nil {
		return "", err
	}
	return steps[0].Operation, nil
}

// GetLifecycle returns the sequence of lifecycle steps from the given status
// through to deployed.
//
// Returns [ErrAlreadyDeployed] for deployed projects.
// Returns [ErrUnknownStatus] for unrecognized status values.
func (r *Router) GetLifecycle(s status.DeploymentStatus) ([]LifecycleStep, error) {
	if s == status.DeploymentDeployed {
		return nil, ErrAlreadyDeployed
	}

	startIdx, ok := r.statusChainIndex[s]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}

	remaining := r.chain[startIdx:]
	steps := make([]LifecycleStep, len(remaining))
	for i, cs := range remaining {
		steps[i] = LifecycleStep{
			Operation:  cs.Operation,
			NextStatus: cs.NextStatus,
		}
	}
	return steps, nil
}

// defaultRouter is the package-level router.
var defaultRouter = NewRouter()

// GetOperation returns the next operation for the given deployment status
// using the default router.
//
// See [Router.GetOperation].
func GetOperation(s status.DeploymentStatus) (status.Operation, error) {
	return defaultRouter.GetOperation(s)
}

// GetLifecycle returns the remaining lifecycle steps for the given status
// using the default router.
//
// The sequences are:
//   - not_deployed, destroyed: build_image -> plan -> apply -> deployed
//   - image_built: plan -> apply -> deployed
//   - plan_generated: apply -> deployed
//   - deployed: [ErrAlreadyDeployed]
func GetLifecycle(s status.DeploymentStatus) ([]LifecycleStep, error) {
	return defaultRouter.GetLifecycle(s)
}
