// Package lifecycle drives a project through the deployment cycle from its
// current status to deployed.
//
// The lifecycle package provides [Executor] which runs the remaining
// deployment operations (build_image -> plan -> apply) based on the
// project's current deployment status. Each operation moves the project's
// status forward itself; the executor checks it did before continuing.
//
// Key concepts:
//   - Lifecycle steps are determined by [router.GetLifecycle] based on current status
//   - Each step runs one operation through [OperationRunner]
//   - Progress can be tracked via [ProgressCallback]
package lifecycle

import (
	"context"
	"fmt"

	"sirpi/internal/deploy"
	"sirpi/internal/router"
	"sirpi/internal/status"
)

// OperationRunner executes a single deployment operation for a project.
// The [deploy.Service] type implements this interface.
type OperationRunner interface {
	Run(ctx context.Context, op status.Operation, projectID string) (*deploy.Result, error)
}

// StatusReader looks up a project's deployment status. The [deploy.Service]
// type implements this interface.
type StatusReader interface {
	DeploymentStatus(ctx context.Context, projectID string) (status.DeploymentStatus, error)
}

// ProgressCallback is invoked before each operation begins.
//
// The callback receives stepIndex (1-based), totalSteps count, and the
// operation.
type ProgressCallback func(stepIndex, totalSteps int, op status.Operation)

// ResultCallback is invoked after each operation succeeds.
type ResultCallback func(res *deploy.Result)

// Executor orchestrates the deployment cycle of a project.
//
// Use [NewExecutor] to create an instance and [Executor.Execute] to run the
// cycle.
type Executor struct {
	runner           OperationRunner
	statusReader     StatusReader
	progressCallback ProgressCallback
	resultCallback   ResultCallback
	router           *router.Router
}

// NewExecutor creates a new Executor with the required dependencies.
func NewExecutor(runner OperationRunner, reader StatusReader) *Executor {
	return &Executor{
		runner:       runner,
		statusReader: reader,
	}
}

// SetRouter configures a custom [router.Router]. When unset the package-level
// router is used.
func (e *Executor) SetRouter(r *router.Router) {
	e.router = r
}

// SetProgressCallback configures an optional progress callback.
func (e *Executor) SetProgressCallback(cb ProgressCallback) {
	e.progressCallback = cb
}

// SetResultCallback configures an optional callback receiving each
// operation's result.
func (e *Executor) SetResultCallback(cb ResultCallback) {
	e.resultCallback = cb
}

func (e *Executor) getLifecycle(s status.DeploymentStatus) ([]router.LifecycleStep, error) {
	if e.router != nil {
		return e.router.GetLifecycle(s)
	}
	return router.GetLifecycle(s)
}

// Execute runs the remaining deployment operations for a project.
//
// Execute uses fail-fast behavior: it stops on the first failed operation
// and returns its error. After each operation it re-reads the status and
// fails if the project did not reach the step's NextStatus. For deployed
// projects Execute returns [router.ErrAlreadyDeployed].
func (e *Executor) Execute(ctx context.Context, projectID string) error {
	steps, err := e.GetSteps(ctx, projectID)
	if err != nil {
		return err
	}

	totalSteps := len(steps)
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.progressCallback != nil {
			e.progressCallback(i+1, totalSteps, step.Operation)
		}

		res, err := e.runner.Run(ctx, step.Operation, projectID)
		if err != nil {
			return fmt.Errorf("%s failed: %w", step.Operation, err)
		}
		if e.resultCallback != nil && res != nil {
			e.resultCallback(res)
		}

		current, err := e.statusReader.DeploymentStatus(ctx, projectID)
		if err != nil {
			return err
		}
		if current != step.NextStatus {
			return fmt.Errorf("%s finished but project status is %q, want %q", step.Operation, current, step.NextStatus)
		}
	}
	return nil
}

// GetSteps returns the remaining lifecycle steps for a project without
// executing them.
func (e *Executor) GetSteps(ctx context.Context, projectID string) ([]router.LifecycleStep, error) {
	current, err := e.statusReader.DeploymentStatus(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return e.getLifecycle(current)
}
