package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirpi/internal/deploy"
	"sirpi/internal/router"
	"sirpi/internal/status"
)

func TestExecute_FullCycle(t *testing.T) {
	m := &MockRunner{Status: status.DeploymentNone}
	e := NewExecutor(m, m)

	type progress struct {
		index, total int
		op           status.Operation
	}
	var seen []progress
	e.SetProgressCallback(func(i, total int, op status.Operation) {
		seen = append(seen, progress{i, total, op})
	})
	var results []status.Operation
	e.SetResultCallback(func(res *deploy.Result) { results = append(results, res.Operation) })

	require.NoError(t, e.Execute(context.Background(), "p1"))

	want := []status.Operation{status.OperationBuildImage, status.OperationPlan, status.OperationApply}
	assert.Equal(t, want, m.Ran)
	assert.Equal(t, want, results)
	assert.Equal(t, []progress{
		{1, 3, status.OperationBuildImage},
		{2, 3, status.OperationPlan},
		{3, 3, status.OperationApply},
	}, seen)
	assert.Equal(t, status.DeploymentDeployed, m.Status)
}

func TestExecute_ResumesFromStatus(t *testing.T) {
	m := &MockRunner{Status: status.DeploymentPlanGenerated}

	require.NoError(t, NewExecutor(m, m).Execute(context.Background(), "p1"))
	assert.Equal(t, []status.Operation{status.OperationApply}, m.Ran)
}

func TestExecute_AlreadyDeployed(t *testing.T) {
	m := &MockRunner{Status: status.DeploymentDeployed}

	err := NewExecutor(m, m).Execute(context.Background(), "p1")
	assert.ErrorIs(t, err, router.ErrAlreadyDeployed)
	assert.Empty(t, m.Ran)
}

func TestExecute_FailFast(t *testing.T) {
	boom := errors.New("terraform exploded")
	m := &MockRunner{Status: status.DeploymentNone, FailOn: status.OperationPlan, Err: boom}

	err := NewExecutor(m, m).Execute(context.Background(), "p1")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "plan failed: terraform exploded", err.Error())
	assert.Equal(t, []status.Operation{status.OperationBuildImage, status.OperationPlan}, m.Ran)
	assert.Equal(t, status.DeploymentImageBuilt, m.Status)
}

func TestExecute_StatusNotAdvanced(t *testing.T) {
	m := &MockRunner{Status: status.DeploymentNone, Stuck: true}

	err := NewExecutor(m, m).Execute(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `project status is "not_deployed", want "image_built"`)
	assert.Len(t, m.Ran, 1)
}

func TestExecute_StatusLookupFails(t *testing.T) {
	m := &MockRunner{StatusErr: deploy.ErrProjectNotFound}

	err := NewExecutor(m, m).Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, deploy.ErrProjectNotFound)
	assert.Empty(t, m.Ran)
}

func TestExecute_CancelledContext(t *testing.T) {
	m := &MockRunner{Status: status.DeploymentNone}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewExecutor(m, m).Execute(ctx, "p1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Ran)
}

func TestGetSteps_DryRun(t *testing.T) {
	m := &MockRunner{Status: status.DeploymentImageBuilt}
	e := NewExecutor(m, m)
	e.SetRouter(router.NewRouter())

	steps, err := e.GetSteps(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, []router.LifecycleStep{
		{Operation: status.OperationPlan, NextStatus: status.DeploymentPlanGenerated},
		{Operation: status.OperationApply, NextStatus: status.DeploymentDeployed},
	}, steps)
	assert.Empty(t, m.Ran)
}
