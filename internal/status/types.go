// Package status defines the status vocabularies shared across sirpi and
// persists workflow snapshots as YAML.
//
// Key types:
//   - [WorkflowStatus] - lifecycle of one artifact-generation workflow
//   - [StageStatus] - outcome of a single workflow stage or deployment operation
//   - [DeploymentStatus] - where a project sits in the build/plan/apply/destroy cycle
//   - [Operation] - a deployment operation name
//   - [CloudProvider] - target cloud
//   - [Snapshot], [Reader], [Writer] - YAML snapshot of a finished workflow
package status

// WorkflowStatus is the state of an artifact-generation workflow.
//
// Transitions are strictly forward:
// pending -> analyzing -> generating -> success | failed.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowAnalyzing  WorkflowStatus = "analyzing"
	WorkflowGenerating WorkflowStatus = "generating"
	WorkflowSuccess    WorkflowStatus = "success"
	WorkflowFailed     WorkflowStatus = "failed"
)

var workflowRank = map[WorkflowStatus]int{
	WorkflowPending:    0,
	WorkflowAnalyzing:  1,
	WorkflowGenerating: 2,
	WorkflowSuccess:    3,
	WorkflowFailed:     3,
}

// IsValid reports whether s is a known workflow status.
func (s WorkflowStatus) IsValid() bool {
	_, ok := workflowRank[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowSuccess || s == WorkflowFailed
}

// CanTransitionTo reports whether moving from s to next keeps the workflow
// moving forward. FAILED is reachable from every non-terminal state.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	if !s.IsValid() || !next.IsValid() || s.IsTerminal() {
		return false
	}
	if next == WorkflowFailed {
		return true
	}
	return workflowRank[next] == workflowRank[s]+1
}

// StageStatus is the outcome recorded for a stage or operation log.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageSuccess StageStatus = "success"
	StageError   StageStatus = "error"
)

// IsValid reports whether s is a known stage status.
func (s StageStatus) IsValid() bool {
	switch s {
	case StagePending, StageSuccess, StageError:
		return true
	}
	return false
}

// DeploymentStatus tracks a project through the deployment cycle.
type DeploymentStatus string

const (
	DeploymentNone          DeploymentStatus = "not_deployed"
	DeploymentImageBuilt    DeploymentStatus = "image_built"
	DeploymentPlanGenerated DeploymentStatus = "plan_generated"
	DeploymentDeployed      DeploymentStatus = "deployed"
	DeploymentDestroyed     DeploymentStatus = "destroyed"
)

// IsValid reports whether s is a known deployment status. The empty string
// is accepted as an alias for [DeploymentNone].
func (s DeploymentStatus) IsValid() bool {
	switch s {
	case "", DeploymentNone, DeploymentImageBuilt, DeploymentPlanGenerated, DeploymentDeployed, DeploymentDestroyed:
		return true
	}
	return false
}

// Operation names a deployment operation.
type Operation string

const (
	OperationBuildImage Operation = "build_image"
	OperationPlan       Operation = "plan"
	OperationApply      Operation = "apply"
	OperationDestroy    Operation = "destroy"
)

// Operations lists every deployment operation in cycle order.
var Operations = []Operation{OperationBuildImage, OperationPlan, OperationApply, OperationDestroy}

// IsValid reports whether o is a known operation.
func (o Operation) IsValid() bool {
	for _, op := range Operations {
		if o == op {
			return true
		}
	}
	return false
}

// CloudProvider names a target cloud.
type CloudProvider string

const (
	CloudAWS   CloudProvider = "aws"
	CloudGCP   CloudProvider = "gcp"
	CloudAzure CloudProvider = "azure"
	CloudAny   CloudProvider = "any"
)

// IsValid reports whether p is a known cloud provider.
func (p CloudProvider) IsValid() bool {
	switch p {
	case CloudAWS, CloudGCP, CloudAzure, CloudAny:
		return true
	}
	return false
}

// IsDeployable reports whether sirpi can run deployment operations against p.
func (p CloudProvider) IsDeployable() bool {
	return p == CloudAWS || p == CloudGCP
}
