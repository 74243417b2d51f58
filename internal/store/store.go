// Package store persists sirpi records: workflow runs and their stage logs,
// deployment projects, deployment operation logs, project environment
// variables and users' GCP tokens.
//
// Environment variable values and OAuth tokens are encrypted with an
// [encryption.Service] before they are stored, in every implementation.
//
// Key types:
//   - [Store] is the persistence contract
//   - [Postgres] implements it on PostgreSQL through the pgx driver
//   - [Memory] keeps records in process for tests and local runs
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sirpi/internal/credentials"
	"sirpi/internal/encryption"
	"sirpi/internal/status"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// Workflow is the persisted summary of one artifact-generation run.
type Workflow struct {
	ID            string                `json:"id"`
	RepositoryURL string                `json:"repository_url"`
	Provider      status.CloudProvider  `json:"provider"`
	Platform      string                `json:"platform"`
	ProjectID     string                `json:"project_id,omitempty"`
	Status        status.WorkflowStatus `json:"status"`
	Error         string                `json:"error,omitempty"`
	Artifacts     []string              `json:"artifacts,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// StageLog holds the lines recorded for one workflow stage.
type StageLog struct {
	WorkflowID      string             `json:"workflow_id"`
	Stage           string             `json:"stage"`
	Status          status.StageStatus `json:"status"`
	Lines           []string           `json:"logs"`
	DurationSeconds float64            `json:"duration_seconds"`
	CreatedAt       time.Time          `json:"created_at"`
}

// DeploymentLog holds the lines recorded for one deployment operation.
type DeploymentLog struct {
	ID              string             `json:"id"`
	ProjectID       string             `json:"project_id"`
	Operation       status.Operation   `json:"operation_type"`
	Status          status.StageStatus `json:"status"`
	Lines           []string           `json:"logs"`
	DurationSeconds float64            `json:"duration_seconds"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Project is a deployable application: a repository with generated
// artifacts and a target cloud account.
type Project struct {
	ID               string                  `json:"id"`
	UserID           string                  `json:"user_id"`
	Name             string                  `json:"name"`
	RepositoryURL    string                  `json:"repository_url"`
	Provider         status.CloudProvider    `json:"cloud_provider"`
	Platform         string                  `json:"platform"`
	DeploymentStatus status.DeploymentStatus `json:"deployment_status"`

	// ApplicationURL is empty until an apply succeeds and after a destroy.
	ApplicationURL string `json:"application_url,omitempty"`

	// Outputs holds the Terraform outputs of the last apply, nil otherwise.
	Outputs map[string]any `json:"terraform_outputs,omitempty"`

	AWSRoleARN    string `json:"aws_role_arn,omitempty"`
	AWSExternalID string `json:"-"`
	GCPProjectID  string `json:"gcp_project_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence contract used by the API, the orchestrator and
// the deployment service.
type Store interface {
	credentials.TokenStore

	// SaveWorkflow inserts or replaces a workflow record. An empty ID is
	// assigned a new UUID.
	SaveWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// SaveStageLogs stores the lines of one stage, replacing an earlier
	// entry for the same workflow and stage.
	SaveStageLogs(ctx context.Context, l StageLog) error
	StageLogs(ctx context.Context, workflowID string) ([]StageLog, error)

	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	UpdateDeploymentStatus(ctx context.Context, projectID string, s status.DeploymentStatus) error

	// SetDeploymentResult records the application URL and Terraform
	// outputs. An empty url and nil outputs clear both.
	SetDeploymentResult(ctx context.Context, projectID, url string, outputs map[string]any) error

	SaveDeploymentLog(ctx context.Context, l DeploymentLog) error

	// LatestDeploymentLog returns the most recent log of op, or
	// [ErrNotFound].
	LatestDeploymentLog(ctx context.Context, projectID string, op status.Operation) (*DeploymentLog, error)

	// DeploymentLogs returns the most recent log of every operation that
	// has run, in cycle order.
	DeploymentLogs(ctx context.Context, projectID string) ([]DeploymentLog, error)

	SetEnvVar(ctx context.Context, projectID, key, value string) error
	DeleteEnvVar(ctx context.Context, projectID, key string) (bool, error)

	// EnvVars returns the decrypted environment of a project.
	EnvVars(ctx context.Context, projectID string) (map[string]string, error)

	Close() error
}

// Open returns a [Postgres] store for databaseURL, or a [Memory] store when
// the URL is empty.
func Open(ctx context.Context, databaseURL string, enc *encryption.Service, logger *slog.Logger) (Store, error) {
	if databaseURL == "" {
		if logger != nil {
			logger.Warn("no database configured, records are kept in memory")
		}
		return NewMemory(enc), nil
	}
	return OpenPostgres(ctx, databaseURL, enc, logger)
}

// latestPerOperation keeps the newest log of each operation, ordered as
// [status.Operations].
func latestPerOperation(logs []DeploymentLog) []DeploymentLog {
	latest := make(map[status.Operation]DeploymentLog)
	for _, l := range logs {
		if cur, ok := latest[l.Operation]; !ok || !l.CreatedAt.Before(cur.CreatedAt) {
			latest[l.Operation] = l
		}
	}
	out := make([]DeploymentLog, 0, len(latest))
	for _, op := range status.Operations {
		if l, ok := latest[op]; ok {
			out = append(out, l)
		}
	}
	return out
}
