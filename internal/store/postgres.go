package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sirpi/internal/credentials"
	"sirpi/internal/encryption"
	"sirpi/internal/status"
)

//go:embed schema.sql
var schema string

// Postgres is a [Store] on a PostgreSQL database.
type Postgres struct {
	db     *sql.DB
	enc    *encryption.Service
	logger *slog.Logger
}

// OpenPostgres connects to databaseURL, verifies the connection and applies
// the schema.
func OpenPostgres(ctx context.Context, databaseURL string, enc *encryption.Service, logger *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := NewPostgres(db, enc, logger)
	if err := p.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB, enc *encryption.Service, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, enc: enc, logger: logger}
}

// Migrate creates any missing tables. It is safe to run repeatedly.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	p.logger.Debug("database schema applied")
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Workflow operations

func (p *Postgres) SaveWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	artifacts, err := json.Marshal(nonNil(w.Artifacts))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflows (id, repository_url, provider, platform, project_id, status, error, artifacts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			project_id = EXCLUDED.project_id,
			artifacts = EXCLUDED.artifacts,
			updated_at = EXCLUDED.updated_at
	`
	_, err = p.db.ExecContext(ctx, query,
		w.ID, w.RepositoryURL, string(w.Provider), w.Platform, nullString(w.ProjectID),
		string(w.Status), nullString(w.Error), artifacts, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", w.ID, err)
	}
	return nil
}

func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	var provider, st string
	var projectID, errText sql.NullString
	var artifacts []byte

	query := `
		SELECT id, repository_url, provider, platform, project_id, status, error, artifacts, created_at, updated_at
		FROM workflows
		WHERE id = $1
	`
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&w.ID, &w.RepositoryURL, &provider, &w.Platform, &projectID,
		&st, &errText, &artifacts, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}

	w.Provider = status.CloudProvider(provider)
	w.Status = status.WorkflowStatus(st)
	w.ProjectID = projectID.String
	w.Error = errText.String
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &w.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to decode artifacts of %s: %w", id, err)
		}
	}
	return &w, nil
}

func (p *Postgres) SaveStageLogs(ctx context.Context, l StageLog) error {
	lines, err := json.Marshal(nonNil(l.Lines))
	if err != nil {
		return err
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO workflow_stage_logs (workflow_id, stage, status, logs, duration_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, stage) DO UPDATE SET
			status = EXCLUDED.status,
			logs = EXCLUDED.logs,
			duration_seconds = EXCLUDED.duration_seconds
	`
	_, err = p.db.ExecContext(ctx, query, l.WorkflowID, l.Stage, string(l.Status), lines, l.DurationSeconds, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save %s logs of workflow %s: %w", l.Stage, l.WorkflowID, err)
	}
	return nil
}

func (p *Postgres) StageLogs(ctx context.Context, workflowID string) ([]StageLog, error) {
	query := `
		SELECT workflow_id, stage, status, logs, duration_seconds, created_at
		FROM workflow_stage_logs
		WHERE workflow_id = $1
		ORDER BY created_at
	`
	rows, err := p.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage logs of %s: %w", workflowID, err)
	}
	defer rows.Close()

	var out []StageLog
	for rows.Next() {
		var l StageLog
		var st string
		var lines []byte
		if err := rows.Scan(&l.WorkflowID, &l.Stage, &st, &lines, &l.DurationSeconds, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Status = status.StageStatus(st)
		if err := json.Unmarshal(lines, &l.Lines); err != nil {
			return nil, fmt.Errorf("failed to decode %s logs: %w", l.Stage, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Project operations

func (p *Postgres) CreateProject(ctx context.Context, pr *Project) error {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	if pr.DeploymentStatus == "" {
		pr.DeploymentStatus = status.DeploymentNone
	}
	now := time.Now().UTC()
	pr.CreatedAt, pr.UpdatedAt = now, now

	externalID, err := p.enc.Encrypt(pr.AWSExternalID)
	if err != nil {
		return fmt.Errorf("failed to encrypt external id: %w", err)
	}
	outputs, err := nullJSON(pr.Outputs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO projects (id, user_id, name, repository_url, cloud_provider, platform, deployment_status,
			application_url, terraform_outputs, aws_role_arn, aws_external_id, gcp_project_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = p.db.ExecContext(ctx, query,
		pr.ID, pr.UserID, pr.Name, pr.RepositoryURL, string(pr.Provider), pr.Platform, string(pr.DeploymentStatus),
		nullString(pr.ApplicationURL), outputs, nullString(pr.AWSRoleARN), nullString(externalID),
		nullString(pr.GCPProjectID), pr.CreatedAt, pr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project %s: %w", pr.Name, err)
	}
	return nil
}

func (p *Postgres) GetProject(ctx context.Context, id string) (*Project, error) {
	var pr Project
	var provider, deployment string
	var appURL, roleARN, externalID, gcpProject sql.NullString
	var outputs []byte

	query := `
		SELECT id, user_id, name, repository_url, cloud_provider, platform, deployment_status,
			application_url, terraform_outputs, aws_role_arn, aws_external_id, gcp_project_id, created_at, updated_at
		FROM projects
		WHERE id = $1
	`
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&pr.ID, &pr.UserID, &pr.Name, &pr.RepositoryURL, &provider, &pr.Platform, &deployment,
		&appURL, &outputs, &roleARN, &externalID, &gcpProject, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}

	pr.Provider = status.CloudProvider(provider)
	pr.DeploymentStatus = status.DeploymentStatus(deployment)
	pr.ApplicationURL = appURL.String
	pr.AWSRoleARN = roleARN.String
	pr.GCPProjectID = gcpProject.String
	if pr.AWSExternalID, err = p.enc.Decrypt(externalID.String); err != nil {
		return nil, fmt.Errorf("failed to decrypt external id of %s: %w", id, err)
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &pr.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode outputs of %s: %w", id, err)
		}
	}
	return &pr, nil
}

func (p *Postgres) UpdateDeploymentStatus(ctx context.Context, projectID string, s status.DeploymentStatus) error {
	query := `UPDATE projects SET deployment_status = $2, updated_at = NOW() WHERE id = $1`
	return p.execOne(ctx, projectID, query, projectID, string(s))
}

func (p *Postgres) SetDeploymentResult(ctx context.Context, projectID, url string, outputs map[string]any) error {
	raw, err := nullJSON(outputs)
	if err != nil {
		return err
	}
	query := `UPDATE projects SET application_url = $2, terraform_outputs = $3, updated_at = NOW() WHERE id = $1`
	return p.execOne(ctx, projectID, query, projectID, nullString(url), raw)
}

func (p *Postgres) execOne(ctx context.Context, projectID, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update project %s: %w", projectID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

// Deployment log operations

func (p *Postgres) SaveDeploymentLog(ctx context.Context, l DeploymentLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	lines, err := json.Marshal(nonNil(l.Lines))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployment_logs (id, project_id, operation_type, status, logs, duration_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = p.db.ExecContext(ctx, query, l.ID, l.ProjectID, string(l.Operation), string(l.Status), lines, l.DurationSeconds, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save %s logs of project %s: %w", l.Operation, l.ProjectID, err)
	}
	return nil
}

func (p *Postgres) LatestDeploymentLog(ctx context.Context, projectID string, op status.Operation) (*DeploymentLog, error) {
	query := `
		SELECT id, project_id, operation_type, status, logs, duration_seconds, created_at
		FROM deployment_logs
		WHERE project_id = $1 AND operation_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	l, err := scanDeploymentLog(p.db.QueryRowContext(ctx, query, projectID, string(op)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s log for project %s: %w", op, projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s log of %s: %w", op, projectID, err)
	}
	return l, nil
}

func (p *Postgres) DeploymentLogs(ctx context.Context, projectID string) ([]DeploymentLog, error) {
	query := `
		SELECT DISTINCT ON (operation_type) id, project_id, operation_type, status, logs, duration_seconds, created_at
		FROM deployment_logs
		WHERE project_id = $1
		ORDER BY operation_type, created_at DESC
	`
	rows, err := p.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment logs of %s: %w", projectID, err)
	}
	defer rows.Close()

	var logs []DeploymentLog
	for rows.Next() {
		l, err := scanDeploymentLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return latestPerOperation(logs), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeploymentLog(row scanner) (*DeploymentLog, error) {
	var l DeploymentLog
	var op, st string
	var lines []byte
	if err := row.Scan(&l.ID, &l.ProjectID, &op, &st, &lines, &l.DurationSeconds, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Operation = status.Operation(op)
	l.Status = status.StageStatus(st)
	if err := json.Unmarshal(lines, &l.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode %s logs: %w", op, err)
	}
	return &l, nil
}

// Environment variable operations

func (p *Postgres) SetEnvVar(ctx context.Context, projectID, key, value string) error {
	sealed, err := p.enc.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	query := `
		INSERT INTO project_env_vars (project_id, key, value_encrypted)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, key) DO UPDATE SET
			value_encrypted = EXCLUDED.value_encrypted,
			updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, projectID, key, sealed); err != nil {
		return fmt.Errorf("failed to save environment variable %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) DeleteEnvVar(ctx context.Context, projectID, key string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM project_env_vars WHERE project_id = $1 AND key = $2`, projectID, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete environment variable %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) EnvVars(ctx context.Context, projectID string) (map[string]string, error) {
	query := `SELECT key, value_encrypted FROM project_env_vars WHERE project_id = $1 ORDER BY key`
	rows, err := p.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environment of %s: %w", projectID, err)
	}
	defer rows.Close()

	sealed := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		sealed[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out, err := p.enc.DecryptMap(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt environment of %s: %w", projectID, err)
	}
	return out, nil
}

// GCP token operations

func (p *Postgres) LoadGCPCredentials(ctx context.Context, userID string) (credentials.GCPCredentials, error) {
	var t storedToken
	var expiry sql.NullTime
	query := `
		SELECT project_id, access_token_encrypted, refresh_token_encrypted, token_type, expires_at
		FROM gcp_credentials
		WHERE user_id = $1
	`
	err := p.db.QueryRowContext(ctx, query, userID).Scan(&t.projectID, &t.accessToken, &t.refreshToken, &t.tokenType, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return credentials.GCPCredentials{}, credentials.ErrNoCredentials
	}
	if err != nil {
		return credentials.GCPCredentials{}, fmt.Errorf("failed to load gcp credentials: %w", err)
	}
	if expiry.Valid {
		t.expiry = expiry.Time
	}
	return openToken(p.enc, t)
}

func (p *Postgres) SaveGCPCredentials(ctx context.Context, userID string, c credentials.GCPCredentials) error {
	t, err := sealToken(p.enc, c)
	if err != nil {
		return err
	}
	var expiry sql.NullTime
	if !t.expiry.IsZero() {
		expiry = sql.NullTime{Time: t.expiry, Valid: true}
	}
	query := `
		INSERT INTO gcp_credentials (user_id, project_id, access_token_encrypted, refresh_token_encrypted, token_type, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, userID, t.projectID, t.accessToken, t.refreshToken, t.tokenType, expiry); err != nil {
		return fmt.Errorf("failed to save gcp credentials: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outputs: %w", err)
	}
	return raw, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
