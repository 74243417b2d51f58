package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirpi/internal/credentials"
	"sirpi/internal/encryption"
	"sirpi/internal/status"
)

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)

func newEncryption(t *testing.T) *encryption.Service {
	t.Helper()
	enc, err := encryption.New("test-master-key", nil)
	require.NoError(t, err)
	return enc
}

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newMemory(t *testing.T) *Memory {
	m := NewMemory(newEncryption(t))
	m.now = steppingClock()
	return m
}

func TestMemory_Workflows(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	w := &Workflow{RepositoryURL: "https://github.com/acme/shop", Provider: status.CloudGCP, Status: status.WorkflowPending}
	require.NoError(t, m.SaveWorkflow(ctx, w))
	require.NotEmpty(t, w.ID)
	created := w.CreatedAt

	w.Status = status.WorkflowSuccess
	w.Artifacts = []string{"gs://b/acme/shop/Dockerfile"}
	require.NoError(t, m.SaveWorkflow(ctx, w))

	got, err := m.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, status.WorkflowSuccess, got.Status)
	assert.Equal(t, created, got.CreatedAt)
	assert.True(t, got.UpdatedAt.After(created))
	assert.Equal(t, []string{"gs://b/acme/shop/Dockerfile"}, got.Artifacts)

	got.Artifacts[0] = "mutated"
	again, _ := m.GetWorkflow(ctx, w.ID)
	assert.Equal(t, "gs://b/acme/shop/Dockerfile", again.Artifacts[0])

	_, err = m.GetWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_StageLogsReplaceSameStage(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	require.NoError(t, m.SaveStageLogs(ctx, StageLog{WorkflowID: "w1", Stage: "analyze", Status: status.StageSuccess, Lines: []string{"a"}}))
	require.NoError(t, m.SaveStageLogs(ctx, StageLog{WorkflowID: "w1", Stage: "generate", Status: status.StageError, Lines: []string{"g"}}))
	require.NoError(t, m.SaveStageLogs(ctx, StageLog{WorkflowID: "w1", Stage: "analyze", Status: status.StageError, Lines: []string{"a2"}}))

	logs, err := m.StageLogs(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "analyze", logs[0].Stage)
	assert.Equal(t, []string{"a2"}, logs[0].Lines)
	assert.Equal(t, status.StageError, logs[0].Status)

	none, err := m.StageLogs(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemory_ProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	p := &Project{Name: "shop", RepositoryURL: "https://github.com/acme/shop", Provider: status.CloudAWS}
	require.NoError(t, m.CreateProject(ctx, p))
	assert.Equal(t, status.DeploymentNone, p.DeploymentStatus)
	assert.Error(t, m.CreateProject(ctx, &Project{ID: p.ID}))

	require.NoError(t, m.UpdateDeploymentStatus(ctx, p.ID, status.DeploymentDeployed))
	require.NoError(t, m.SetDeploymentResult(ctx, p.ID, "http://shop-alb.example.com", map[string]any{"alb_dns_name": "shop-alb.example.com"}))

	got, err := m.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, status.DeploymentDeployed, got.DeploymentStatus)
	assert.Equal(t, "http://shop-alb.example.com", got.ApplicationURL)
	assert.Equal(t, "shop-alb.example.com", got.Outputs["alb_dns_name"])

	require.NoError(t, m.SetDeploymentResult(ctx, p.ID, "", nil))
	got, _ = m.GetProject(ctx, p.ID)
	assert.Empty(t, got.ApplicationURL)
	assert.Nil(t, got.Outputs)

	assert.ErrorIs(t, m.UpdateDeploymentStatus(ctx, "missing", status.DeploymentDeployed), ErrNotFound)
	_, err = m.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_DeploymentLogs(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	save := func(op status.Operation, st status.StageStatus, line string) {
		require.NoError(t, m.SaveDeploymentLog(ctx, DeploymentLog{ProjectID: "p1", Operation: op, Status: st, Lines: []string{line}}))
	}
	save(status.OperationPlan, status.StageError, "plan 1")
	save(status.OperationBuildImage, status.StageSuccess, "build 1")
	save(status.OperationPlan, status.StageSuccess, "plan 2")

	latest, err := m.LatestDeploymentLog(ctx, "p1", status.OperationPlan)
	require.NoError(t, err)
	assert.Equal(t, []string{"plan 2"}, latest.Lines)
	assert.NotEmpty(t, latest.ID)

	_, err = m.LatestDeploymentLog(ctx, "p1", status.OperationApply)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := m.DeploymentLogs(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, status.OperationBuildImage, all[0].Operation)
	assert.Equal(t, status.OperationPlan, all[1].Operation)
	assert.Equal(t, []string{"plan 2"}, all[1].Lines)
}

func TestMemory_EnvVarsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	require.NoError(t, m.SetEnvVar(ctx, "p1", "API_KEY", "s3cret"))
	require.NoError(t, m.SetEnvVar(ctx, "p1", "MODE", "prod"))
	require.NoError(t, m.SetEnvVar(ctx, "p1", "MODE", "staging"))

	assert.NotEqual(t, "s3cret", m.envVars["p1"]["API_KEY"])

	env, err := m.EnvVars(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_KEY": "s3cret", "MODE": "staging"}, env)

	deleted, err := m.DeleteEnvVar(ctx, "p1", "MODE")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = m.DeleteEnvVar(ctx, "p1", "MODE")
	require.NoError(t, err)
	assert.False(t, deleted)

	empty, err := m.EnvVars(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemory_GCPCredentials(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	_, err := m.LoadGCPCredentials(ctx, "u1")
	assert.ErrorIs(t, err, credentials.ErrNoCredentials)

	expiry := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	in := credentials.GCPCredentials{ProjectID: "acme-prod", AccessToken: "ya29.token", RefreshToken: "1//refresh", TokenType: "Bearer", Expiry: expiry}
	require.NoError(t, m.SaveGCPCredentials(ctx, "u1", in))

	assert.NotEqual(t, "ya29.token", m.tokens["u1"].accessToken)
	assert.NotEqual(t, "1//refresh", m.tokens["u1"].refreshToken)

	out, err := m.LoadGCPCredentials(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newMemory(t)

	assert.ErrorIs(t, m.SaveWorkflow(ctx, &Workflow{}), context.Canceled)
	_, err := m.EnvVars(ctx, "p1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_EmptyURLIsMemory(t *testing.T) {
	s, err := Open(context.Background(), "", newEncryption(t), nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
	assert.NoError(t, s.Close())
}

func TestParseEnvFile(t *testing.T) {
	content := `# database
DATABASE_URL=postgres://db:5432/app
export MODE = "production"
GREETING='hello world'

BROKEN_LINE
EMPTY=
QUOTE="unterminated
`
	assert.Equal(t, map[string]string{
		"DATABASE_URL": "postgres://db:5432/app",
		"MODE":         "production",
		"GREETING":     "hello world",
		"EMPTY":        "",
		"QUOTE":        `"unterminated`,
	}, ParseEnvFile(content))
}
