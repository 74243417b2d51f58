package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"sirpi/internal/credentials"
	"sirpi/internal/encryption"
	"sirpi/internal/status"
)

type storedToken struct {
	projectID    string
	accessToken  string
	refreshToken string
	tokenType    string
	expiry       time.Time
}

// Memory is a [Store] kept in process memory. Environment values and
// tokens are held encrypted, as in the database.
type Memory struct {
	enc *encryption.Service
	now func() time.Time

	mu             sync.RWMutex
	workflows      map[string]Workflow
	stageLogs      map[string][]StageLog
	projects       map[string]Project
	deploymentLogs map[string][]DeploymentLog
	envVars        map[string]map[string]string
	tokens         map[string]storedToken
}

// NewMemory returns an empty in-memory store.
func NewMemory(enc *encryption.Service) *Memory {
	return &Memory{
		enc:            enc,
		now:            time.Now,
		workflows:      make(map[string]Workflow),
		stageLogs:      make(map[string][]StageLog),
		projects:       make(map[string]Project),
		deploymentLogs: make(map[string][]DeploymentLog),
		envVars:        make(map[string]map[string]string),
		tokens:         make(map[string]storedToken),
	}
}

func (m *Memory) SaveWorkflow(ctx context.Context, w *Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := m.now()
	if prev, ok := m.workflows[w.ID]; ok {
		w.CreatedAt = prev.CreatedAt
	} else if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	cp := *w
	cp.Artifacts = slices.Clone(w.Artifacts)
	m.workflows[w.ID] = cp
	return nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	w.Artifacts = slices.Clone(w.Artifacts)
	return &w, nil
}

func (m *Memory) SaveStageLogs(ctx context.Context, l StageLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now()
	}
	l.Lines = slices.Clone(l.Lines)
	logs := m.stageLogs[l.WorkflowID]
	for i := range logs {
		if logs[i].Stage == l.Stage {
			logs[i] = l
			return nil
		}
	}
	m.stageLogs[l.WorkflowID] = append(logs, l)
	return nil
}

func (m *Memory) StageLogs(ctx context.Context, workflowID string) ([]StageLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StageLog, 0, len(m.stageLogs[workflowID]))
	for _, l := range m.stageLogs[workflowID] {
		l.Lines = slices.Clone(l.Lines)
		out = append(out, l)
	}
	return out, nil
}

func (m *Memory) CreateProject(ctx context.Context, p *Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := m.projects[p.ID]; ok {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	if p.DeploymentStatus == "" {
		p.DeploymentStatus = status.DeploymentNone
	}
	now := m.now()
	p.CreatedAt, p.UpdatedAt = now, now

	cp := *p
	cp.Outputs = maps.Clone(p.Outputs)
	m.projects[p.ID] = cp
	return nil
}

func (m *Memory) GetProject(ctx context.Context, id string) (*Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	p.Outputs = maps.Clone(p.Outputs)
	return &p, nil
}

func (m *Memory) UpdateDeploymentStatus(ctx context.Context, projectID string, s status.DeploymentStatus) error {
	return m.updateProject(ctx, projectID, func(p *Project) {
		p.DeploymentStatus = s
	})
}

func (m *Memory) SetDeploymentResult(ctx context.Context, projectID, url string, outputs map[string]any) error {
	return m.updateProject(ctx, projectID, func(p *Project) {
		p.ApplicationURL = url
		p.Outputs = maps.Clone(outputs)
	})
}

func (m *Memory) updateProject(ctx context.Context, id string, fn func(*Project)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	fn(&p)
	p.UpdatedAt = m.now()
	m.projects[id] = p
	return nil
}

func (m *Memory) SaveDeploymentLog(ctx context.Context, l DeploymentLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now()
	}
	l.Lines = slices.Clone(l.Lines)
	m.deploymentLogs[l.ProjectID] = append(m.deploymentLogs[l.ProjectID], l)
	return nil
}

func (m *Memory) LatestDeploymentLog(ctx context.Context, projectID string, op status.Operation) (*DeploymentLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.deploymentLogs[projectID]
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Operation == op {
			l := logs[i]
			l.Lines = slices.Clone(l.Lines)
			return &l, nil
		}
	}
	return nil, fmt.Errorf("%s log for project %s: %w", op, projectID, ErrNotFound)
}

func (m *Memory) DeploymentLogs(ctx context.Context, projectID string) ([]DeploymentLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return latestPerOperation(m.deploymentLogs[projectID]), nil
}

func (m *Memory) SetEnvVar(ctx context.Context, projectID, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sealed, err := m.enc.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.envVars[projectID] == nil {
		m.envVars[projectID] = make(map[string]string)
	}
	m.envVars[projectID][key] = sealed
	return nil
}

func (m *Memory) DeleteEnvVar(ctx context.Context, projectID, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.envVars[projectID][key]; !ok {
		return false, nil
	}
	delete(m.envVars[projectID], key)
	return true, nil
}

func (m *Memory) EnvVars(ctx context.Context, projectID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	sealed := maps.Clone(m.envVars[projectID])
	m.mu.RUnlock()

	out, err := m.enc.DecryptMap(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt environment of %s: %w", projectID, err)
	}
	return out, nil
}

func (m *Memory) LoadGCPCredentials(ctx context.Context, userID string) (credentials.GCPCredentials, error) {
	if err := ctx.Err(); err != nil {
		return credentials.GCPCredentials{}, err
	}
	m.mu.RLock()
	t, ok := m.tokens[userID]
	m.mu.RUnlock()
	if !ok {
		return credentials.GCPCredentials{}, credentials.ErrNoCredentials
	}
	return openToken(m.enc, t)
}

func (m *Memory) SaveGCPCredentials(ctx context.Context, userID string, c credentials.GCPCredentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := sealToken(m.enc, c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = t
	return nil
}

func (m *Memory) Close() error { return nil }

func sealToken(enc *encryption.Service, c credentials.GCPCredentials) (storedToken, error) {
	access, err := enc.Encrypt(c.AccessToken)
	if err != nil {
		return storedToken{}, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := enc.Encrypt(c.RefreshToken)
	if err != nil {
		return storedToken{}, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return storedToken{
		projectID:    c.ProjectID,
		accessToken:  access,
		refreshToken: refresh,
		tokenType:    c.TokenType,
		expiry:       c.Expiry,
	}, nil
}

func openToken(enc *encryption.Service, t storedToken) (credentials.GCPCredentials, error) {
	access, err := enc.Decrypt(t.accessToken)
	if err != nil {
		return credentials.GCPCredentials{}, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := enc.Decrypt(t.refreshToken)
	if err != nil {
		return credentials.GCPCredentials{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return credentials.GCPCredentials{
		ProjectID:    t.projectID,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    t.tokenType,
		Expiry:       t.expiry,
	}, nil
}
