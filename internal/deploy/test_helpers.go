package deploy

import (
	"context"
	"sync"
	"time"

	"sirpi/internal/statebackend"
	"sirpi/internal/status"
	"sirpi/internal/store"
)

// MockTarget is a scripted [Target].
type MockTarget struct {
	CloudProvider status.CloudProvider
	RepositoryURI string
	Auth          RegistryAuth
	Backend       statebackend.Backend

	ConfigureErr error
	RepoErr      error
	AuthErr      error
	BackendErr   error

	// URLOutput names the output ApplicationURL reads, prefixed with http://.
	URLOutput string

	mu         sync.Mutex
	Configured int
	Cleaned    []string
	Closed     bool
}

// Factory returns a [TargetFactory] that always yields m.
func (m *MockTarget) Factory() TargetFactory {
	return func(ctx context.Context, p *store.Project) (Target, error) { return m, nil }
}

func (m *MockTarget) Provider() status.CloudProvider {
	if m.CloudProvider == "" {
		return status.CloudAWS
	}
	return m.CloudProvider
}

func (m *MockTarget) Configure(ctx context.Context, sh Shell, home string) error {
	m.mu.Lock()
	m.Configured++
	m.mu.Unlock()
	if m.ConfigureErr != nil {
		return m.ConfigureErr
	}
	sh.Log("credentials configured")
	return nil
}

func (m *MockTarget) EnsureRepository(ctx context.Context, app string) (string, error) {
	return m.RepositoryURI, m.RepoErr
}

func (m *MockTarget) RegistryAuth(ctx context.Context) (RegistryAuth, error) {
	return m.Auth, m.AuthErr
}

func (m *MockTarget) EnsureBackend(ctx context.Context, project string) (statebackend.Backend, error) {
	return m.Backend, m.BackendErr
}

func (m *MockTarget) CleanupBackend(ctx context.Context, project string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cleaned = append(m.Cleaned, project)
}

func (m *MockTarget) Variables(app, imageURI string) []Variable {
	return []Variable{{Name: "image_uri", Value: imageURI}, {Name: "app_name", Value: app}}
}

func (m *MockTarget) ApplicationURL(outputs map[string]any) string {
	if m.URLOutput == "" {
		return ""
	}
	if v, ok := outputs[m.URLOutput].(string); ok && v != "" {
		return "http://" + v
	}
	return ""
}

func (m *MockTarget) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// MockPublisher records published lines per operation.
type MockPublisher struct {
	mu         sync.Mutex
	Registered []string
	Lines      []string
	Completed  []string
	Expired    []string
}

func (m *MockPublisher) Register(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Registered = append(m.Registered, opID)
}

func (m *MockPublisher) Publish(opID, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Lines = append(m.Lines, line)
}

func (m *MockPublisher) Complete(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Completed = append(m.Completed, opID)
}

func (m *MockPublisher) Expire(opID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Expired = append(m.Expired, opID)
}
