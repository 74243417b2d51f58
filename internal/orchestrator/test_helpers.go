package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sirpi/internal/analysis"
	"sirpi/internal/status"
	"sirpi/internal/store"
)

// MockAnalyzer returns Result or Err and counts calls.
type MockAnalyzer struct {
	Result *analysis.Result
	Err    error
	Panic  any
	Calls  atomic.Int32
}

func (m *MockAnalyzer) Analyze(ctx context.Context, repoURL string) (*analysis.Result, error) {
	m.Calls.Add(1)
	if m.Panic != nil {
		panic(m.Panic)
	}
	return m.Result, m.Err
}

// MockDockerfileGenerator returns Content or Err. When Gate is set the
// call blocks until the gate is closed.
type MockDockerfileGenerator struct {
	Content string
	Err     error
	Panic   any
	Gate    chan struct{}
	Calls   atomic.Int32
}

func (m *MockDockerfileGenerator) GenerateDockerfile(ctx context.Context, res *analysis.Result) (string, error) {
	m.Calls.Add(1)
	if m.Gate != nil {
		<-m.Gate
	}
	if m.Panic != nil {
		panic(m.Panic)
	}
	return m.Content, m.Err
}

// MockTerraformGenerator returns Files or Err and records the platform.
type MockTerraformGenerator struct {
	Files    map[string]string
	Err      error
	Gate     chan struct{}
	Calls    atomic.Int32
	Platform atomic.Value
}

func (m *MockTerraformGenerator) GenerateTerraform(ctx context.Context, repoURL, platform string, res *analysis.Result) (map[string]string, error) {
	m.Calls.Add(1)
	m.Platform.Store(platform)
	if m.Gate != nil {
		<-m.Gate
	}
	return m.Files, m.Err
}

// MockArtifactStore records uploads and deletions.
type MockArtifactStore struct {
	mu        sync.Mutex
	Uploads   []string
	Deleted   []string
	Existing  int
	DeleteErr error
	UploadErr error
}

func (m *MockArtifactStore) Upload(ctx context.Context, path, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	m.Uploads = append(m.Uploads, path)
	return "gs://artifacts/" + path, nil
}

func (m *MockArtifactStore) DeleteAll(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return 0, m.DeleteErr
	}
	m.Deleted = append(m.Deleted, prefix)
	return m.Existing, nil
}

// MockStageLogSink records flushed stage logs in order.
type MockStageLogSink struct {
	mu   sync.Mutex
	Logs []store.StageLog
	Err  error
}

func (m *MockStageLogSink) SaveStageLogs(ctx context.Context, l store.StageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = append(m.Logs, l)
	return m.Err
}

// ByStage returns the flushed entries keyed by stage.
func (m *MockStageLogSink) ByStage() map[string][]store.StageLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]store.StageLog)
	for _, l := range m.Logs {
		out[l.Stage] = append(out[l.Stage], l)
	}
	return out
}

// MockRecorder records every saved workflow status.
type MockRecorder struct {
	mu       sync.Mutex
	Statuses []status.WorkflowStatus
	Last     store.Workflow
}

func (m *MockRecorder) SaveWorkflow(ctx context.Context, w *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses = append(m.Statuses, w.Status)
	m.Last = *w
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

// MockSnapshotWriter keeps the last snapshot.
type MockSnapshotWriter struct {
	Snapshot *status.Snapshot
}

func (m *MockSnapshotWriter) Write(snap *status.Snapshot) error {
	m.Snapshot = snap
	return nil
}
