package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sirpi/internal/metrics"
	"sirpi/internal/status"
	"sirpi/internal/store"
)

// Stage names a logical step of the workflow as shown to users.
type Stage string

const (
	StageAnalyze    Stage = "analyze"
	StageAIAnalysis Stage = "ai_analysis"
	StageGenerate   Stage = "generate"
	StageUpload     Stage = "upload"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageAnalyze, StageAIAnalysis, StageGenerate, StageUpload}

// lineTimeFormat renders the 12-hour wall clock prefix of a stage line.
const lineTimeFormat = "03:04:05 PM"

// FormatLine renders a stage log line: "03:04:05 PM  [AGENT] message".
func FormatLine(at time.Time, agent, message string) string {
	return at.Format(lineTimeFormat) + "  [" + strings.ToUpper(agent) + "] " + message
}

type stageEntry struct {
	lines     []string
	started   bool
	concluded bool
	startedAt time.Time
	status    status.StageStatus
	duration  time.Duration
}

// stageBook accumulates the lines of each stage and flushes every stage to
// the sink exactly once.
type stageBook struct {
	workflowID string
	sink       StageLogSink
	publisher  LinePublisher
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[Stage]*stageEntry
}

func newStageBook(workflowID string, sink StageLogSink, publisher LinePublisher, logger *slog.Logger, now func() time.Time) *stageBook {
	entries := make(map[Stage]*stageEntry, len(Stages))
	for _, s := range Stages {
		entries[s] = &stageEntry{}
	}
	return &stageBook{
		workflowID: workflowID,
		sink:       sink,
		publisher:  publisher,
		logger:     logger,
		now:        now,
		entries:    entries,
	}
}

// log appends a line to stage. The first line marks the stage started.
func (b *stageBook) log(stage Stage, agent, message string) {
	now := b.now()
	line := FormatLine(now, agent, message)

	b.mu.Lock()
	e := b.entries[stage]
	if !e.started {
		e.started = true
		e.startedAt = now
	}
	e.lines = append(e.lines, line)
	b.mu.Unlock()

	b.logger.Info(message, "stage", stage, "agent", agent)
	if b.publisher != nil {
		b.publisher.Publish(b.workflowID, line)
	}
}

// conclude flushes stage with st. Later calls for the same stage are
// ignored. Persistence failures are logged, never returned.
func (b *stageBook) conclude(ctx context.Context, stage Stage, st status.StageStatus) {
	b.mu.Lock()
	e := b.entries[stage]
	if e.concluded {
		b.mu.Unlock()
		return
	}
	e.concluded = true
	e.status = st
	if e.started {
		e.duration = b.now().Sub(e.startedAt)
	}
	rec := store.StageLog{
		WorkflowID:      b.workflowID,
		Stage:           string(stage),
		Status:          st,
		Lines:           append([]string(nil), e.lines...),
		DurationSeconds: e.duration.Seconds(),
	}
	d := e.duration
	b.mu.Unlock()

	metrics.RecordStage(string(stage), string(st), d)
	if b.sink == nil {
		return
	}
	if err := b.sink.SaveStageLogs(ctx, rec); err != nil {
		b.logger.Warn("failed to save stage logs", "stage", stage, "error", err)
	}
}

// fail attributes err to the first stage that has not concluded, then
// flushes that stage and every other started but unconcluded stage with
// an error status. It returns the attributed stage, or "" when every stage
// had already concluded.
func (b *stageBook) fail(ctx context.Context, err error) Stage {
	b.mu.Lock()
	var failed Stage
	for _, s := range Stages {
		if !b.entries[s].concluded {
			failed = s
			break
		}
	}
	b.mu.Unlock()

	if failed == "" {
		return ""
	}
	b.log(failed, "Orchestrator", "Workflow failed: "+err.Error())

	for _, s := range Stages {
		b.mu.Lock()
		e := b.entries[s]
		pending := e.started && !e.concluded
		b.mu.Unlock()
		if pending {
			b.conclude(ctx, s, status.StageError)
		}
	}
	return failed
}

// summaries describes every concluded stage in order.
func (b *stageBook) summaries() []status.StageSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []status.StageSummary
	for _, s := range Stages {
		e := b.entries[s]
		if !e.concluded {
			continue
		}
		out = append(out, status.StageSummary{
			Name:     string(s),
			Status:   e.status,
			Duration: e.duration,
			Lines:    len(e.lines),
		})
	}
	return out
}
