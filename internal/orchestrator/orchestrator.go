// Package orchestrator runs the artifact-generation workflow: repository
// analysis, concurrent Dockerfile and Terraform generation, and upload of the
// generated files to artifact storage.
//
// The [Orchestrator] is the only writer of a workflow's status. Status moves
// strictly forward (pending, analyzing, generating, then success or failed)
// and every stage's log lines are flushed to the [StageLogSink] exactly once,
// including when the run fails.
//
// Key types:
//   - [Orchestrator] sequences one run per [Orchestrator.Run] call
//   - [Request] names the repository and deployment target
//   - [WorkflowState] is the resulting record
//   - [Stage] names the user-visible stages (analyze, ai_analysis, generate, upload)
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"sirpi/internal/analysis"
	"sirpi/internal/metrics"
	"sirpi/internal/status"
	"sirpi/internal/store"
	"sirpi/internal/telemetry"
)

// streamRetention is how long a finished workflow's live log queue waits
// for a subscriber before it is dropped.
const streamRetention = 10 * time.Minute

var tracer = telemetry.Tracer("orchestrator")

// Analyzer inspects a repository. The [analysis.Client] implements it.
type Analyzer interface {
	Analyze(ctx context.Context, repoURL string) (*analysis.Result, error)
}

// DockerfileGenerator renders a Dockerfile from an analysis result.
type DockerfileGenerator interface {
	GenerateDockerfile(ctx context.Context, res *analysis.Result) (string, error)
}

// TerraformGenerator renders the Terraform file set for a platform.
type TerraformGenerator interface {
	GenerateTerraform(ctx context.Context, repoURL, platform string, res *analysis.Result) (map[string]string, error)
}

// ArtifactStore stores generated files. The storage package implements it.
type ArtifactStore interface {
	Upload(ctx context.Context, path, content string) (string, error)
	DeleteAll(ctx context.Context, prefix string) (int, error)
}

// StageLogSink persists the lines of a concluded stage.
type StageLogSink interface {
	SaveStageLogs(ctx context.Context, l store.StageLog) error
}

// Recorder persists the workflow record at every status change.
type Recorder interface {
	SaveWorkflow(ctx context.Context, w *store.Workflow) error
}

// LinePublisher delivers stage lines to live subscribers. The
// [logstream.Hub] implements it.
type LinePublisher interface {
	Register(opID string)
	Publish(opID, line string)
	Complete(opID string)
	Expire(opID string, d time.Duration)
}

// SnapshotWriter receives a summary of the finished run.
type SnapshotWriter interface {
	Write(snap *status.Snapshot) error
}

// StatusCallback is invoked after every status change.
type StatusCallback func(workflowID string, s status.WorkflowStatus)

// Request starts a workflow run.
type Request struct {
	// ID identifies the run. A UUID is assigned when empty.
	ID            string
	RepositoryURL string

	// Provider defaults to the orchestrator's default provider.
	Provider status.CloudProvider

	// Platform defaults to the platform configured for Provider.
	Platform string

	// ProjectID links the run to a deployment project, if any.
	ProjectID string
}

// Orchestrator sequences the workflow.
//
// The analyzer, both generators and the artifact store are required. Stage
// log persistence, workflow recording, live publishing and snapshots are
// optional and set through the setters before the first run.
type Orchestrator struct {
	analyzer   Analyzer
	dockerfile DockerfileGenerator
	terraform  TerraformGenerator
	artifacts  ArtifactStore

	stageLogs StageLogSink
	recorder  Recorder
	publisher LinePublisher
	snapshots SnapshotWriter
	onStatus  StatusCallback

	defaultProvider status.CloudProvider
	platforms       map[status.CloudProvider]string

	logger *slog.Logger
	now    func() time.Time
}

// New creates an orchestrator. platforms maps each cloud provider to the
// template platform generated for it.
func New(analyzer Analyzer, dockerfile DockerfileGenerator, terraform TerraformGenerator, artifacts ArtifactStore, defaultProvider status.CloudProvider, platforms map[status.CloudProvider]string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		analyzer:        analyzer,
		dockerfile:      dockerfile,
		terraform:       terraform,
		artifacts:       artifacts,
		defaultProvider: defaultProvider,
		platforms:       platforms,
		logger:          logger,
		now:             time.Now,
	}
}

// SetStageLogSink configures where stage logs are flushed.
func (o *Orchestrator) SetStageLogSink(s StageLogSink) { o.stageLogs = s }

// SetRecorder configures where workflow records are saved.
func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

// SetPublisher configures live publishing of stage lines, keyed by
// workflow ID.
func (o *Orchestrator) SetPublisher(p LinePublisher) { o.publisher = p }

// SetSnapshotWriter configures the writer that receives the final snapshot.
func (o *Orchestrator) SetSnapshotWriter(w SnapshotWriter) { o.snapshots = w }

// SetStatusCallback configures a callback run after each status change.
func (o *Orchestrator) SetStatusCallback(cb StatusCallback) { o.onStatus = cb }

// Prepare fills in the request defaults without running anything. The
// returned request is what [Orchestrator.Run] would execute.
func (o *Orchestrator) Prepare(req Request) (Request, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Provider == "" {
		req.Provider = o.defaultProvider
	}
	if req.Platform == "" {
		req.Platform = o.platforms[req.Provider]
	}
	if strings.TrimSpace(req.RepositoryURL) == "" {
		return req, fmt.Errorf("repository url is required")
	}
	if req.Platform == "" {
		return req, fmt.Errorf("no platform configured for provider %q", req.Provider)
	}
	return req, nil
}

// Run executes one workflow to a terminal status and returns its state.
//
// The state is returned on failure too, with Status failed and Error set.
// Panics raised by collaborators are recovered and fail the run.
func (o *Orchestrator) Run(ctx context.Context, req Request) (state *WorkflowState, err error) {
	req, err = o.Prepare(req)
	if err != nil {
		return nil, err
	}

	state = newState(req, o.now())
	book := newStageBook(req.ID, o.stageLogs, o.publisher, o.logger.With("workflow", req.ID), o.now)

	if o.publisher != nil {
		o.publisher.Register(req.ID)
		defer func() {
			o.publisher.Complete(req.ID)
			o.publisher.Expire(req.ID, streamRetention)
		}()
	}

	ctx, span := tracer.Start(ctx, "workflow.run")
	span.SetAttributes(
		attribute.String("workflow.id", req.ID),
		attribute.String("workflow.provider", string(req.Provider)),
		attribute.String("workflow.platform", req.Platform),
	)
	defer span.End()

	o.record(ctx, state, req.ProjectID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
		if err != nil {
			o.fail(ctx, state, book, err, req.ProjectID)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordWorkflow(string(state.Status))
		o.writeSnapshot(state, book)
	}()

	err = o.run(ctx, state, book, req.ProjectID)
	return state, err
}

func (o *Orchestrator) run(ctx context.Context, state *WorkflowState, book *stageBook, projectID string) error {
	if err := o.setStatus(ctx, state, status.WorkflowAnalyzing, projectID); err != nil {
		return err
	}

	book.log(StageAnalyze, "Orchestrator", "Starting workflow for "+state.RepositoryURL)
	repo, err := analysis.ParseRepositoryURL(state.RepositoryURL)
	if err != nil {
		return err
	}
	state.Repository = repo
	book.log(StageAnalyze, "Orchestrator", "Repository: "+repo.String())
	book.log(StageAnalyze, "Orchestrator", fmt.Sprintf("Target: %s (%s)", state.Provider, state.Platform))
	book.conclude(ctx, StageAnalyze, status.StageSuccess)

	if err := o.analyze(ctx, state, book); err != nil {
		return err
	}

	if err := o.setStatus(ctx, state, status.WorkflowGenerating, projectID); err != nil {
		return err
	}
	if err := o.generate(ctx, state, book); err != nil {
		return err
	}

	if err := o.upload(ctx, state, book); err != nil {
		return err
	}

	return o.setStatus(ctx, state, status.WorkflowSuccess, projectID)
}

func (o *Orchestrator) analyze(ctx context.Context, state *WorkflowState, book *stageBook) error {
	ctx, span := tracer.Start(ctx, "workflow.analyze")
	defer span.End()

	book.log(StageAIAnalysis, "Code Analyzer", "Starting AI-powered code analysis")
	res, err := o.analyzer.Analyze(ctx, state.RepositoryURL)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("analysis failed: %w", err)
	}
	if res == nil {
		return fmt.Errorf("analysis failed: empty result")
	}
	state.Analysis = res

	book.log(StageAIAnalysis, "Code Analyzer", fmt.Sprintf("Detected %s on port %d", res.Stack(), res.Port()))
	book.log(StageAIAnalysis, "Code Analyzer", fmt.Sprintf("Found %d dependencies: %s", len(res.Dependencies), preview(dependencyNames(res), 3)))
	if len(res.EnvironmentVariables) > 0 {
		book.log(StageAIAnalysis, "Code Analyzer", "Environment variables required: "+preview(res.EnvironmentVariables, 5))
	}
	book.conclude(ctx, StageAIAnalysis, status.StageSuccess)
	return nil
}

// generate runs both generators concurrently and waits for both. Either
// failure fails the stage.
func (o *Orchestrator) generate(ctx context.Context, state *WorkflowState, book *stageBook) error {
	ctx, span := tracer.Start(ctx, "workflow.generate")
	defer span.End()

	book.log(StageGenerate, "Generator", "Starting infrastructure file generation")

	res := state.Analysis
	var dockerfile string
	var terraform map[string]string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return protect("dockerfile generation", func() error {
			d, err := o.dockerfile.GenerateDockerfile(gctx, res)
			if err != nil {
				return fmt.Errorf("dockerfile generation failed: %w", err)
			}
			dockerfile = d
			return nil
		})
	})
	g.Go(func() error {
		return protect("terraform generation", func() error {
			files, err := o.terraform.GenerateTerraform(gctx, state.RepositoryURL, state.Platform, res)
			if err != nil {
				return fmt.Errorf("terraform generation failed: %w", err)
			}
			terraform = files
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return err
	}
	if strings.TrimSpace(dockerfile) == "" {
		return fmt.Errorf("dockerfile generation produced no content")
	}
	if len(terraform) == 0 {
		return fmt.Errorf("terraform generation produced no files")
	}

	state.Dockerfile = dockerfile
	state.Terraform = terraform

	names := make([]string, 0, len(terraform))
	for name := range terraform {
		names = append(names, name)
	}
	sort.Strings(names)

	book.log(StageGenerate, "Dockerfile Generator", "Generated production Dockerfile for "+res.Stack())
	book.log(StageGenerate, "Terraform Generator", fmt.Sprintf("Generated %d Terraform files: %s", len(names), strings.Join(names, ", ")))
	book.conclude(ctx, StageGenerate, status.StageSuccess)
	return nil
}

// upload replaces the repository's stored artifacts with the new set.
func (o *Orchestrator) upload(ctx context.Context, state *WorkflowState, book *stageBook) error {
	ctx, span := tracer.Start(ctx, "workflow.upload")
	defer span.End()

	files := state.Files()
	names := state.FileNames()
	prefix := state.Repository.Prefix()

	book.log(StageUpload, "Storage", fmt.Sprintf("Preparing to upload %d files to cloud storage", len(names)))

	deleted, err := o.artifacts.DeleteAll(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to clear stored artifacts: %w", err)
	}
	if deleted > 0 {
		book.log(StageUpload, "Storage", fmt.Sprintf("Cleared %d old files from storage", deleted))
	}

	keys := make([]string, 0, len(names))
	for _, name := range names {
		content := files[name]
		key, err := o.artifacts.Upload(ctx, prefix+name, content)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", name, err)
		}
		keys = append(keys, key)
		book.log(StageUpload, "Storage", fmt.Sprintf("Uploaded %s (%dKB)", name, len(content)/1024))
	}
	state.Artifacts = keys

	book.log(StageUpload, "Storage", fmt.Sprintf("Successfully uploaded all %d files to cloud storage", len(keys)))
	book.conclude(ctx, StageUpload, status.StageSuccess)
	return nil
}

func (o *Orchestrator) setStatus(ctx context.Context, state *WorkflowState, next status.WorkflowStatus, projectID string) error {
	if err := state.transition(next, o.now()); err != nil {
		return err
	}
	o.record(ctx, state, projectID)
	if o.onStatus != nil {
		o.onStatus(state.ID, next)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, state *WorkflowState, book *stageBook, err error, projectID string) {
	// Persistence of the failure must outlive a cancelled run.
	ctx = context.WithoutCancel(ctx)

	stage := book.fail(ctx, err)
	state.Error = err.Error()
	if !state.Status.IsTerminal() {
		_ = o.setStatus(ctx, state, status.WorkflowFailed, projectID)
	}
	o.logger.Error("workflow failed", "workflow", state.ID, "stage", stage, "error", err)
}

func (o *Orchestrator) record(ctx context.Context, state *WorkflowState, projectID string) {
	if o.recorder == nil {
		return
	}
	w := &store.Workflow{
		ID:            state.ID,
		RepositoryURL: state.RepositoryURL,
		Provider:      state.Provider,
		Platform:      state.Platform,
		ProjectID:     projectID,
		Status:        state.Status,
		Error:         state.Error,
		Artifacts:     state.Artifacts,
		CreatedAt:     state.StartedAt,
	}
	if err := o.recorder.SaveWorkflow(ctx, w); err != nil {
		o.logger.Warn("failed to record workflow", "workflow", state.ID, "status", state.Status, "error", err)
	}
}

func (o *Orchestrator) writeSnapshot(state *WorkflowState, book *stageBook) {
	if o.snapshots == nil {
		return
	}
	snap := &status.Snapshot{
		WorkflowID: state.ID,
		Repository: state.RepositoryURL,
		Provider:   state.Provider,
		Status:     state.Status,
		Error:      state.Error,
		Files:      state.Artifacts,
		Stages:     book.summaries(),
		UpdatedAt:  o.now(),
	}
	if err := o.snapshots.Write(snap); err != nil {
		o.logger.Warn("failed to write workflow snapshot", "workflow", state.ID, "error", err)
	}
}

// protect converts a panic in fn into an error.
func protect(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn()
}

func dependencyNames(res *analysis.Result) []string {
	names := make([]string, 0, len(res.Dependencies))
	for name := range res.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// preview joins the first n items and marks truncation with an ellipsis.
func preview(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, ", ")
	}
	return strings.Join(items[:n], ", ") + "..."
}
