// Package deploy runs the deployment operations of a project: building and
// pushing the container image, and planning, applying and destroying its
// Terraform inside a sandbox with the customer's cloud credentials.
//
// Every operation follows the same envelope: it registers a live log stream
// keyed by project ID, acquires its own sandbox, collects every log line the
// sandbox emits, persists those lines with the outcome and duration, moves
// the project's deployment status forward on success and always completes
// the stream.
//
// Key types:
//   - [Service] exposes BuildImage, Plan, Apply, Destroy and Logs
//   - [Target] is the cloud-specific half of an operation ([AWSTarget], [GCPTarget])
//   - [TargetFactory] builds a fresh target, and so a fresh credential broker, per operation
//   - [Result] reports what an operation produced
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"sirpi/internal/analysis"
	"sirpi/internal/metrics"
	"sirpi/internal/sandbox"
	"sirpi/internal/status"
	"sirpi/internal/store"
	"sirpi/internal/telemetry"
)

var (
	// ErrProjectNotFound is returned when the project does not exist.
	ErrProjectNotFound = errors.New("project not found")

	// ErrUnsupportedProvider is returned for projects targeting a cloud
	// that cannot be deployed to.
	ErrUnsupportedProvider = errors.New("cloud provider does not support deployment")

	// ErrDockerfileNotFound is returned by BuildImage when no generated
	// Dockerfile is stored for the project's repository.
	ErrDockerfileNotFound = errors.New("dockerfile not found in generated files")

	// ErrNoTerraform is returned when no generated Terraform files are
	// stored for the project's repository.
	ErrNoTerraform = errors.New("no terraform files found")

	// ErrImageNotBuilt is returned by Plan and Apply when no image URI can
	// be found in the latest build logs.
	ErrImageNotBuilt = errors.New("no docker image found, build the image first")

	// ErrUnknownOperation is returned by Run for an unrecognized operation.
	ErrUnknownOperation = errors.New("unknown deployment operation")
)

// streamRetention is how long a finished operation's live log queue waits
// for a subscriber before it is dropped.
const streamRetention = 10 * time.Minute

var tracer = telemetry.Tracer("deploy")

// Projects is the persistence the service needs. [store.Store] implements it.
type Projects interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
	UpdateDeploymentStatus(ctx context.Context, projectID string, s status.DeploymentStatus) error
	SetDeploymentResult(ctx context.Context, projectID, url string, outputs map[string]any) error
	SaveDeploymentLog(ctx context.Context, l store.DeploymentLog) error
	LatestDeploymentLog(ctx context.Context, projectID string, op status.Operation) (*store.DeploymentLog, error)
	DeploymentLogs(ctx context.Context, projectID string) ([]store.DeploymentLog, error)
	EnvVars(ctx context.Context, projectID string) (map[string]string, error)
}

// Artifacts reads generated files. [storage.Store] implements it.
type Artifacts interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Download(ctx context.Context, path string) (string, bool, error)
}

// Sandboxes hands out one sandbox session per call. [sandbox.Manager]
// implements it.
type Sandboxes interface {
	Use(ctx context.Context, template string, fn func(*sandbox.Session) error) error
}

// Publisher delivers log lines to live subscribers. The [logstream.Hub]
// implements it.
type Publisher interface {
	Register(opID string)
	Publish(opID, line string)
	Complete(opID string)
	Expire(opID string, d time.Duration)
}

// Result reports the outcome of one operation.
type Result struct {
	Operation status.Operation `json:"operation_type"`

	// ImageURI is set by BuildImage.
	ImageURI string `json:"image_uri,omitempty"`

	// PlanOutput is set by Plan.
	PlanOutput string `json:"plan_output,omitempty"`

	// Outputs and ApplicationURL are set by Apply.
	Outputs        map[string]any `json:"outputs,omitempty"`
	ApplicationURL string         `json:"application_url,omitempty"`

	Duration time.Duration `json:"-"`
}

// DurationSeconds is the operation duration rounded down to whole seconds.
func (r *Result) DurationSeconds() int {
	return int(r.Duration / time.Second)
}

// Options configures a [Service].
type Options struct {
	// Template is the sandbox image every operation runs in.
	Template string

	// WorkDir is the home directory inside the sandbox.
	WorkDir string
}

// Service runs deployment operations.
type Service struct {
	projects  Projects
	artifacts Artifacts
	sandboxes Sandboxes
	targets   TargetFactory
	publisher Publisher

	template string
	workDir  string

	logger *slog.Logger
	now    func() time.Time
}

// New creates a deployment service.
func New(projects Projects, artifacts Artifacts, sandboxes Sandboxes, targets TargetFactory, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "/home/user"
	}
	return &Service{
		projects:  projects,
		artifacts: artifacts,
		sandboxes: sandboxes,
		targets:   targets,
		template:  opts.Template,
		workDir:   opts.WorkDir,
		logger:    logger,
		now:       time.Now,
	}
}

// SetPublisher configures live publishing of operation logs, keyed by
// project ID.
func (s *Service) SetPublisher(p Publisher) { s.publisher = p }

// Logs returns the most recent log of every operation run for a project.
func (s *Service) Logs(ctx context.Context, projectID string) ([]store.DeploymentLog, error) {
	if _, err := s.project(ctx, projectID); err != nil {
		return nil, err
	}
	return s.projects.DeploymentLogs(ctx, projectID)
}

// Run dispatches op to the matching operation method.
func (s *Service) Run(ctx context.Context, op status.Operation, projectID string) (*Result, error) {
	switch op {
	case status.OperationBuildImage:
		return s.BuildImage(ctx, projectID)
	case status.OperationPlan:
		return s.Plan(ctx, projectID)
	case status.OperationApply:
		return s.Apply(ctx, projectID)
	case status.OperationDestroy:
		return s.Destroy(ctx, projectID)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
}

// DeploymentStatus returns where a project sits in the deployment cycle.
func (s *Service) DeploymentStatus(ctx context.Context, projectID string) (status.DeploymentStatus, error) {
	p, err := s.project(ctx, projectID)
	if err != nil {
		return "", err
	}
	return p.DeploymentStatus, nil
}

func (s *Service) project(ctx context.Context, projectID string) (*store.Project, error) {
	p, err := s.projects.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	if !p.Provider.IsDeployable() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, p.Provider)
	}
	return p, nil
}

// repositoryPrefix is the artifact storage prefix of a project.
func repositoryPrefix(p *store.Project) (string, error) {
	repo, err := analysis.ParseRepositoryURL(p.RepositoryURL)
	if err != nil {
		return "", err
	}
	return repo.Prefix(), nil
}

// operation carries the per-run state shared by the envelope and the
// operation body.
type operation struct {
	kind    status.Operation
	project *store.Project
	target  Target
	sess    *sandbox.Session
	logger  *slog.Logger
}

// log writes a line to the operation's log through the sandbox session.
func (op *operation) log(msg string) { op.sess.Log(msg) }

// lineCollector accumulates log lines and forwards each to the publisher.
type lineCollector struct {
	opID      string
	publisher Publisher

	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
	if c.publisher != nil {
		c.publisher.Publish(c.opID, line)
	}
}

func (c *lineCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// execute runs body inside the operation envelope. On success the project
// moves to next and after, when set, records operation-specific results.
func (s *Service) execute(ctx context.Context, p *store.Project, kind status.Operation, startLine string, next status.DeploymentStatus,
	body func(ctx context.Context, op *operation) (*Result, error),
	after func(ctx context.Context, res *Result),
) (res *Result, err error) {
	start := s.now()
	logger := s.logger.With("project", p.ID, "operation", kind)

	collector := &lineCollector{opID: p.ID, publisher: s.publisher}
	if s.publisher != nil {
		s.publisher.Register(p.ID)
		defer func() {
			s.publisher.Complete(p.ID)
			s.publisher.Expire(p.ID, streamRetention)
		}()
	}
	collector.add(startLine)

	ctx, span := tracer.Start(ctx, "deploy."+string(kind))
	span.SetAttributes(
		attribute.String("project.id", p.ID),
		attribute.String("project.provider", string(p.Provider)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", kind, r)
		}
		d := s.now().Sub(start)
		outcome := status.StageSuccess
		if err != nil {
			outcome = status.StageError
			collector.add("Error: " + err.Error())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("deployment operation failed", "error", err, "duration", d)
		} else {
			res.Duration = d
			logger.Info("deployment operation finished", "duration", d)
		}
		metrics.RecordDeployment(string(kind), string(outcome), d)

		// Persistence of the outcome must outlive a cancelled request.
		pctx := context.WithoutCancel(ctx)
		s.saveLog(pctx, logger, store.DeploymentLog{
			ProjectID:       p.ID,
			Operation:       kind,
			Status:          outcome,
			Lines:           collector.snapshot(),
			DurationSeconds: float64(int(d.Seconds())),
		})
		if err != nil {
			return
		}
		if uerr := s.projects.UpdateDeploymentStatus(pctx, p.ID, next); uerr != nil {
			logger.Warn("failed to update deployment status", "status", next, "error", uerr)
		}
		if after != nil {
			after(pctx, res)
		}
	}()

	target, err := s.targets(ctx, p)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := target.Close(); cerr != nil {
			logger.Warn("failed to release cloud clients", "error", cerr)
		}
	}()

	err = s.sandboxes.Use(ctx, s.template, func(sess *sandbox.Session) error {
		sess.SetLogCallback(collector.add)
		var berr error
		res, berr = body(ctx, &operation{kind: kind, project: p, target: target, sess: sess, logger: logger})
		return berr
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	res.Operation = kind
	return res, nil
}

func (s *Service) saveLog(ctx context.Context, logger *slog.Logger, l store.DeploymentLog) {
	if err := s.projects.SaveDeploymentLog(ctx, l); err != nil {
		logger.Warn("failed to save deployment logs", "error", err)
	}
}

// home returns a path inside the sandbox home directory.
func (s *Service) home(elem ...string) string {
	return path.Join(append([]string{s.workDir}, elem...)...)
}
