// Package api is the HTTP surface of sirpi: it starts artifact-generation
// workflows, runs deployment operations, streams their logs over
// Server-Sent Events and lists deployment templates.
//
// Handlers only translate between HTTP and the domain services; all state
// lives in the orchestrator, the deployment service and the store.
//
// Key types:
//   - [Server] owns the gin engine and background workflow runs
//   - [Deps] collects the services the handlers call
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"sirpi/internal/deploy"
	"sirpi/internal/logstream"
	"sirpi/internal/metrics"
	"sirpi/internal/orchestrator"
	"sirpi/internal/status"
	"sirpi/internal/store"
	"sirpi/internal/templates"
)

// WorkflowRunner starts artifact-generation workflows.
// [orchestrator.Orchestrator] implements it.
type WorkflowRunner interface {
	Prepare(req orchestrator.Request) (orchestrator.Request, error)
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.WorkflowState, error)
}

// DeploymentRunner runs deployment operations. [deploy.Service] implements it.
type DeploymentRunner interface {
	Run(ctx context.Context, op status.Operation, projectID string) (*deploy.Result, error)
	Logs(ctx context.Context, projectID string) ([]store.DeploymentLog, error)
}

// LogStreamer forwards live log lines to a subscriber. [logstream.Hub]
// implements it.
type LogStreamer interface {
	Stream(ctx context.Context, opID string, history logstream.HistoryFunc, sink logstream.Sink, opts logstream.StreamOptions) error
}

// Records is the read and project-management side of the store.
type Records interface {
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	StageLogs(ctx context.Context, workflowID string) ([]store.StageLog, error)
	CreateProject(ctx context.Context, p *store.Project) error
	GetProject(ctx context.Context, id string) (*store.Project, error)
	SetEnvVar(ctx context.Context, projectID, key, value string) error
	DeleteEnvVar(ctx context.Context, projectID, key string) (bool, error)
	EnvVars(ctx context.Context, projectID string) (map[string]string, error)
}

// Deps are the services behind the handlers. Every field is required
// except StreamOptions, Logger and ServiceName.
type Deps struct {
	Workflows   WorkflowRunner
	Deployments DeploymentRunner
	Streams     LogStreamer
	Records     Records
	Templates   *templates.Registry

	StreamOptions logstream.StreamOptions
	ServiceName   string
	Logger        *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	engine *gin.Engine
	logger *slog.Logger

	// runs is the parent context of background workflow runs. It outlives
	// individual requests and is cancelled by Shutdown.
	runs   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a server and registers its routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "sirpi"
	}
	if deps.StreamOptions.PollInterval == 0 {
		deps.StreamOptions = logstream.DefaultStreamOptions()
	}

	runs, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:   deps,
		logger: deps.Logger,
		runs:   runs,
		cancel: cancel,
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), otelgin.Middleware(deps.ServiceName), s.observe)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.POST("/workflows", s.startWorkflow)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.GET("/workflows/:id/logs/stream", s.streamWorkflow)

	v1.GET("/templates", s.listTemplates)

	v1.POST("/projects", s.createProject)
	v1.GET("/projects/:id", s.getProject)
	v1.GET("/projects/:id/env-vars", s.listEnvVars)
	v1.POST("/projects/:id/env-vars", s.saveEnvVars)
	v1.POST("/projects/:id/env-vars/upload", s.uploadEnvFile)
	v1.DELETE("/projects/:id/env-vars/:key", s.deleteEnvVar)

	d := v1.Group("/deployment/projects/:id")
	d.POST("/build_image", s.runOperation(status.OperationBuildImage))
	d.POST("/plan", s.runOperation(status.OperationPlan))
	d.POST("/apply", s.runOperation(status.OperationApply))
	d.POST("/destroy", s.runOperation(status.OperationDestroy))
	d.GET("/logs", s.deploymentLogs)
	d.GET("/logs/stream", s.streamDeployment)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.engine }

// Wait blocks until every background workflow run has finished.
func (s *Server) Wait() { s.wg.Wait() }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout and cancels unfinished workflow runs.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	s.cancel()
	s.wg.Wait()
	return err
}

// observe records request metrics. Routes are labelled by their pattern so
// path parameters do not explode label cardinality.
func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	d := time.Since(start)
	metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), d)
	s.logger.Debug("request", "method", c.Request.Method, "route", route, "status", c.Writer.Status(), "duration", d)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": s.deps.ServiceName})
}

func (s *Server) listTemplates(c *gin.Context) {
	var list []templates.Metadata
	if cloud := c.Query("cloud"); cloud != "" {
		list = s.deps.Templates.ByCloud(cloud)
	} else {
		list = s.deps.Templates.List()
	}
	if list == nil {
		list = []templates.Metadata{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"templates": list}})
}
