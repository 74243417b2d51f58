// Package cli implements the sirpi command line.
//
// The CLI can serve the HTTP API or drive the same services directly:
// generate artifacts for a repository, run deployment operations, walk a
// project through its whole deployment lifecycle and list templates.
//
// Key types:
//   - [App] holds the services every command uses
//   - [ExitError] carries a process exit code out of a command
//   - [ExecuteResult] is the outcome of [RunWithConfig]
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sirpi/internal/analysis"
	"sirpi/internal/api"
	"sirpi/internal/config"
	"sirpi/internal/deploy"
	"sirpi/internal/encryption"
	"sirpi/internal/logging"
	"sirpi/internal/logstream"
	"sirpi/internal/orchestrator"
	"sirpi/internal/output"
	"sirpi/internal/sandbox"
	"sirpi/internal/status"
	"sirpi/internal/storage"
	"sirpi/internal/store"
	"sirpi/internal/templates"
)

// Version is reported by the CLI and attached to exported traces.
var Version = "dev"

// WorkflowRunner generates artifacts. [orchestrator.Orchestrator]
// implements it.
type WorkflowRunner interface {
	api.WorkflowRunner
	SetSnapshotWriter(w orchestrator.SnapshotWriter)
	SetStatusCallback(cb orchestrator.StatusCallback)
}

// DeploymentRunner runs deployment operations. [deploy.Service] implements
// it.
type DeploymentRunner interface {
	api.DeploymentRunner
	DeploymentStatus(ctx context.Context, projectID string) (status.DeploymentStatus, error)
}

// App holds the services shared by every command.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Printer *output.Printer

	Store       store.Store
	Hub         *logstream.Hub
	Templates   *templates.Registry
	Workflows   WorkflowRunner
	Deployments DeploymentRunner

	closers []func() error
}

// NewApp builds the production services described by cfg.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Printer:   output.NewPrinter(),
		Hub:       logstream.NewHub(logger),
		Templates: templates.NewRegistry(),
	}

	enc, err := encryption.New(cfg.Encrypt.MasterKey, logger)
	if err != nil {
		return nil, err
	}

	app.Store, err = store.Open(ctx, cfg.Database.URL, enc, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Store.Close)

	artifacts, err := openArtifacts(ctx, cfg.Storage, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	if c, ok := artifacts.(interface{ Close() error }); ok {
		app.closers = append(app.closers, c.Close)
	}

	platforms := make(map[status.CloudProvider]string, len(cfg.Workflow.Platforms))
	for provider, platform := range cfg.Workflow.Platforms {
		platforms[status.CloudProvider(provider)] = platform
	}
	orch := orchestrator.New(
		analysis.NewClient(cfg.Analysis.Endpoint, cfg.Analysis.Timeout, cfg.Analysis.MaxRetries, logger),
		templates.NewDockerfileGenerator(),
		templates.NewTerraformGenerator(app.Templates),
		artifacts,
		status.CloudProvider(cfg.Workflow.DefaultProvider),
		platforms,
		logger,
	)
	orch.SetStageLogSink(app.Store)
	orch.SetRecorder(app.Store)
	orch.SetPublisher(app.Hub)
	app.Workflows = orch

	runtime := sandbox.NewDockerRuntime(sandbox.DockerOptions{
		Command:           cfg.Sandbox.Runtime,
		MountDockerSocket: cfg.Sandbox.MountDockerSocket,
		Memory:            cfg.Sandbox.Memory,
		CPUs:              cfg.Sandbox.CPUs,
		WorkDir:           cfg.Sandbox.WorkDir,
	})
	svc := deploy.New(
		app.Store,
		artifacts,
		sandbox.NewManager(runtime, logger),
		deploy.NewTargetFactory(cfg, app.Store, logger),
		deploy.Options{Template: cfg.Sandbox.Template, WorkDir: cfg.Sandbox.WorkDir},
		logger,
	)
	svc.SetPublisher(app.Hub)
	app.Deployments = svc

	return app, nil
}

func openArtifacts(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.Backend == "gcs" {
		return storage.NewGCS(ctx, cfg.GCSBucket, cfg.CredentialsFile, logger)
	}
	logger.Warn("using in-memory artifact storage, generated files are lost on exit")
	return storage.NewMemory(), nil
}

// Close releases the store and storage clients.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "sirpi",
		Short: "Generate and deploy cloud infrastructure for a repository",
		Long: `sirpi analyzes a GitHub repository, generates a Dockerfile and Terraform
for it, and deploys the result to AWS or Google Cloud.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(app),
		newGenerateCommand(app),
		newDeployCommand(app),
		newProjectCommand(app),
		newTemplatesCommand(app),
		newStatusCommand(app),
	)
	return root
}

// ExecuteResult is the outcome of a CLI invocation.
type ExecuteResult struct {
	ExitCode int
	Err      error
}

// RunWithConfig builds the app for cfg and executes the command line in
// args.
func RunWithConfig(ctx context.Context, cfg *config.Config, args []string) ExecuteResult {
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)
	ctx = logging.WithLogger(ctx, logger)

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExecuteResult{ExitCode: 1, Err: err}
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to release resources", "error", err)
		}
	}()

	return execute(ctx, NewRootCommand(app), args)
}

func execute(ctx context.Context, root *cobra.Command, args []string) ExecuteResult {
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if code, ok := IsExitError(err); ok {
			return ExecuteResult{ExitCode: code, Err: err}
		}
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return ExecuteResult{ExitCode: 1, Err: err}
	}
	return ExecuteResult{}
}

// Execute loads the configuration, runs the command line and exits with
// its exit code.
func Execute() {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	res := RunWithConfig(ctx, cfg, os.Args[1:])
	stop()
	os.Exit(res.ExitCode)
}
