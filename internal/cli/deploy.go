package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sirpi/internal/deploy"
	"sirpi/internal/lifecycle"
	"sirpi/internal/router"
	"sirpi/internal/status"
)

// operationCommands maps subcommand names to deployment operations.
var operationCommands = []struct {
	name  string
	op    status.Operation
	short string
}{
	{"build", status.OperationBuildImage, "Build the project's image and push it to the cloud registry"},
	{"plan", status.OperationPlan, "Generate a Terraform plan for the project"},
	{"apply", status.OperationApply, "Apply the project's Terraform"},
	{"destroy", status.OperationDestroy, "Destroy the project's infrastructure"},
}

func newDeployCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run deployment operations for a project",
		Long: `Run deployment operations for a project.

Each operation runs in a fresh sandbox with short-lived cloud credentials:
  build    - build the Docker image and push it to ECR or Artifact Registry
  plan     - terraform init and plan against the pushed image
  apply    - terraform apply and record the application URL
  destroy  - terraform destroy and clear the recorded outputs`,
	}

	for _, oc := range operationCommands {
		cmd.AddCommand(newOperationCommand(app, oc.name, oc.op, oc.short))
	}
	cmd.AddCommand(
		newDeployNextCommand(app),
		newDeployRunCommand(app),
		newDeployLogsCommand(app),
	)
	return cmd
}

func newOperationCommand(app *App, name string, op status.Operation, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runOperation(cmd, op, args[0])
		},
	}
}

func (a *App) runOperation(cmd *cobra.Command, op status.Operation, projectID string) error {
	a.Printer.Header(fmt.Sprintf("Running %s for project %s", op, projectID))
	res, err := a.Deployments.Run(cmd.Context(), op, projectID)
	if err != nil {
		a.Printer.Error(fmt.Sprintf("%s failed: %v", op, err))
		return NewExitError(1)
	}
	a.printResult(res)
	return nil
}

func (a *App) printResult(res *deploy.Result) {
	p := a.Printer
	p.Success(string(res.Operation)+" completed", res.Duration)
	if res.ImageURI != "" {
		p.Field("Image", res.ImageURI)
	}
	if res.ApplicationURL != "" {
		p.Field("Application URL", res.ApplicationURL)
	}
	if res.PlanOutput != "" {
		p.Box(strings.TrimRight(res.PlanOutput, "\n"))
	}
}

func newDeployNextCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "next <project-id>",
		Short: "Run the next operation the project's status calls for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := app.Deployments.DeploymentStatus(cmd.Context(), args[0])
			if err != nil {
				app.Printer.Error(err.Error())
				return NewExitError(1)
			}
			op, err := router.GetOperation(current)
			if errors.Is(err, router.ErrAlreadyDeployed) {
				app.Printer.Success("Project is already deployed", 0)
				return nil
			}
			if err != nil {
				app.Printer.Error(err.Error())
				return NewExitError(1)
			}
			return app.runOperation(cmd, op, args[0])
		},
	}
}

func newDeployRunCommand(app *App) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run <project-id>",
		Short: "Run every remaining operation until the project is deployed",
		Long: `Run the remaining deployment cycle for a project:
  1. build - build and push the image
  2. plan  - generate the Terraform plan
  3. apply - apply it

The cycle resumes from the project's current status and stops at the
first failure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			p := app.Printer
			executor := lifecycle.NewExecutor(app.Deployments, app.Deployments)

			if dryRun {
				steps, err := executor.GetSteps(cmd.Context(), projectID)
				if errors.Is(err, router.ErrAlreadyDeployed) {
					p.Success("Project is already deployed", 0)
					return nil
				}
				if err != nil {
					p.Error(err.Error())
					return NewExitError(1)
				}
				rows := make([][]string, len(steps))
				for i, s := range steps {
					rows[i] = []string{fmt.Sprintf("%d", i+1), string(s.Operation), string(s.NextStatus)}
				}
				p.Table([]string{"STEP", "OPERATION", "STATUS AFTER"}, rows)
				return nil
			}

			executor.SetProgressCallback(func(n, total int, op status.Operation) {
				p.Step(n, total, string(op))
			})
			executor.SetResultCallback(app.printResult)

			err := executor.Execute(cmd.Context(), projectID)
			if errors.Is(err, router.ErrAlreadyDeployed) {
				p.Success("Project is already deployed", 0)
				return nil
			}
			if err != nil {
				p.Error(err.Error())
				return NewExitError(1)
			}
			p.Success("Project deployed", 0)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the remaining operations without running them")
	return cmd
}

func newDeployLogsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <project-id>",
		Short: "Show the latest log of every operation run for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := app.Deployments.Logs(cmd.Context(), args[0])
			if err != nil {
				app.Printer.Error(err.Error())
				return NewExitError(1)
			}
			if len(logs) == 0 {
				app.Printer.Line("no operations have run for this project")
				return nil
			}
			for _, l := range logs {
				app.Printer.Header(fmt.Sprintf("%s (%s, %.0fs)", l.Operation, l.Status, l.DurationSeconds))
				for _, line := range l.Lines {
					app.Printer.Line(line)
				}
			}
			return nil
		},
	}
}
