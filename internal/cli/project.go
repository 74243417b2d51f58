package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"sirpi/internal/status"
	"sirpi/internal/store"
)

func newProjectCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage deployment projects",
	}
	cmd.AddCommand(
		newProjectCreateCommand(app),
		newProjectShowCommand(app),
		newProjectEnvCommand(app),
	)
	return cmd
}

func newProjectCreateCommand(app *App) *cobra.Command {
	var p store.Project
	var provider string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a repository as a deployment project",
		Example: `  sirpi project create --name shop --repo https://github.com/acme/shop \
    --provider aws --aws-role-arn arn:aws:iam::123456789012:role/SirpiDeploy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Provider = status.CloudProvider(provider)
			if !p.Provider.IsValid() {
				app.Printer.Error("unsupported cloud provider: " + provider)
				return NewExitError(1)
			}
			if err := app.Store.CreateProject(cmd.Context(), &p); err != nil {
				app.Printer.Error(err.Error())
				return NewExitError(1)
			}
			app.Printer.Success("Created project "+p.ID, 0)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&p.Name, "name", "", "project name")
	f.StringVar(&p.RepositoryURL, "repo", "", "GitHub repository URL")
	f.StringVar(&provider, "provider", "", "cloud provider (aws or gcp)")
	f.StringVar(&p.Platform, "platform", "", "template platform")
	f.StringVar(&p.UserID, "user", "", "owning user, whose stored Google credentials GCP deployments use")
	f.StringVar(&p.AWSRoleARN, "aws-role-arn", "", "IAM role assumed for AWS deployments")
	f.StringVar(&p.AWSExternalID, "aws-external-id", "", "external ID required by the role's trust policy")
	f.StringVar(&p.GCPProjectID, "gcp-project", "", "Google Cloud project to deploy into")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newProjectShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its deployment status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.Store.GetProject(cmd.Context(), args[0])
			if err != nil {
				app.Printer.Error(err.Error())
				return NewExitError(1)
			}
			out := app.Printer
			out.Header(p.Name)
			out.Field("ID", p.ID)
			out.Field("Repository", p.RepositoryURL)
			out.Field("Provider", string(p.Provider))
			out.Field("Status", string(p.DeploymentStatus))
			if p.ApplicationURL != "" {
				out.Field("Application URL", p.ApplicationURL)
			}
			return nil
		},
	}
}

func newProjectEnvCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "env <project-id> <env-file>",
		Short: "Import a .env file into a project's encrypted environment",
		Long: `Import KEY=VALUE lines from a .env file. The variables are stored
encrypted and passed to Terraform on the next plan.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			projectID := args[0]
			if _, err := app.Store.GetProject(ctx, projectID); err != nil {
				app.Printer.Error(err.Error())
				return NewExitError(1)
			}

			content, err := os.ReadFile(args[1])
			if err != nil {
				app.Printer.Error(fmt.Sprintf("failed to read env file: %v", err))
				return NewExitError(1)
			}
			env := store.ParseEnvFile(string(content))
			keys := make([]string, 0, len(env))
			for k := range env {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				if err := app.Store.SetEnvVar(ctx, projectID, k, env[k]); err != nil {
					app.Printer.Error(err.Error())
					return NewExitError(1)
				}
			}
			app.Printer.Success(fmt.Sprintf("Imported %d environment variables", len(keys)), 0)
			for _, k := range keys {
				app.Printer.Line(k)
			}
			return nil
		},
	}
}
