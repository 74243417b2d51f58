package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sirpi/internal/orchestrator"
	"sirpi/internal/status"
)

func newGenerateCommand(app *App) *cobra.Command {
	var (
		provider   string
		platform   string
		projectID  string
		statusFile string
	)

	cmd := &cobra.Command{
		Use:   "generate <repository-url>",
		Short: "Generate a Dockerfile and Terraform for a repository",
		Long: `Analyze a GitHub repository and generate its deployment artifacts.

The Dockerfile and Terraform files are uploaded to artifact storage under
{owner}/{repo}/ and a summary of the run is written to the status file.

Example:
  sirpi generate https://github.com/acme/shop --provider aws`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := app.Printer
			app.Workflows.SetSnapshotWriter(status.NewWriter(statusFile))
			app.Workflows.SetStatusCallback(func(id string, s status.WorkflowStatus) {
				p.Line(fmt.Sprintf("%s %s", id, s))
			})

			p.Header("Generating artifacts for " + args[0])
			state, err := app.Workflows.Run(cmd.Context(), orchestrator.Request{
				RepositoryURL: args[0],
				Provider:      status.CloudProvider(provider),
				Platform:      platform,
				ProjectID:     projectID,
			})
			if state == nil {
				p.Error(err.Error())
				return NewExitError(1)
			}
			if state.Status != status.WorkflowSuccess {
				msg := state.Error
				if msg == "" && err != nil {
					msg = err.Error()
				}
				p.Error("Workflow failed: " + msg)
				return NewExitError(1)
			}

			p.Success(fmt.Sprintf("Generated %d files", len(state.FileNames())), state.Duration())
			p.Field("Workflow", state.ID)
			p.Field("Provider", string(state.Provider))
			p.Field("Platform", state.Platform)
			for _, name := range state.FileNames() {
				p.Line(name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "cloud provider to target (aws or gcp)")
	cmd.Flags().StringVar(&platform, "platform", "", "template platform, defaults to the provider's configured platform")
	cmd.Flags().StringVar(&projectID, "project", "", "project to link the workflow to")
	cmd.Flags().StringVar(&statusFile, "status-file", "", "where to write the run summary (default "+status.DefaultSnapshotPath+")")
	return cmd
}
