package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sirpi/internal/status"
)

func newStatusCommand(app *App) *cobra.Command {
	var statusFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the summary of the last generate run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := status.NewReader(statusFile).Read()
			if err != nil {
				app.Printer.Error(err.Error())
				return NewExitError(1)
			}

			p := app.Printer
			p.Header(fmt.Sprintf("Workflow %s", snap.WorkflowID))
			p.Field("Repository", snap.Repository)
			p.Field("Provider", string(snap.Provider))
			p.Field("Status", string(snap.Status))
			if snap.Error != "" {
				p.Field("Error", snap.Error)
			}

			rows := make([][]string, len(snap.Stages))
			for i, s := range snap.Stages {
				rows[i] = []string{s.Name, string(s.Status), s.Duration.String(), fmt.Sprintf("%d", s.Lines)}
			}
			if len(rows) > 0 {
				p.Table([]string{"STAGE", "STATUS", "DURATION", "LINES"}, rows)
			}
			for _, f := range snap.Files {
				p.Line(f)
			}

			if snap.Status == status.WorkflowFailed {
				return NewExitError(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFile, "status-file", "", "summary file to read (default "+status.DefaultSnapshotPath+")")
	return cmd
}
