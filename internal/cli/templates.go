package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sirpi/internal/templates"
)

func newTemplatesCommand(app *App) *cobra.Command {
	var cloud string

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the deployment templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []templates.Metadata
			if cloud != "" {
				list = app.Templates.ByCloud(cloud)
			} else {
				list = app.Templates.List()
			}
			if len(list) == 0 {
				app.Printer.Line("no templates for cloud " + cloud)
				return nil
			}

			rows := make([][]string, len(list))
			for i, m := range list {
				rows[i] = []string{
					string(m.Platform),
					m.CloudProvider,
					m.Name,
					m.Difficulty,
					fmt.Sprintf("$%.0f", m.MinCostEstimateMonthly),
				}
			}
			app.Printer.Table([]string{"PLATFORM", "CLOUD", "NAME", "DIFFICULTY", "FROM/MONTH"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&cloud, "cloud", "", "only list templates for this cloud (aws or gcp)")
	return cmd
}
