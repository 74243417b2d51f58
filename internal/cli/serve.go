package cli

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"sirpi/internal/api"
	"sirpi/internal/logstream"
	"sirpi/internal/telemetry"
)

// telemetryFlushTimeout bounds the final span export on exit.
const telemetryFlushTimeout = 5 * time.Second

func newServeCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API until interrupted.

The listen address, database, artifact storage and sandbox runtime come
from the configuration file and SIRPI_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := app.Config

			shutdown, err := telemetry.Init(ctx, cfg.Telemetry, Version)
			if err != nil {
				app.Printer.Error(err.Error())
				return NewExitError(1)
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					app.Logger.Warn("failed to flush traces", "error", err)
				}
			}()

			if cfg.Log.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			srv := api.New(app.apiDeps())
			if err := srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout); err != nil {
				app.Logger.Error("api server stopped", "error", err)
				return NewExitError(1)
			}
			return nil
		},
	}
}

func (a *App) apiDeps() api.Deps {
	return api.Deps{
		Workflows:   a.Workflows,
		Deployments: a.Deployments,
		Streams:     a.Hub,
		Records:     a.Store,
		Templates:   a.Templates,
		StreamOptions: logstream.StreamOptions{
			RegistrationAttempts: a.Config.Stream.RegistrationAttempts,
			RegistrationInterval: a.Config.Stream.RegistrationInterval,
			PollInterval:         a.Config.Stream.PollInterval,
			MaxIdlePolls:         a.Config.Stream.MaxIdlePolls,
		},
		ServiceName: a.Config.Telemetry.ServiceName,
		Logger:      a.Logger,
	}
}
