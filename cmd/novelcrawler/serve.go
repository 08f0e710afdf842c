package main

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/novel-crawler/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and fire scheduled regular runs",
		Long: `serve starts the HTTP API and, when schedule.regular is set, fires
regular runs on that cron schedule until SIGINT or SIGTERM. Launched sweeps
are canceled and joined before the stores close.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *server.App) error {
			return app.Run(cmd.Context())
		}),
	}
}
