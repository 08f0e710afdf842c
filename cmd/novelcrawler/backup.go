package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/server"
)

func newBackupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Export the books and error sets of each site as CSV",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *server.App) error {
			sites, err := siteNames(app, opts.site)
			if err != nil {
				return err
			}
			results, err := app.Exporter().BackupAll(cmd.Context(), sites)
			for _, r := range results {
				app.Logger().Info("backup written",
					zap.String("site", r.Site),
					zap.String("uri", r.URI),
					zap.Int("books", r.Books),
					zap.Int("errors", r.Errors),
				)
			}
			return err
		}),
	}
}
