package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/novel-crawler/internal/server"
)

func newInfoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print per-site catalog statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *server.App) error {
			sites, err := siteNames(app, opts.site)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, name := range sites {
				stats, err := app.Orchestrator().Info(cmd.Context(), name)
				if err != nil {
					return err
				}
				if err := enc.Encode(stats); err != nil {
					return fmt.Errorf("write info: %w", err)
				}
			}
			return nil
		}),
	}
}
