package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/config"
	"github.com/JakeFAU/novel-crawler/internal/logging"
	"github.com/JakeFAU/novel-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	site       string
	num        int
	all        bool
}

// newRootCmd creates the root command and registers one subcommand per
// sweep plus the backup, info and serve utilities.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "novelcrawler",
		Short: "Crawl web-novel sites and keep a versioned book catalog.",
		Long: `novelcrawler discovers books on configured novel sites, keeps their
metadata current across versions, and archives finished books as text.
One-shot commands run once against every site (or only --site) and exit;
serve runs the HTTP API and the regular-run schedule.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,

		// The bare root only reports usage, so it never builds the app.
		RunE: func(*cobra.Command, []string) error {
			return errors.New("a command is required")
		},

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.HasParent() {
				return nil
			}
			app, err := newApp(cmd.Context(), opts.configPath)
			if err != nil {
				return bootstrapError(err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return
			}
			if err := app.Close(context.Background()); err != nil {
				app.Logger().Warn("close failed", zap.Error(err))
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (YAML, TOML or JSON)")
	flags.StringVar(&opts.site, "site", "", "limit the command to one site")
	flags.IntVar(&opts.num, "num", 0, "explore start number (default: highest known + 1)")
	flags.BoolVar(&opts.all, "all", false, "update also revisits books already read")

	cmd.AddCommand(newSweepCmds(opts)...)
	cmd.AddCommand(newBackupCmd(opts), newInfoCmd(opts), newServeCmd())
	return cmd
}

// newApp loads configuration, installs the global logger, and wires the app.
func newApp(ctx context.Context, configPath string) (*server.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := server.Build(ctx, &cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		return nil, fmt.Errorf("bootstrap failed: %w", err)
	}
	return app, nil
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

// withApp adapts fn into a RunE. A failure of the work itself is logged, not
// returned: the exit status stays 0 and PersistentPostRun still closes the app.
func withApp(fn func(cmd *cobra.Command, app *server.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		app, err := resolveApp(cmd.Context())
		if err != nil {
			return bootstrapError(err)
		}
		if err := fn(cmd, app); err != nil {
			app.Logger().Error("command failed", zap.String("command", cmd.Name()), zap.Error(err))
		}
		return nil
	}
}

// siteNames resolves --site, or every configured site when it is empty.
func siteNames(app *server.App, site string) ([]string, error) {
	orch := app.Orchestrator()
	if site == "" {
		return orch.Sites(), nil
	}
	s, err := orch.Site(site)
	if err != nil {
		return nil, err
	}
	return []string{s.Name}, nil
}
