package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/orchestrator"
	"github.com/JakeFAU/novel-crawler/internal/server"
)

var sweepShort = map[orchestrator.Sweep]string{
	orchestrator.SweepExplore:  "Probe new book numbers upward from --num or the highest known",
	orchestrator.SweepUpdate:   "Re-probe known books and record what changed",
	orchestrator.SweepError:    "Re-probe every number in the error set",
	orchestrator.SweepDownload: "Archive finished books whose download is pending",
	orchestrator.SweepCheck:    "Mark books complete by keyword or age",
	orchestrator.SweepFix:      "Repair gaps, cross-set rows and download flags",
	orchestrator.SweepRegular:  "Run explore, update, error, download and check in order",
}

// newSweepCmds creates one subcommand per sweep.
func newSweepCmds(opts *rootOptions) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(orchestrator.Sweeps))
	for _, sweep := range orchestrator.Sweeps {
		cmds = append(cmds, &cobra.Command{
			Use:   string(sweep),
			Short: sweepShort[sweep],
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, app *server.App) error {
				return runSweep(cmd, app, sweep, opts)
			}),
		})
	}
	return cmds
}

func runSweep(cmd *cobra.Command, app *server.App, sweep orchestrator.Sweep, opts *rootOptions) error {
	reports, err := app.Orchestrator().Sweep(cmd.Context(), sweep, opts.site, orchestrator.Options{
		StartNum: opts.num,
		All:      opts.all,
	})
	logger := app.Logger()
	for _, r := range reports {
		fields := []zap.Field{
			zap.String("run_id", r.RunID),
			zap.String("site", r.Site),
			zap.String("sweep", string(r.Sweep)),
			zap.Int("probed", r.Probed),
			zap.Int("changed", r.Changed),
			zap.Int("failed", r.Failed),
			zap.Int("downloaded", r.Downloaded),
			zap.Int("completed", r.Completed),
			zap.Duration("took", r.Finished.Sub(r.Started)),
		}
		if len(r.ConflictNums) > 0 {
			fields = append(fields, zap.Ints("identity_changed", r.ConflictNums))
		}
		logger.Info("sweep finished", fields...)
	}
	return err
}
