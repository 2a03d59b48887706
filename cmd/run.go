package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dhtscout/metadl/internal/artifact"
	"github.com/dhtscout/metadl/internal/gateway"
	"github.com/dhtscout/metadl/internal/metrics"
	"github.com/dhtscout/metadl/internal/scheduler"
	"github.com/dhtscout/metadl/internal/server"
)

// newRunCmd creates the 'run' subcommand, which drives the scheduler loop
// until an interrupt signal arrives.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the fetch scheduler",
		Long: `Runs the admission-controlled scheduler loop: claims the most frequently
sighted unclaimed backlog entries, fetches their metadata over the
BitTorrent DHT and records every outcome. Stops cleanly on SIGINT/SIGTERM
after draining in-flight fetches.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore(st, logger)

			gw, err := gateway.NewTorrentGateway(gateway.TorrentConfig{
				MagnetPrefix: cfg.Gateway.MagnetPrefix,
				StagingDir:   cfg.Gateway.StagingDir,
				ListenPort:   cfg.Gateway.ListenPort,
			}, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := gw.Close(); err != nil {
					logger.Error("close gateway", zap.Error(err))
				}
			}()

			sink, err := artifact.NewDir(cfg.Artifacts.OutputDir)
			if err != nil {
				return err
			}

			metrics.Init()
			if cfg.Server.MetricsAddr != "" {
				go func() {
					if err := server.Listen(ctx, cfg.Server.MetricsAddr, logger); err != nil {
						logger.Error("observability server failed", zap.Error(err))
					}
				}()
			}

			sched := scheduler.New(st, gw, sink, scheduler.Config{
				TickInterval: cfg.Scheduler.TickInterval(),
				MaxInFlight:  cfg.Scheduler.MaxInFlight,
				StopTimeout:  cfg.Scheduler.StopTimeout(),
			}, logger, metrics.SchedulerObserver{})

			logger.Info("scheduler starting",
				zap.Duration("tick_interval", cfg.Scheduler.TickInterval()),
				zap.Int("max_in_flight", cfg.Scheduler.MaxInFlight),
			)
			return sched.Run(ctx)
		},
	}
}
