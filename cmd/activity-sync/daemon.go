package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"activity-sync/internal/scheduler"
	"activity-sync/internal/server"
)

var runAtStart bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run syncs on the configured schedule",
	Long: `Run syncs on sync.schedule until interrupted. The daemon also replays
spooled batches when the queue is enabled and serves run status when the
server is enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sched := scheduler.New(a.manager, cfg.Sync.Schedule)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()

		if a.spool != nil {
			go a.spool.Run(ctx)
		}

		if cfg.Server.Enabled {
			srv := server.New(ctx, a.manager, a.spool)
			go func() {
				if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
					log.Error().Err(err).Msg("Status server stopped")
				}
			}()
		}

		if runAtStart {
			go func() {
				if _, err := a.manager.RunOnce(ctx); err != nil {
					log.Error().Err(err).Msg("Initial sync failed")
				}
			}()
		}

		log.Info().Str("schedule", cfg.Sync.Schedule).Msg("Daemon started")
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		return nil
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&runAtStart, "run-now", false, "Run a sync immediately instead of waiting for the schedule")
	rootCmd.AddCommand(daemonCmd)
}
