package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync every enabled provider once",
	Long: `Run one sync across every enabled provider and exit. The exit status is
non-zero when any job failed.`,
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

		outcomes, runErr := a.manager.RunOnce(ctx)
		printOutcomes(os.Stdout, outcomes)
		if runErr != nil {
			return fmt.Errorf("sync run: %w", runErr)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
