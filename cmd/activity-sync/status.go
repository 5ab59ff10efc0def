package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"activity-sync/internal/queue"
	activitysync "activity-sync/internal/sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last outcome of every sync job",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		history := activitysync.NewHistory(cfg.State.Path)
		if err := history.Load(); err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		printOutcomes(os.Stdout, history.Outcomes())

		if cfg.Queue.Enabled {
			q, err := queue.New(queueConfig(cfg))
			if err != nil {
				return err
			}
			defer q.Close()
			stats, err := q.Stats()
			if err != nil {
				return fmt.Errorf("spool stats: %w", err)
			}
			fmt.Printf("\nSpool: %d batches (%d records) pending, %d expired\n",
				stats.PendingBatches, stats.PendingRecords, stats.ExpiredBatches)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printOutcomes(w io.Writer, outcomes []activitysync.SyncOutcome) {
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "No sync runs recorded.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tRECORDS\tPAGES\tFINISHED\tERROR")
	for _, o := range outcomes {
		status := "ok"
		if !o.Successful {
			status = "failed"
		}
		finished := "-"
		if !o.FinishedAt.IsZero() {
			finished = o.FinishedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", o.Key(), status, o.RecordsSaved, o.Pages, finished, o.ErrorMessage)
	}
	tw.Flush()
}
