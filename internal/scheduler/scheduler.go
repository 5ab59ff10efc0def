// Package scheduler triggers sync runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	activitysync "activity-sync/internal/sync"
)

// Runner is the part of the sync manager the scheduler drives.
type Runner interface {
	RunOnce(ctx context.Context) ([]activitysync.SyncOutcome, error)
}

// cronParser accepts standard 5-field expressions, an optional seconds
// field, and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Scheduler struct {
	runner   Runner
	schedule string
	cron     *cron.Cron
	ctx      context.Context
}

func New(runner Runner, schedule string) *Scheduler {
	return &Scheduler{
		runner:   runner,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Validate reports whether a schedule expression parses.
func Validate(schedule string) error {
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// Start registers the schedule and starts the cron ticker. Runs use ctx,
// so cancelling it aborts an in-flight run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	id, err := s.cron.AddFunc(s.schedule, s.fire)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	log.Info().Str("schedule", s.schedule).Time("next", s.cron.Entry(id).Next).Msg("Sync scheduled")
	return nil
}

func (s *Scheduler) fire() {
	log.Info().Msg("Scheduled sync firing")
	outcomes, err := s.runner.RunOnce(s.ctx)
	switch {
	case errors.Is(err, activitysync.ErrRunInProgress):
		log.Info().Msg("Skipping scheduled sync, previous run still in progress")
	case err != nil:
		log.Error().Err(err).Int("jobs", len(outcomes)).Msg("Scheduled sync failed")
	}
}

// Stop stops the ticker and waits for a running sync to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
