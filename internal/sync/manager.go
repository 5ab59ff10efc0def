package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager coordinates one run across all registered providers: it
// authenticates each provider, runs its jobs one after another, and
// refreshes the sink's cache once at the end. A failing provider never
// blocks the others.
type Manager struct {
	sink       RecordSink
	history    *History
	providers  []Provider
	runTimeout time.Duration
	now        func() time.Time
	running    atomic.Bool
}

func NewManager(sink RecordSink, history *History, runTimeout time.Duration) *Manager {
	if history == nil {
		history = NewHistory("")
	}
	return &Manager{
		sink:       sink,
		history:    history,
		runTimeout: runTimeout,
		now:        time.Now,
	}
}

func (m *Manager) Register(p Provider) {
	m.providers = append(m.providers, p)
	log.Info().Str("provider", p.Name()).Int("jobs", len(p.Jobs)).Msg("Registered provider")
}

func (m *Manager) Providers() []Provider { return m.providers }

func (m *Manager) History() *History { return m.history }

// Running reports whether RunOnce is in progress.
func (m *Manager) Running() bool { return m.running.Load() }

// RunOnce syncs every provider once. It returns every outcome, and
// ErrRunFailed when at least one job failed.
func (m *Manager) RunOnce(ctx context.Context) ([]SyncOutcome, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer m.running.Store(false)

	if m.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.runTimeout)
		defer cancel()
	}

	runID := uuid.NewString()
	now := m.now()
	log.Info().Str("run_id", runID).Int("providers", len(m.providers)).Msg("Starting sync run")

	var outcomes []SyncOutcome
	for _, p := range m.providers {
		outcomes = append(outcomes, m.syncProvider(ctx, runID, now, p)...)
	}

	refreshErr := m.sink.RefreshCache(ctx)
	if refreshErr != nil {
		log.Error().Err(refreshErr).Str("run_id", runID).Msg("Cache refresh failed")
	}

	m.history.Record(outcomes...)
	if err := m.history.Save(); err != nil {
		log.Warn().Err(err).Msg("Failed to save run history")
	}

	failed, saved := 0, 0
	for _, o := range outcomes {
		saved += o.RecordsSaved
		if !o.Successful {
			failed++
		}
	}
	log.Info().
		Str("run_id", runID).
		Int("jobs", len(outcomes)).
		Int("failed", failed).
		Int("records", saved).
		Msg("Sync run finished")

	if failed > 0 {
		return outcomes, fmt.Errorf("%w: %d of %d", ErrRunFailed, failed, len(outcomes))
	}
	if refreshErr != nil {
		return outcomes, fmt.Errorf("refresh cache: %w", refreshErr)
	}
	return outcomes, nil
}

func (m *Manager) syncProvider(ctx context.Context, runID string, now time.Time, p Provider) []SyncOutcome {
	outcomes := make([]SyncOutcome, 0, len(p.Jobs))

	if err := m.authenticate(ctx, p); err != nil {
		log.Error().Err(err).Str("run_id", runID).Str("provider", p.Name()).Msg("Authentication failed")
		finished := time.Now()
		for _, job := range p.Jobs {
			o := SyncOutcome{
				RunID:      runID,
				Provider:   job.Provider(),
				RecordType: job.RecordType(),
				StartedAt:  finished,
				FinishedAt: finished,
			}
			o.fail(err)
			outcomes = append(outcomes, o)
		}
		return outcomes
	}

	for _, job := range p.Jobs {
		outcomes = append(outcomes, job.Run(ctx, m.sink, runID, now))
	}
	return outcomes
}

func (m *Manager) authenticate(ctx context.Context, p Provider) error {
	ch, err := p.Session.Authenticate(ctx)
	if err != nil {
		return err
	}
	if ch == nil {
		return nil
	}
	if p.Solver == nil {
		return fmt.Errorf("%s requested a challenge but no solver is configured", p.Name())
	}

	log.Info().Str("provider", p.Name()).Str("hint", ch.Hint).Msg("Challenge pending, waiting for code")
	code, err := p.Solver.Solve(ctx, p.Name(), ch)
	if err != nil {
		return fmt.Errorf("solve %s challenge: %w", p.Name(), err)
	}
	return p.Session.SubmitChallenge(ctx, code)
}
