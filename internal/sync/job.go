package sync

import (
	"context"
	"time"

	"activity-sync/internal/api"
	"activity-sync/internal/auth"
)

// Job is one (provider, record type) feed with its engine configuration.
// It hides the raw item type so the manager can hold heterogeneous feeds.
type Job interface {
	Provider() string
	RecordType() api.RecordType
	Run(ctx context.Context, sink RecordSink, runID string, now time.Time) SyncOutcome
}

type JobConfig struct {
	Provider    string
	RecordType  api.RecordType
	Lookback    time.Duration
	Concurrency int
	MaxPages    int
	// WholeDays aligns the window cutoff to the start of its UTC day.
	WholeDays bool
}

// WindowedSource is a source whose query is derived from the run's window
// rather than walked by cursor, such as a date-range endpoint. ForWindow is
// called once per run and its result serves every page of that run.
type WindowedSource[T any] interface {
	PagedSource[T]
	ForWindow(window Window) PagedSource[T]
}

type engineJob[T any] struct {
	source    PagedSource[T]
	processor ItemProcessor[T]
	cfg       JobConfig
}

func NewJob[T any](source PagedSource[T], processor ItemProcessor[T], cfg JobConfig) Job {
	return &engineJob[T]{source: source, processor: processor, cfg: cfg}
}

func (j *engineJob[T]) Provider() string           { return j.cfg.Provider }
func (j *engineJob[T]) RecordType() api.RecordType { return j.cfg.RecordType }

func (j *engineJob[T]) Run(ctx context.Context, sink RecordSink, runID string, now time.Time) SyncOutcome {
	window := NewWindow(now, j.cfg.Lookback)
	if j.cfg.WholeDays {
		window = window.WholeDays()
	}
	source := j.source
	if ws, ok := source.(WindowedSource[T]); ok {
		source = ws.ForWindow(window)
	}

	engine := NewEngine(source, j.processor, sink, Options{
		Provider:    j.cfg.Provider,
		RecordType:  j.cfg.RecordType,
		Concurrency: j.cfg.Concurrency,
		MaxPages:    j.cfg.MaxPages,
	})
	return engine.Run(ctx, runID, window)
}

// Provider groups the jobs that share one authenticated session. Solver is
// only needed for sessions that can issue challenges.
type Provider struct {
	Session auth.Session
	Solver  auth.ChallengeSolver
	Jobs    []Job
}

func (p Provider) Name() string { return p.Session.Provider() }
