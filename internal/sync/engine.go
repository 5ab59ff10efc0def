package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"activity-sync/internal/api"
)

const DefaultConcurrency = 8

type Options struct {
	Provider   string
	RecordType api.RecordType
	// Concurrency caps in-flight item processors per page.
	Concurrency int
	// MaxPages fails the run once exceeded. Zero disables the cap.
	MaxPages int
}

// Engine walks a provider feed backwards in time. Pages are handled one at
// a time; items within a page are processed concurrently and the whole page
// is saved as one batch before the next page is requested. Walking stops on
// the first page that contains any out-of-window item.
type Engine[T any] struct {
	source    PagedSource[T]
	processor ItemProcessor[T]
	sink      RecordSink
	opts      Options
}

func NewEngine[T any](source PagedSource[T], processor ItemProcessor[T], sink RecordSink, opts Options) *Engine[T] {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Engine[T]{
		source:    source,
		processor: processor,
		sink:      sink,
		opts:      opts,
	}
}

// Run performs one synchronization pass and always returns a complete
// outcome. Failures are reported through the outcome, never panics.
func (e *Engine[T]) Run(ctx context.Context, runID string, window Window) SyncOutcome {
	logger := log.With().
		Str("run_id", runID).
		Str("provider", e.opts.Provider).
		Str("record_type", string(e.opts.RecordType)).
		Logger()

	out := SyncOutcome{
		RunID:      runID,
		Provider:   e.opts.Provider,
		RecordType: e.opts.RecordType,
		StartedAt:  time.Now(),
	}

	if err := e.walk(ctx, logger, window, &out); err != nil {
		out.fail(err)
		logger.Error().Err(err).Int("records", out.RecordsSaved).Int("pages", out.Pages).Msg("Sync failed")
	} else {
		out.Successful = true
		logger.Info().Int("records", out.RecordsSaved).Int("pages", out.Pages).Msg("Sync complete")
	}
	out.FinishedAt = time.Now()
	return out
}

func (e *Engine[T]) walk(ctx context.Context, logger zerolog.Logger, window Window, out *SyncOutcome) error {
	visited := make(map[string]bool)
	var cursor Cursor

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.opts.MaxPages > 0 && out.Pages >= e.opts.MaxPages {
			return fmt.Errorf("%w: %d", ErrPageLimit, e.opts.MaxPages)
		}

		key := CursorKey(cursor)
		visited[key] = true

		page, err := e.source.FetchPage(ctx, cursor)
		if err != nil {
			return &FetchError{Page: out.Pages + 1, Cursor: key, Err: err}
		}
		out.Pages++

		if len(page.Items) == 0 {
			logger.Debug().Int("page", out.Pages).Str("cursor", key).Msg("Empty page, stopping")
			return nil
		}

		batch, stale := e.processPage(ctx, logger, page.Items, window)
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(batch) > 0 {
			if err := e.sink.Save(ctx, e.opts.RecordType, batch); err != nil {
				return &SinkError{RecordType: e.opts.RecordType, Records: len(batch), Err: err}
			}
			out.RecordsSaved += len(batch)
		}

		logger.Debug().
			Int("page", out.Pages).
			Str("cursor", key).
			Int("items", len(page.Items)).
			Int("records", len(batch)).
			Bool("reached_cutoff", stale).
			Msg("Page processed")

		if stale || page.Next == nil {
			return nil
		}
		if visited[CursorKey(page.Next)] {
			return fmt.Errorf("%w: %s", ErrCursorLoop, CursorKey(page.Next))
		}
		cursor = page.Next
	}
}

// processPage runs the processor over every item and waits for all of them.
// The batch keeps the provider's item order. stale is true when any item,
// wherever it sits in the page, fell outside the window.
func (e *Engine[T]) processPage(ctx context.Context, logger zerolog.Logger, items []T, window Window) (batch []api.Record, stale bool) {
	results := make([]Result, len(items))

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			results[i] = e.processItem(ctx, logger, i, item, window)
			return nil
		})
	}
	_ = g.Wait()

	batch = make([]api.Record, 0, len(items))
	for _, res := range results {
		if res.Verdict == OutOfWindow {
			stale = true
			continue
		}
		if res.Record != nil {
			batch = append(batch, res.Record)
		}
	}
	return batch, stale
}

func (e *Engine[T]) processItem(ctx context.Context, logger zerolog.Logger, index int, item T, window Window) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Int("item", index).Interface("panic", r).Msg("Item processor panicked, skipping item")
			res = Skip()
		}
	}()

	var err error
	res, err = e.processor.Process(ctx, item, window)
	if err != nil {
		logger.Warn().Err(err).Int("item", index).Msg("Failed to process item, skipping")
		res.Record = nil
		return res
	}
	if res.Verdict == OutOfWindow {
		res.Record = nil
		return res
	}
	if res.Record != nil && !window.Contains(res.Record.OccurredAt()) {
		logger.Warn().
			Int("item", index).
			Str("record_id", res.Record.RecordID()).
			Time("occurred", res.Record.OccurredAt()).
			Msg("Mapped record is older than the lookback window, dropping")
		return Stale()
	}
	return res
}
