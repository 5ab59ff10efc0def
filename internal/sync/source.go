package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"activity-sync/internal/api"
)

// PagedSource fetches one page of raw items given the previous page's cursor.
type PagedSource[T any] interface {
	FetchPage(ctx context.Context, cursor Cursor) (Page[T], error)
}

// SourceFunc adapts a function to PagedSource.
type SourceFunc[T any] func(ctx context.Context, cursor Cursor) (Page[T], error)

func (f SourceFunc[T]) FetchPage(ctx context.Context, cursor Cursor) (Page[T], error) {
	return f(ctx, cursor)
}

// Result is what a processor reports for one raw item. Record is nil when
// the item is out of window or skipped by a provider rule.
type Result struct {
	Verdict Verdict
	Record  api.Record
}

// Skip is an in-window item that produces no record.
func Skip() Result { return Result{Verdict: InWindow} }

// Stale is an out-of-window item.
func Stale() Result { return Result{Verdict: OutOfWindow} }

// Mapped is an in-window item mapped to rec.
func Mapped(rec api.Record) Result { return Result{Verdict: InWindow, Record: rec} }

// ItemProcessor maps one raw item. Implementations are called concurrently
// for every item of a page and must not share mutable state. The window
// check must happen before any skip rule so that stale items still stop
// pagination. A returned error drops the item; the accompanying Verdict is
// still honoured.
type ItemProcessor[T any] interface {
	Process(ctx context.Context, item T, window Window) (Result, error)
}

// ProcessorFunc adapts a function to ItemProcessor.
type ProcessorFunc[T any] func(ctx context.Context, item T, window Window) (Result, error)

func (f ProcessorFunc[T]) Process(ctx context.Context, item T, window Window) (Result, error) {
	return f(ctx, item, window)
}

// RecordSink durably stores canonical records. Save receives one page's
// batch in a single call.
type RecordSink interface {
	Save(ctx context.Context, recordType api.RecordType, batch []api.Record) error
	RefreshCache(ctx context.Context) error
}

var (
	ErrCursorLoop    = errors.New("source returned an already visited cursor")
	ErrPageLimit     = errors.New("page limit exceeded")
	ErrRunFailed     = errors.New("one or more sync jobs failed")
	ErrRunInProgress = errors.New("a sync run is already in progress")
)

// FetchError is a failed page fetch. It ends the run; batches saved from
// earlier pages stay saved.
type FetchError struct {
	Page   int
	Cursor string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page %d (cursor %s): %v", e.Page, e.Cursor, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SinkError is a failed batch save. The engine does not retry it.
type SinkError struct {
	RecordType api.RecordType
	Records    int
	Err        error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("save %d %s: %v", e.Records, e.RecordType, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// SyncOutcome summarizes one engine run. Exactly one is produced per run.
type SyncOutcome struct {
	RunID        string         `json:"run_id"`
	Provider     string         `json:"provider"`
	RecordType   api.RecordType `json:"record_type"`
	RecordsSaved int            `json:"records_saved"`
	Pages        int            `json:"pages"`
	Successful   bool           `json:"successful"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Err          error          `json:"-"`
}

// Key identifies the job an outcome belongs to.
func (o SyncOutcome) Key() string {
	return o.Provider + "/" + string(o.RecordType)
}

func (o *SyncOutcome) fail(err error) {
	o.Successful = false
	o.Err = err
	o.ErrorMessage = err.Error()
}
