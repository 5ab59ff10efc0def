package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-sync/internal/api"
	"activity-sync/internal/sync/synctest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newQueue(t *testing.T, maxRetries int) (*Queue, *clock) {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxRetries = maxRetries
	q, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	q.now = c.now
	return q, c
}

type failingSink struct {
	synctest.MemorySink
	err error
}

func (s *failingSink) Save(ctx context.Context, recordType api.RecordType, batch []api.Record) error {
	if s.err != nil {
		return s.err
	}
	return s.MemorySink.Save(ctx, recordType, batch)
}

func rides(ids ...string) []api.Record {
	out := make([]api.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, api.Ride{RideID: id, Provider: "lyft", Amount: 12.5, Currency: "USD"})
	}
	return out
}

func TestSpoolingSink_SpoolsAndStillFails(t *testing.T) {
	q, _ := newQueue(t, 3)
	backendDown := errors.New("backend unavailable")
	sink := NewSpoolingSink(&failingSink{err: backendDown}, q)

	err := sink.Save(context.Background(), api.RecordTypeRide, rides("r1", "r2"))
	assert.ErrorIs(t, err, backendDown)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.PendingBatches)
	assert.EqualValues(t, 2, stats.PendingRecords)
	require.NotNil(t, stats.OldestPending)
}

func TestSpoolingSink_PassesThroughOnSuccess(t *testing.T) {
	q, _ := newQueue(t, 3)
	next := &failingSink{}
	sink := NewSpoolingSink(next, q)

	require.NoError(t, sink.Save(context.Background(), api.RecordTypeRide, rides("r1")))
	require.NoError(t, sink.RefreshCache(context.Background()))
	assert.Len(t, next.Records(), 1)
	assert.Equal(t, 1, next.Refreshes())

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.PendingBatches)
}

func TestProcessor_ReplaysWhenDue(t *testing.T) {
	q, c := newQueue(t, 3)
	sink := NewSpoolingSink(&failingSink{err: errors.New("down")}, q)
	require.Error(t, sink.Save(context.Background(), api.RecordTypeRide, rides("r1", "r2")))

	replayed := 0
	p := NewProcessor(q, func(ctx context.Context, recordType api.RecordType, payload []byte) error {
		assert.Equal(t, api.RecordTypeRide, recordType)
		var req struct {
			RecordType api.RecordType    `json:"record_type"`
			Records    []json.RawMessage `json:"records"`
		}
		require.NoError(t, json.Unmarshal(payload, &req))
		replayed++
		assert.Equal(t, api.RecordTypeRide, req.RecordType)
		assert.Len(t, req.Records, 2)
		return nil
	}, DefaultProcessorConfig())

	// Not due until the initial backoff has passed.
	assert.Zero(t, p.ProcessNow(context.Background()))
	c.advance(5 * time.Second)
	assert.Equal(t, 1, p.ProcessNow(context.Background()))
	assert.Equal(t, 1, replayed)

	stats, err := p.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.PendingBatches)
}

func TestProcessor_BacksOffThenExpires(t *testing.T) {
	q, c := newQueue(t, 2)
	require.NoError(t, q.Enqueue(api.RecordTypeRide, 1, []byte(`{}`), "down"))

	attempts := 0
	p := NewProcessor(q, func(ctx context.Context, recordType api.RecordType, payload []byte) error {
		attempts++
		return errors.New("still down")
	}, DefaultProcessorConfig())

	c.advance(5 * time.Second)
	p.ProcessNow(context.Background())
	assert.Equal(t, 1, attempts)

	due, err := q.Due(10)
	require.NoError(t, err)
	assert.Empty(t, due, "rescheduled with backoff")

	// First retry waits 5s * 2.
	c.advance(10 * time.Second)
	due, err = q.Due(10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Retries)
	assert.Equal(t, "still down", due[0].LastError)

	p.ProcessNow(context.Background())
	assert.Equal(t, 2, attempts)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ExpiredBatches)

	purged, err := q.PurgeExpired()
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestProcessor_SkipsWhileOffline(t *testing.T) {
	q, c := newQueue(t, 3)
	require.NoError(t, q.Enqueue(api.RecordTypeRide, 1, []byte(`{}`), "down"))
	c.advance(time.Minute)

	p := NewProcessor(q, func(ctx context.Context, recordType api.RecordType, payload []byte) error {
		t.Fatal("replayed while offline")
		return nil
	}, DefaultProcessorConfig())
	p.SetOnlineChecker(func(ctx context.Context) bool { return false })

	assert.Zero(t, p.ProcessNow(context.Background()))
}

func TestBackoffIsCapped(t *testing.T) {
	q, _ := newQueue(t, 3)
	assert.Equal(t, 10*time.Second, q.backoff(1))
	assert.Equal(t, time.Hour, q.backoff(20))
}

func TestNew_CreatesDirectory(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "nested", "dir"))
	q, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, q.Close())
	assert.FileExists(t, cfg.Path)
}
