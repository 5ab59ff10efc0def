package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-sync/internal/api"
	"activity-sync/internal/queue"
	activitysync "activity-sync/internal/sync"
)

type fakeController struct {
	running atomic.Bool
	runs    atomic.Int32
	history *activitysync.History
}

func (f *fakeController) Running() bool                  { return f.running.Load() }
func (f *fakeController) History() *activitysync.History { return f.history }

func (f *fakeController) RunOnce(ctx context.Context) ([]activitysync.SyncOutcome, error) {
	f.runs.Add(1)
	return nil, nil
}

func newController(t *testing.T) *fakeController {
	h := activitysync.NewHistory(filepath.Join(t.TempDir(), "history.json"))
	h.Record(activitysync.SyncOutcome{
		RunID:        "run-1",
		Provider:     "lyft",
		RecordType:   api.RecordTypeRide,
		RecordsSaved: 3,
		Successful:   true,
	})
	return &fakeController{history: h}
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealth(t *testing.T) {
	s := New(context.Background(), newController(t), nil)
	rec, body := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["running"])
}

func TestRuns_ListsHistory(t *testing.T) {
	s := New(context.Background(), newController(t), nil)
	rec, body := do(t, s, http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	outcomes := body["outcomes"].([]interface{})
	require.Len(t, outcomes, 1)
	first := outcomes[0].(map[string]interface{})
	assert.Equal(t, "lyft", first["provider"])
	assert.EqualValues(t, 3, first["records_saved"])
	assert.NotContains(t, body, "spool")
}

func TestRuns_IncludesSpoolStats(t *testing.T) {
	q, err := queue.New(queue.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	defer q.Close()
	require.NoError(t, q.Enqueue(api.RecordTypeRide, 4, []byte(`{}`), "down"))

	spool := queue.NewProcessor(q, nil, queue.DefaultProcessorConfig())
	s := New(context.Background(), newController(t), spool)
	_, body := do(t, s, http.MethodGet, "/runs")

	stats := body["spool"].(map[string]interface{})
	assert.EqualValues(t, 1, stats["pending_batches"])
	assert.EqualValues(t, 4, stats["pending_records"])
}

func TestTrigger_StartsRun(t *testing.T) {
	ctl := newController(t)
	s := New(context.Background(), ctl, nil)

	rec, body := do(t, s, http.MethodPost, "/runs")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "started", body["status"])
	assert.Eventually(t, func() bool { return ctl.runs.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestTrigger_ConflictWhileRunning(t *testing.T) {
	ctl := newController(t)
	ctl.running.Store(true)
	s := New(context.Background(), ctl, nil)

	rec, body := do(t, s, http.MethodPost, "/runs")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, activitysync.ErrRunInProgress.Error(), body["error"])
	assert.Zero(t, ctl.runs.Load())
}
