package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-sync/internal/api"
	"activity-sync/internal/auth"
)

// challengeSession asks for a code on every Authenticate and accepts only
// want.
type challengeSession struct {
	auth.Machine
	want      string
	submitted []string
}

func (s *challengeSession) Authenticate(ctx context.Context) (*auth.Challenge, error) {
	s.Reset()
	return s.Pending(&auth.Challenge{Action: "/verify", Hint: "email"}), nil
}

func (s *challengeSession) SubmitChallenge(ctx context.Context, code string) error {
	if _, err := s.TakeChallenge(); err != nil {
		return err
	}
	s.submitted = append(s.submitted, code)
	if code != s.want {
		return &auth.AuthError{Provider: s.Provider(), Step: "submit challenge", Err: auth.ErrRejected}
	}
	s.Authenticated(auth.Credential{Cookies: "sid=ok"})
	return nil
}

// guardedFeed refuses to serve pages unless its session is authenticated.
func guardedFeed(session auth.Session, ids ...string) PagedSource[rawItem] {
	return SourceFunc[rawItem](func(ctx context.Context, cursor Cursor) (Page[rawItem], error) {
		if session.State() != auth.StateAuthenticated {
			return Page[rawItem]{}, errors.New("not authenticated")
		}
		items := make([]rawItem, len(ids))
		for i, id := range ids {
			items[i] = recent(id)
		}
		return Page[rawItem]{Items: items}, nil
	})
}

func rideJob(provider string, source PagedSource[rawItem]) Job {
	return NewJob[rawItem](source, ProcessorFunc[rawItem](mapRide), JobConfig{
		Provider:   provider,
		RecordType: api.RecordTypeRide,
		Lookback:   48 * time.Hour,
	})
}

func newTestManager(sink RecordSink, history *History) *Manager {
	m := NewManager(sink, history, time.Minute)
	m.now = func() time.Time { return testNow }
	return m
}

func TestManager_ChallengeSolvedBeforeFetching(t *testing.T) {
	session := &challengeSession{Machine: auth.NewMachine("personal_capital"), want: "424242"}
	var hints []string
	solver := auth.SolverFunc(func(ctx context.Context, provider string, ch *auth.Challenge) (string, error) {
		hints = append(hints, provider+":"+ch.Hint)
		return "424242", nil
	})

	sink := &memorySink{}
	m := newTestManager(sink, nil)
	m.Register(Provider{
		Session: session,
		Solver:  solver,
		Jobs:    []Job{rideJob("personal_capital", guardedFeed(session, "t1", "t2"))},
	})

	outcomes, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Successful)
	assert.Equal(t, 2, outcomes[0].RecordsSaved)
	assert.Equal(t, []string{"personal_capital:email"}, hints)
	assert.Equal(t, []string{"424242"}, session.submitted)
	assert.Equal(t, auth.StateAuthenticated, session.State())
	assert.Equal(t, 1, sink.refreshes)
}

func TestManager_RejectedChallengeFailsOnlyThatProvider(t *testing.T) {
	bad := &challengeSession{Machine: auth.NewMachine("linkedin"), want: "111111"}
	solver := auth.SolverFunc(func(ctx context.Context, provider string, ch *auth.Challenge) (string, error) {
		return "999999", nil
	})
	good := auth.NewStaticSession("groupme", auth.Credential{BearerToken: "tok"}, nil)

	sink := &memorySink{}
	history := NewHistory("")
	m := newTestManager(sink, history)
	m.Register(Provider{Session: bad, Solver: solver, Jobs: []Job{rideJob("linkedin", guardedFeed(bad, "x"))}})
	m.Register(Provider{Session: good, Jobs: []Job{rideJob("groupme", guardedFeed(good, "g1"))}})

	outcomes, err := m.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunFailed)
	require.Len(t, outcomes, 2)

	assert.False(t, outcomes[0].Successful)
	assert.ErrorIs(t, outcomes[0].Err, auth.ErrRejected)
	assert.Equal(t, auth.StateUnauthenticated, bad.State())

	assert.True(t, outcomes[1].Successful)
	assert.Equal(t, [][]string{{"g1"}}, sink.ids())
	assert.Equal(t, 1, sink.refreshes)

	recorded, ok := history.Get("groupme/rides")
	require.True(t, ok)
	assert.Equal(t, 1, recorded.RecordsSaved)
}

func TestManager_ChallengeWithoutSolver(t *testing.T) {
	session := &challengeSession{Machine: auth.NewMachine("linkedin"), want: "1"}
	m := newTestManager(&memorySink{}, nil)
	m.Register(Provider{Session: session, Jobs: []Job{rideJob("linkedin", guardedFeed(session, "x"))}})

	outcomes, err := m.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunFailed)
	require.Len(t, outcomes, 1)
	assert.Contains(t, outcomes[0].ErrorMessage, "no solver")
	assert.Empty(t, session.submitted)
}

func TestManager_SolverErrorIsReported(t *testing.T) {
	session := &challengeSession{Machine: auth.NewMachine("personal_capital"), want: "1"}
	timeout := errors.New("no code arrived")
	m := newTestManager(&memorySink{}, nil)
	m.Register(Provider{
		Session: session,
		Solver: auth.SolverFunc(func(ctx context.Context, provider string, ch *auth.Challenge) (string, error) {
			return "", timeout
		}),
		Jobs: []Job{rideJob("personal_capital", guardedFeed(session, "x"))},
	})

	outcomes, err := m.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.ErrorIs(t, outcomes[0].Err, timeout)
	assert.Equal(t, auth.StateChallengePending, session.State())
}

func TestManager_RefreshFailureSurfaces(t *testing.T) {
	session := auth.NewStaticSession("groupme", auth.Credential{BearerToken: "tok"}, nil)
	sink := &memorySink{refresh: errors.New("cache busy")}
	m := newTestManager(sink, nil)
	m.Register(Provider{Session: session, Jobs: []Job{rideJob("groupme", guardedFeed(session, "a"))}})

	outcomes, err := m.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache busy")
	assert.True(t, outcomes[0].Successful)
}

func TestManager_RejectsOverlappingRuns(t *testing.T) {
	session := auth.NewStaticSession("groupme", auth.Credential{BearerToken: "tok"}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := SourceFunc[rawItem](func(ctx context.Context, cursor Cursor) (Page[rawItem], error) {
		close(started)
		<-release
		return Page[rawItem]{}, nil
	})

	m := newTestManager(&memorySink{}, nil)
	m.Register(Provider{Session: session, Jobs: []Job{rideJob("groupme", blocking)}})

	done := make(chan error, 1)
	go func() {
		_, err := m.RunOnce(context.Background())
		done <- err
	}()

	<-started
	assert.True(t, m.Running())
	_, err := m.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, m.Running())
}

func TestHistory_PersistsLatestOutcomePerJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	h := NewHistory(path)
	h.Record(
		SyncOutcome{RunID: "r1", Provider: "uber", RecordType: api.RecordTypeRide, RecordsSaved: 1, Successful: true},
		SyncOutcome{RunID: "r1", Provider: "gmail", RecordType: api.RecordTypeCall, ErrorMessage: "boom"},
	)
	h.Record(SyncOutcome{RunID: "r2", Provider: "uber", RecordType: api.RecordTypeRide, RecordsSaved: 4, Successful: true})
	require.NoError(t, h.Save())

	loaded := NewHistory(path)
	require.NoError(t, loaded.Load())
	outcomes := loaded.Outcomes()
	require.Len(t, outcomes, 2)
	assert.Equal(t, "gmail/calls", outcomes[0].Key())
	assert.Equal(t, "boom", outcomes[0].ErrorMessage)
	assert.Equal(t, "r2", outcomes[1].RunID)
	assert.Equal(t, 4, outcomes[1].RecordsSaved)
}

func TestHistory_MissingFileIsEmpty(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, h.Load())
	assert.Empty(t, h.Outcomes())
}
