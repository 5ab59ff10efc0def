package linkedin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-sync/internal/api"
	"activity-sync/internal/auth"
	activitysync "activity-sync/internal/sync"
	"activity-sync/internal/sync/synctest"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const loginPage = `<html><body>
<form action="/checkpoint/lg/login-submit" method="post">
  <input type="hidden" name="loginCsrfParam" value="lcp-1">
  <input type="hidden" name="trk" value="guest_homepage">
  <input type="text" name="session_key">
</form></body></html>`

const challengePage = `<html><body>
<form id="email-pin-challenge" action="/checkpoint/challenge/verify" method="post">
  <input type="hidden" name="csrfToken" value="ajax:42">
  <input type="hidden" name="pageInstance" value="urn:li:page:checkpoint">
  <input type="text" name="pin">
</form></body></html>`

type fakeLinkedIn struct {
	t         *testing.T
	challenge bool
	pin       string

	conversations map[string][]Conversation
	events        map[string][]event
	cursors       []string
}

func (f *fakeLinkedIn) setSession(w http.ResponseWriter) {
	w.Header().Add("Set-Cookie", `JSESSIONID="ajax:42"; Path=/`)
	http.SetCookie(w, &http.Cookie{Name: "li_at", Value: "AQEDAT"})
}

func (f *fakeLinkedIn) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/login":
		http.SetCookie(w, &http.Cookie{Name: "bcookie", Value: "b1"})
		w.Write([]byte(loginPage))

	case r.URL.Path == "/checkpoint/lg/login-submit":
		require.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "lcp-1", r.PostForm.Get("loginCsrfParam"))
		assert.Equal(f.t, "guest_homepage", r.PostForm.Get("trk"))
		assert.Equal(f.t, "me@example.com", r.PostForm.Get("session_key"))
		assert.Equal(f.t, "hunter2", r.PostForm.Get("session_password"))
		assert.Contains(f.t, r.Header.Get("Cookie"), "bcookie=b1")
		if f.challenge {
			http.Redirect(w, r, "/checkpoint/challenge/AQ123?ut=x", http.StatusSeeOther)
			return
		}
		f.setSession(w)
		http.Redirect(w, r, "/feed", http.StatusSeeOther)

	case r.URL.Path == "/checkpoint/challenge/AQ123":
		w.Write([]byte(challengePage))

	case r.URL.Path == "/checkpoint/challenge/verify":
		require.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "ajax:42", r.PostForm.Get("csrfToken"))
		assert.Equal(f.t, "urn:li:page:checkpoint", r.PostForm.Get("pageInstance"))
		if r.PostForm.Get("pin") != f.pin {
			http.Error(w, "incorrect pin", http.StatusBadRequest)
			return
		}
		f.setSession(w)
		http.Redirect(w, r, "/feed", http.StatusSeeOther)

	case strings.HasPrefix(r.URL.Path, "/voyager/"):
		f.serveAPI(w, r)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeLinkedIn) serveAPI(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "ajax:42", r.Header.Get("csrf-token"))
	assert.Contains(f.t, r.Header.Get("Cookie"), "li_at=AQEDAT")

	switch {
	case r.URL.Path == "/voyager/api/me":
		w.Write([]byte(`{"miniProfile":{"publicIdentifier":"me-123","firstName":"Me"}}`))
	case r.URL.Path == "/voyager/api/messaging/conversations":
		before := r.URL.Query().Get("createdBefore")
		f.cursors = append(f.cursors, before)
		json.NewEncoder(w).Encode(map[string]interface{}{"elements": f.conversations[before]})
	case strings.HasSuffix(r.URL.Path, "/events"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/voyager/api/messaging/conversations/"), "/events")
		json.NewEncoder(w).Encode(map[string]interface{}{"elements": f.events[id]})
	default:
		http.NotFound(w, r)
	}
}

func newFake(t *testing.T, f *fakeLinkedIn) *httptest.Server {
	f.t = t
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)
	return server
}

func TestSession_DirectLogin(t *testing.T) {
	server := newFake(t, &fakeLinkedIn{})

	s := NewSession(server.Client(), server.URL, "me@example.com", "hunter2")
	ch, err := s.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ch)
	assert.Equal(t, auth.StateAuthenticated, s.State())
	assert.Equal(t, "ajax:42", s.Credential().CSRFToken)
	assert.Contains(t, s.Credential().Cookies, "li_at=AQEDAT")
}

func TestSession_PinChallenge(t *testing.T) {
	server := newFake(t, &fakeLinkedIn{challenge: true, pin: "424242"})

	s := NewSession(server.Client(), server.URL, "me@example.com", "hunter2")
	ch, err := s.Authenticate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, auth.StateChallengePending, s.State())
	assert.Equal(t, server.URL+"/checkpoint/challenge/verify", ch.Action)
	assert.Equal(t, "ajax:42", ch.Fields.Get("csrfToken"))

	require.NoError(t, s.SubmitChallenge(context.Background(), "424242"))
	assert.Equal(t, auth.StateAuthenticated, s.State())
	assert.Equal(t, "ajax:42", s.Credential().CSRFToken)
	assert.Contains(t, s.Credential().Cookies, "bcookie=b1")
}

func TestSession_WrongPin(t *testing.T) {
	server := newFake(t, &fakeLinkedIn{challenge: true, pin: "424242"})

	s := NewSession(server.Client(), server.URL, "me@example.com", "hunter2")
	_, err := s.Authenticate(context.Background())
	require.NoError(t, err)

	err = s.SubmitChallenge(context.Background(), "111111")
	assert.ErrorIs(t, err, auth.ErrRejected)
	assert.Equal(t, auth.StateUnauthenticated, s.State())
	assert.ErrorIs(t, s.SubmitChallenge(context.Background(), "424242"), auth.ErrNoChallengePending)
}

func TestSession_MissingLoginCSRF(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<form><input type="hidden" name="other" value="x"></form>`))
	}))
	defer server.Close()

	s := NewSession(server.Client(), server.URL, "me@example.com", "hunter2")
	_, err := s.Authenticate(context.Background())
	assert.ErrorIs(t, err, auth.ErrMalformedResponse)
}

func TestSession_LoginWithoutSessionCookie(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			w.Write([]byte(loginPage))
			return
		}
		// Bad credentials re-render the login page.
		w.Write([]byte(loginPage))
	}))
	defer server.Close()

	s := NewSession(server.Client(), server.URL, "me@example.com", "wrong")
	_, err := s.Authenticate(context.Background())
	assert.ErrorIs(t, err, auth.ErrMalformedResponse)
	assert.Equal(t, auth.StateUnauthenticated, s.State())
}

func ms(age time.Duration) int64 { return now.Add(-age).UnixMilli() }

func conv(id string, age time.Duration) Conversation {
	return Conversation{EntityURN: "urn:li:fs_conversation:" + id, LastActivityAt: ms(age)}
}

func ev(id, from string, age time.Duration, subject, text string) event {
	var e event
	e.EntityURN = "urn:li:fs_event:(2-conv," + id + ")"
	e.CreatedAt = ms(age)
	e.From.Member.MiniProfile = miniProfile{FirstName: "Rita", LastName: "Recruiter", Occupation: "Talent Partner", PublicIdentifier: from}
	e.EventContent.Message.Subject = subject
	e.EventContent.Message.AttributedBody.Text = text
	return e
}

func TestInbox_NewestInboundEventPerConversation(t *testing.T) {
	fake := &fakeLinkedIn{
		conversations: map[string][]Conversation{
			"": {conv("2-a", time.Hour), conv("2-b", 2*time.Hour), conv("2-c", 3*time.Hour)},
			strconv.FormatInt(ms(3*time.Hour), 10): {conv("2-d", 5*time.Hour), conv("2-e", 50*time.Hour)},
		},
		events: map[string][]event{
			"2-a": {
				ev("5-a1", "rita", 4*time.Hour, "Staff role", "Hi there"),
				ev("5-a2", "rita", time.Hour, "", "Following up"),
			},
			"2-b": {ev("5-b1", "me-123", 2*time.Hour, "", "Not interested")},
			"2-c": {
				ev("5-c1", "rita", 60*time.Hour, "Old", "Old note"),
				ev("5-c2", "me-123", 3*time.Hour, "", "Thanks"),
			},
			"2-d": {ev("5-d1", "rita", 5*time.Hour, "Platform team", "Open to chat?")},
		},
	}
	server := newFake(t, fake)

	session := NewSession(server.Client(), server.URL, "me@example.com", "hunter2")
	_, err := session.Authenticate(context.Background())
	require.NoError(t, err)

	sink := &synctest.MemorySink{}
	inbox := NewInbox(session, server.Client(), server.URL)
	engine := activitysync.NewEngine[Conversation](inbox, inbox, sink,
		activitysync.Options{Provider: Provider, RecordType: api.RecordTypeRecruitmentMessage})
	out := engine.Run(context.Background(), "run-1", activitysync.NewWindow(now, 48*time.Hour))

	require.True(t, out.Successful, out.ErrorMessage)
	assert.Equal(t, []string{"", strconv.FormatInt(ms(3*time.Hour), 10)}, fake.cursors)

	records := sink.Records()
	require.Len(t, records, 2)

	first := records[0].(api.RecruitmentMessage)
	assert.Equal(t, "5-a2", first.RecruitmentMessageID)
	assert.Equal(t, "2-a", first.ConversationID)
	assert.Equal(t, "Rita Recruiter", first.SenderName)
	assert.Equal(t, "Talent Partner", first.SenderHeadline)
	assert.Equal(t, "Following up", first.Body)
	assert.Equal(t, now.Add(-time.Hour).Truncate(time.Millisecond), first.OccurredDate)

	assert.Equal(t, "5-d1", records[1].RecordID())
}

func TestURNID(t *testing.T) {
	assert.Equal(t, "2-abc", urnID("urn:li:fs_conversation:2-abc"))
	assert.Equal(t, "5-xyz", urnID("urn:li:fs_event:(2-abc,5-xyz)"))
	assert.Equal(t, "plain", urnID("plain"))
}
