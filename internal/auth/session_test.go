package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_ChallengeLifecycle(t *testing.T) {
	m := NewMachine("test")
	assert.Equal(t, StateUnauthenticated, m.State())

	_, err := m.TakeChallenge()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoChallengePending))

	ch := m.Pending(&Challenge{Hint: "email"})
	assert.Equal(t, StateChallengePending, m.State())

	taken, err := m.TakeChallenge()
	require.NoError(t, err)
	assert.Same(t, ch, taken)
	assert.Equal(t, StateUnauthenticated, m.State())

	// A challenge can only be submitted once.
	_, err = m.TakeChallenge()
	assert.True(t, errors.Is(err, ErrNoChallengePending))

	m.Authenticated(Credential{BearerToken: "tok"})
	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, "tok", m.Credential().BearerToken)

	m.Reset()
	assert.Equal(t, StateUnauthenticated, m.State())
	assert.True(t, m.Credential().IsZero())
}

func TestStaticSession_Assigns(t *testing.T) {
	s := NewStaticSession("groupme", Credential{BearerToken: "abc"}, nil)

	ch, err := s.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ch)
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "abc", s.Credential().BearerToken)
}

func TestStaticSession_MissingSecretIsMalformed(t *testing.T) {
	s := NewStaticSession("groupme", Credential{}, nil)

	_, err := s.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedResponse))
	assert.Equal(t, StateUnauthenticated, s.State())
}

func TestStaticSession_PrimeFailureAborts(t *testing.T) {
	boom := errors.New("refresh failed")
	s := NewStaticSession("lyft", Credential{Cookies: "a=1"}, func(ctx context.Context, cred Credential) (Credential, error) {
		return Credential{}, boom
	})

	_, err := s.Authenticate(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateUnauthenticated, s.State())
}

func TestStaticSession_SubmitChallengeWithoutChallenge(t *testing.T) {
	s := NewStaticSession("groupme", Credential{BearerToken: "abc"}, nil)
	_, err := s.Authenticate(context.Background())
	require.NoError(t, err)

	err = s.SubmitChallenge(context.Background(), "123456")
	assert.ErrorIs(t, err, ErrNoChallengePending)
}

func TestCookieJar_MergeByName(t *testing.T) {
	jar := ParseCookieHeader("sid=old; theme=dark; csrf=one")

	rec := httptest.NewRecorder()
	http.SetCookie(rec, &http.Cookie{Name: "sid", Value: "new"})
	http.SetCookie(rec, &http.Cookie{Name: "extra", Value: "x"})
	http.SetCookie(rec, &http.Cookie{Name: "csrf", Value: "", MaxAge: -1})

	merged := jar.Merge(rec.Result())
	assert.Equal(t, 2, merged)
	assert.Equal(t, "sid=new; theme=dark; extra=x", jar.Header())

	v, ok := jar.Get("theme")
	assert.True(t, ok)
	assert.Equal(t, "dark", v)
	_, ok = jar.Get("csrf")
	assert.False(t, ok)
}

func TestParseForm(t *testing.T) {
	page := []byte(`<html><body>
		<form id="other"><input type="hidden" name="nope" value="1"></form>
		<form id="challenge" action="/checkpoint/verify" method="post">
			<input type="hidden" name="csrfToken" value="ajax:123">
			<input type="hidden" name="pageInstance" value="p1">
			<input type="text" name="pin" value="">
		</form></body></html>`)

	form, ok := ParseForm(page, "challenge")
	require.True(t, ok)
	assert.Equal(t, "/checkpoint/verify", form.Action)
	assert.Equal(t, "ajax:123", form.Fields.Get("csrfToken"))
	assert.Equal(t, "p1", form.Fields.Get("pageInstance"))
	assert.Empty(t, form.Fields.Get("pin"))
	assert.Empty(t, form.Fields.Get("nope"))

	_, ok = ParseForm(page, "missing")
	assert.False(t, ok)

	all := HiddenInputs(page)
	assert.Equal(t, "1", all.Get("nope"))
}

func TestFindCSRF(t *testing.T) {
	body := []byte(`<script>window.csrf = 'abc-123';</script>`)
	patterns := []*regexp.Regexp{
		regexp.MustCompile(`"csrf_token":"([^"]+)"`),
		regexp.MustCompile(`window\.csrf\s*=\s*'([^']+)'`),
	}

	token, ok := FindCSRF(body, patterns...)
	assert.True(t, ok)
	assert.Equal(t, "abc-123", token)

	_, ok = FindCSRF([]byte("nothing here"), patterns...)
	assert.False(t, ok)
}

func TestStep_PreservesBodyOnRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a=1", r.Header.Get("Cookie"))
		http.SetCookie(w, &http.Cookie{Name: "b", Value: "2"})
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad password"}`))
	}))
	defer server.Close()

	jar := ParseCookieHeader("a=1")
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, body, err := Step(context.Background(), server.Client(), jar, "uber", "password", req)

	require.Error(t, err)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Contains(t, authErr.Body, "bad password")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, string(body), "bad password")

	// Cookies from a rejected step are still merged.
	assert.Equal(t, "a=1; b=2", jar.Header())
}

func TestNoRedirectClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer server.Close()

	client := NoRedirectClient(server.Client())
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, _, err := Step(context.Background(), client, nil, "x", "y", req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}
