// Package uber syncs completed trips from the riders web app. The session
// is established by replaying the web login: harvest a CSRF token, identify,
// then submit the password.
package uber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"activity-sync/internal/api"
	"activity-sync/internal/auth"
	"activity-sync/internal/sources"
	activitysync "activity-sync/internal/sync"
)

const (
	Provider      = "uber"
	sessionCookie = "sid"
	tripsPerPage  = 25
)

var csrfPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"csrf_token"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`name="csrf_token"\s+(?:content|value)="([^"]+)"`),
}

type Session struct {
	auth.Machine
	client   *http.Client
	baseURL  string
	email    string
	password string
}

func NewSession(client *http.Client, baseURL, email, password string) *Session {
	return &Session{
		Machine:  auth.NewMachine(Provider),
		client:   auth.NoRedirectClient(client),
		baseURL:  baseURL,
		email:    email,
		password: password,
	}
}

func (s *Session) Authenticate(ctx context.Context) (*auth.Challenge, error) {
	s.Reset()
	jar := auth.NewCookieJar()

	req, err := http.NewRequest(http.MethodGet, s.baseURL+"/login", nil)
	if err != nil {
		return nil, err
	}
	_, body, err := auth.Step(ctx, s.client, jar, Provider, "load login page", req)
	if err != nil {
		return nil, err
	}
	csrf, ok := auth.FindCSRF(body, csrfPatterns...)
	if !ok {
		return nil, auth.Malformed(Provider, "load login page", "csrf_token", body)
	}

	resp, body, err := s.post(ctx, jar, csrf, "identify", "/api/login/identify", map[string]string{"email": s.email})
	if err != nil {
		return nil, err
	}
	if rotated := rotatedToken(resp, body); rotated != "" {
		csrf = rotated
	}

	_, body, err = s.post(ctx, jar, csrf, "password", "/api/login/password", map[string]string{"password": s.password})
	if err != nil {
		return nil, err
	}
	if _, ok := jar.Get(sessionCookie); !ok {
		return nil, auth.Malformed(Provider, "password", sessionCookie+" cookie", body)
	}

	log.Debug().Str("provider", Provider).Int("cookies", jar.Len()).Msg("Logged in")
	s.Authenticated(auth.Credential{Cookies: jar.Header(), CSRFToken: csrf})
	return nil, nil
}

func (s *Session) SubmitChallenge(ctx context.Context, code string) error {
	_, err := s.TakeChallenge()
	return err
}

func (s *Session) post(ctx context.Context, jar *auth.CookieJar, csrf, step, path string, payload interface{}) (*http.Response, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-csrf-token", csrf)
	return auth.Step(ctx, s.client, jar, Provider, step, req)
}

// rotatedToken prefers the response header and falls back to the body. It
// is empty when the token was not rotated.
func rotatedToken(resp *http.Response, body []byte) string {
	if token := resp.Header.Get("x-csrf-token"); token != "" {
		return token
	}
	var payload struct {
		CSRFToken string `json:"csrfToken"`
	}
	if json.Unmarshal(body, &payload) == nil {
		return payload.CSRFToken
	}
	return ""
}

type Trip struct {
	UUID        string    `json:"uuid"`
	Status      string    `json:"status"`
	RequestTime time.Time `json:"requestTime"`
}

type tripsResponse struct {
	Data struct {
		Trips         []Trip `json:"trips"`
		NextPageToken string `json:"nextPageToken"`
	} `json:"data"`
}

type tripDetail struct {
	UUID            string    `json:"uuid"`
	RequestTime     time.Time `json:"requestTime"`
	PickupAddress   string    `json:"begintripFormattedAddress"`
	DropoffAddress  string    `json:"dropoffFormattedAddress"`
	DistanceMiles   float64   `json:"distance"`
	DurationSeconds int       `json:"duration"`
	Fare            string    `json:"fare"`
	CurrencyCode    string    `json:"currencyCode"`
}

type detailResponse struct {
	Data struct {
		Trip tripDetail `json:"trip"`
	} `json:"data"`
}

// Client calls the authenticated trip endpoints.
type Client struct {
	session auth.Session
	http    *http.Client
	baseURL string
}

func NewClient(session auth.Session, client *http.Client, baseURL string) *Client {
	return &Client{session: session, http: client, baseURL: baseURL}
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	cred := c.session.Credential()
	req.Header.Set("Cookie", cred.Cookies)
	req.Header.Set("x-csrf-token", cred.CSRFToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return sources.DoJSON(ctx, c.http, req, out)
}

func (c *Client) FetchPage(ctx context.Context, cursor activitysync.Cursor) (activitysync.Page[Trip], error) {
	payload := map[string]interface{}{"limit": tripsPerPage}
	switch cur := cursor.(type) {
	case nil:
	case activitysync.TokenCursor:
		payload["nextPageToken"] = string(cur)
	default:
		return activitysync.Page[Trip]{}, fmt.Errorf("unexpected cursor %s", activitysync.CursorKey(cursor))
	}

	var resp tripsResponse
	if err := c.do(ctx, http.MethodPost, "/api/getTripsForClient", payload, &resp); err != nil {
		return activitysync.Page[Trip]{}, err
	}

	page := activitysync.Page[Trip]{Items: resp.Data.Trips}
	if resp.Data.NextPageToken != "" {
		page.Next = activitysync.TokenCursor(resp.Data.NextPageToken)
	}
	return page, nil
}

// Process checks the list entry, then fetches the trip detail for fare and
// addresses.
func (c *Client) Process(ctx context.Context, t Trip, window activitysync.Window) (activitysync.Result, error) {
	if window.VerdictFor(t.RequestTime) == activitysync.OutOfWindow {
		return activitysync.Stale(), nil
	}
	if !strings.EqualFold(t.Status, "COMPLETED") {
		return activitysync.Skip(), nil
	}

	var resp detailResponse
	if err := c.do(ctx, http.MethodGet, "/api/getTrip/"+url.PathEscape(t.UUID), nil, &resp); err != nil {
		return activitysync.Skip(), fmt.Errorf("trip %s: %w", t.UUID, err)
	}
	d := resp.Data.Trip

	return activitysync.Mapped(api.Ride{
		RideID:          t.UUID,
		OccurredDate:    t.RequestTime.UTC(),
		Provider:        Provider,
		PickupAddress:   d.PickupAddress,
		DropoffAddress:  d.DropoffAddress,
		DistanceMiles:   d.DistanceMiles,
		DurationSeconds: d.DurationSeconds,
		Amount:          parseFare(d.Fare),
		Currency:        d.CurrencyCode,
	}), nil
}

// parseFare reads display strings such as "$1,234.50".
func parseFare(fare string) float64 {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, fare)
	v, _ := strconv.ParseFloat(cleaned, 64)
	return v
}

func NewProvider(session *Session, client *http.Client, baseURL string, job activitysync.JobConfig) activitysync.Provider {
	job.Provider, job.RecordType = Provider, api.RecordTypeRide
	trips := NewClient(session, client, baseURL)
	return activitysync.Provider{
		Session: session,
		Jobs:    []activitysync.Job{activitysync.NewJob[Trip](trips, trips, job)},
	}
}
