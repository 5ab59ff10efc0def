// Package linkedin syncs inbound recruiter messages. Logins from a new
// location land on a PIN checkpoint; the PIN is emailed and read back by the
// gmail code reader.
package linkedin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
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
	Provider        = "linkedin"
	sessionCookie   = "li_at"
	csrfCookie      = "JSESSIONID"
	challengePrefix = "/checkpoint/challenge/"
)

type Session struct {
	auth.Machine
	client   *http.Client
	baseURL  string
	username string
	password string
	jar      *auth.CookieJar
}

func NewSession(client *http.Client, baseURL, username, password string) *Session {
	return &Session{
		Machine:  auth.NewMachine(Provider),
		client:   auth.NoRedirectClient(client),
		baseURL:  baseURL,
		username: username,
		password: password,
	}
}

func (s *Session) Authenticate(ctx context.Context) (*auth.Challenge, error) {
	s.Reset()
	s.jar = auth.NewCookieJar()

	req, err := http.NewRequest(http.MethodGet, s.baseURL+"/login", nil)
	if err != nil {
		return nil, err
	}
	_, body, err := auth.Step(ctx, s.client, s.jar, Provider, "load login page", req)
	if err != nil {
		return nil, err
	}
	fields := auth.HiddenInputs(body)
	if fields.Get("loginCsrfParam") == "" {
		return nil, auth.Malformed(Provider, "load login page", "loginCsrfParam", body)
	}
	fields.Set("session_key", s.username)
	fields.Set("session_password", s.password)

	req, err = auth.FormRequest(s.baseURL+"/checkpoint/lg/login-submit", fields)
	if err != nil {
		return nil, err
	}
	resp, body, err := auth.Step(ctx, s.client, s.jar, Provider, "submit login", req)
	if err != nil {
		return nil, err
	}

	location := resp.Header.Get("Location")
	if !strings.Contains(location, challengePrefix) {
		return nil, s.finish("submit login", body)
	}

	target, err := s.resolve(location)
	if err != nil {
		return nil, err
	}
	req, err = http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	_, body, err = auth.Step(ctx, s.client, s.jar, Provider, "load challenge", req)
	if err != nil {
		return nil, err
	}
	form, ok := auth.ParseForm(body, "")
	if !ok || len(form.Fields) == 0 {
		return nil, auth.Malformed(Provider, "load challenge", "challenge form", body)
	}
	action := form.Action
	if action == "" {
		action = target
	}
	if action, err = s.resolve(action); err != nil {
		return nil, err
	}

	log.Info().Str("provider", Provider).Str("challenge", location).Msg("Login checkpoint, PIN emailed")
	return s.Pending(&auth.Challenge{Action: action, Fields: form.Fields, Hint: "email"}), nil
}

func (s *Session) SubmitChallenge(ctx context.Context, code string) error {
	ch, err := s.TakeChallenge()
	if err != nil {
		return err
	}

	fields := url.Values{}
	for k, v := range ch.Fields {
		fields[k] = append([]string(nil), v...)
	}
	fields.Set("pin", code)

	req, err := auth.FormRequest(ch.Action, fields)
	if err != nil {
		return err
	}
	_, body, err := auth.Step(ctx, s.client, s.jar, Provider, "submit pin", req)
	if err != nil {
		return err
	}
	return s.finish("submit pin", body)
}

// finish requires the session cookie and derives the csrf token, which the
// API expects to equal the JSESSIONID cookie without its quotes.
func (s *Session) finish(step string, body []byte) error {
	if _, ok := s.jar.Get(sessionCookie); !ok {
		return auth.Malformed(Provider, step, sessionCookie+" cookie", body)
	}
	jsession, _ := s.jar.Get(csrfCookie)
	csrf := strings.Trim(jsession, `"`)
	if csrf == "" {
		return auth.Malformed(Provider, step, csrfCookie+" cookie", body)
	}
	s.Authenticated(auth.Credential{Cookies: s.jar.Header(), CSRFToken: csrf})
	return nil
}

func (s *Session) resolve(ref string) (string, error) {
	base, err := url.Parse(s.baseURL + "/")
	if err != nil {
		return "", err
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("challenge location %q: %w", ref, err)
	}
	return u.String(), nil
}

type Conversation struct {
	EntityURN      string `json:"entityUrn"`
	LastActivityAt int64  `json:"lastActivityAt"`
}

func (c Conversation) ID() string { return urnID(c.EntityURN) }

type miniProfile struct {
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Occupation       string `json:"occupation"`
	PublicIdentifier string `json:"publicIdentifier"`
}

func (p miniProfile) name() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type event struct {
	EntityURN string `json:"entityUrn"`
	CreatedAt int64  `json:"createdAt"`
	From      struct {
		Member struct {
			MiniProfile miniProfile `json:"miniProfile"`
		} `json:"com.linkedin.voyager.messaging.MessagingMember"`
	} `json:"from"`
	EventContent struct {
		Message struct {
			Subject        string `json:"subject"`
			AttributedBody struct {
				Text string `json:"text"`
			} `json:"attributedBody"`
		} `json:"com.linkedin.voyager.messaging.event.MessageEvent"`
	} `json:"eventContent"`
}

// urnID returns the trailing id of an urn. Compound urns such as
// urn:li:fs_event:(2-abc,5-xyz) yield their last component.
func urnID(urn string) string {
	id := urn[strings.LastIndex(urn, ":")+1:]
	id = strings.Trim(id, "()")
	if i := strings.LastIndex(id, ","); i >= 0 {
		id = id[i+1:]
	}
	return id
}

// Inbox walks conversations newest first. The next page is requested with
// the oldest lastActivityAt seen, so the page cursor and the per-conversation
// window check use the same timestamp.
type Inbox struct {
	session auth.Session
	client  *http.Client
	baseURL string
	self    string
}

func NewInbox(session auth.Session, client *http.Client, baseURL string) *Inbox {
	return &Inbox{session: session, client: client, baseURL: baseURL}
}

func (in *Inbox) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	target := in.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	cred := in.session.Credential()
	req.Header.Set("Cookie", cred.Cookies)
	req.Header.Set("csrf-token", cred.CSRFToken)
	req.Header.Set("x-restli-protocol-version", "2.0.0")
	return sources.DoJSON(ctx, in.client, req, out)
}

func (in *Inbox) FetchPage(ctx context.Context, cursor activitysync.Cursor) (activitysync.Page[Conversation], error) {
	q := url.Values{"keyVersion": {"LEGACY_INBOX"}}
	switch c := cursor.(type) {
	case nil:
		// Resolved before any item is processed; processors only read it.
		if err := in.loadSelf(ctx); err != nil {
			return activitysync.Page[Conversation]{}, err
		}
	case activitysync.BeforeIDCursor:
		q.Set("createdBefore", string(c))
	default:
		return activitysync.Page[Conversation]{}, fmt.Errorf("unexpected cursor %s", activitysync.CursorKey(cursor))
	}

	var resp struct {
		Elements []Conversation `json:"elements"`
	}
	if err := in.get(ctx, "/voyager/api/messaging/conversations", q, &resp); err != nil {
		return activitysync.Page[Conversation]{}, err
	}

	page := activitysync.Page[Conversation]{Items: resp.Elements}
	if n := len(resp.Elements); n > 0 {
		page.Next = activitysync.BeforeIDCursor(strconv.FormatInt(resp.Elements[n-1].LastActivityAt, 10))
	}
	return page, nil
}

func (in *Inbox) loadSelf(ctx context.Context) error {
	var me struct {
		MiniProfile miniProfile `json:"miniProfile"`
	}
	if err := in.get(ctx, "/voyager/api/me", nil, &me); err != nil {
		return fmt.Errorf("load own profile: %w", err)
	}
	if me.MiniProfile.PublicIdentifier == "" {
		return fmt.Errorf("load own profile: missing publicIdentifier")
	}
	in.self = me.MiniProfile.PublicIdentifier
	return nil
}

// Process maps the newest inbound event of a conversation. Conversations
// whose recent activity is all our own replies are skipped.
func (in *Inbox) Process(ctx context.Context, c Conversation, window activitysync.Window) (activitysync.Result, error) {
	if window.VerdictFor(time.UnixMilli(c.LastActivityAt)) == activitysync.OutOfWindow {
		return activitysync.Stale(), nil
	}

	var resp struct {
		Elements []event `json:"elements"`
	}
	path := "/voyager/api/messaging/conversations/" + url.PathEscape(c.ID()) + "/events"
	if err := in.get(ctx, path, nil, &resp); err != nil {
		return activitysync.Skip(), fmt.Errorf("conversation %s: %w", c.ID(), err)
	}

	var newest *event
	for i := range resp.Elements {
		e := &resp.Elements[i]
		if e.From.Member.MiniProfile.PublicIdentifier == in.self {
			continue
		}
		if newest == nil || e.CreatedAt > newest.CreatedAt {
			newest = e
		}
	}
	if newest == nil {
		return activitysync.Skip(), nil
	}
	at := time.UnixMilli(newest.CreatedAt).UTC()
	// An old inbound message under a recent reply is not new activity.
	if !window.Contains(at) {
		return activitysync.Skip(), nil
	}

	sender := newest.From.Member.MiniProfile
	msg := newest.EventContent.Message
	return activitysync.Mapped(api.RecruitmentMessage{
		RecruitmentMessageID: urnID(newest.EntityURN),
		OccurredDate:         at,
		ConversationID:       c.ID(),
		SenderName:           sender.name(),
		SenderHeadline:       sender.Occupation,
		Subject:              msg.Subject,
		Body:                 msg.AttributedBody.Text,
	}), nil
}

func NewProvider(session *Session, solver auth.ChallengeSolver, client *http.Client, baseURL string, job activitysync.JobConfig) activitysync.Provider {
	job.Provider, job.RecordType = Provider, api.RecordTypeRecruitmentMessage
	inbox := NewInbox(session, client, baseURL)
	return activitysync.Provider{
		Session: session,
		Solver:  solver,
		Jobs:    []activitysync.Job{activitysync.NewJob[Conversation](inbox, inbox, job)},
	}
}
