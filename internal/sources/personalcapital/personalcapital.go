// Package personalcapital syncs posted account transactions. Logging in
// from an unrecognised device triggers an emailed verification code.
package personalcapital

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"activity-sync/internal/api"
	"activity-sync/internal/auth"
	activitysync "activity-sync/internal/sync"
)

const (
	Provider      = "personal_capital"
	authenticated = "SESSION_AUTHENTICATED"
	dateLayout    = "2006-01-02"
)

var csrfPattern = regexp.MustCompile(`window\.csrf\s*=\s*['"]([^'"]+)['"]`)

type spHeader struct {
	CSRF      string `json:"csrf"`
	AuthLevel string `json:"authLevel"`
	Success   bool   `json:"success"`
}

type envelope struct {
	SPHeader spHeader        `json:"spHeader"`
	SPData   json.RawMessage `json:"spData"`
}

type Session struct {
	auth.Machine
	client   *http.Client
	baseURL  string
	username string
	password string
	jar      *auth.CookieJar
	csrf     string
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
	s.csrf = ""

	req, err := http.NewRequest(http.MethodGet, s.baseURL+"/", nil)
	if err != nil {
		return nil, err
	}
	_, body, err := auth.Step(ctx, s.client, s.jar, Provider, "load home page", req)
	if err != nil {
		return nil, err
	}
	csrf, ok := auth.FindCSRF(body, csrfPattern)
	if !ok {
		return nil, auth.Malformed(Provider, "load home page", "window.csrf", body)
	}
	s.csrf = csrf

	if _, err := s.call(ctx, "identify user", "/api/login/identifyUser", url.Values{
		"username":        {s.username},
		"bindDevice":      {"false"},
		"skipLinkAccount": {"false"},
	}); err != nil {
		return nil, err
	}

	header, err := s.authenticatePassword(ctx)
	if err != nil {
		return nil, err
	}
	if header.AuthLevel == authenticated {
		s.finish()
		return nil, nil
	}

	fields := url.Values{
		"challengeReason": {"DEVICE_AUTH"},
		"challengeMethod": {"OP"},
		"bindDevice":      {"false"},
	}
	if _, err := s.call(ctx, "request email challenge", "/api/credential/challengeEmail", fields); err != nil {
		return nil, err
	}

	log.Info().Str("provider", Provider).Str("auth_level", header.AuthLevel).Msg("Device not recognised, verification code emailed")
	return s.Pending(&auth.Challenge{
		Action: "/api/credential/authenticateEmailByCode",
		Fields: fields,
		Hint:   "email",
	}), nil
}

// SubmitChallenge sends the emailed code and then repeats the password
// step, which succeeds once the device is bound.
func (s *Session) SubmitChallenge(ctx context.Context, code string) error {
	ch, err := s.TakeChallenge()
	if err != nil {
		return err
	}

	fields := url.Values{}
	for k, v := range ch.Fields {
		fields[k] = append([]string(nil), v...)
	}
	fields.Set("code", code)
	if _, err := s.call(ctx, "submit challenge", ch.Action, fields); err != nil {
		return err
	}

	header, err := s.authenticatePassword(ctx)
	if err != nil {
		return err
	}
	if header.AuthLevel != authenticated {
		return &auth.AuthError{
			Provider: Provider,
			Step:     "authenticate password",
			Err:      fmt.Errorf("%w: auth level %s after challenge", auth.ErrRejected, header.AuthLevel),
		}
	}
	s.finish()
	return nil
}

func (s *Session) authenticatePassword(ctx context.Context) (spHeader, error) {
	env, err := s.call(ctx, "authenticate password", "/api/credential/authenticatePassword", url.Values{
		"bindDevice": {"true"},
		"deviceName": {"activity-sync"},
		"passwd":     {s.password},
	})
	return env.SPHeader, err
}

func (s *Session) finish() {
	s.Authenticated(auth.Credential{Cookies: s.jar.Header(), CSRFToken: s.csrf})
}

// call posts a form with the current csrf token and rotates the token from
// the response's spHeader.
func (s *Session) call(ctx context.Context, step, path string, form url.Values) (envelope, error) {
	return post(ctx, s.client, s.jar, s.baseURL, step, path, s.csrf, form, func(csrf string) { s.csrf = csrf })
}

func post(ctx context.Context, client *http.Client, jar *auth.CookieJar, baseURL, step, path, csrf string, form url.Values, rotate func(string)) (envelope, error) {
	body := url.Values{}
	for k, v := range form {
		body[k] = v
	}
	body.Set("csrf", csrf)
	body.Set("apiClient", "WEB")

	req, err := auth.FormRequest(baseURL+path, body)
	if err != nil {
		return envelope{}, err
	}
	resp, raw, err := auth.Step(ctx, client, jar, Provider, step, req)
	if err != nil {
		return envelope{}, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, auth.Malformed(Provider, step, "spHeader", raw)
	}
	if !env.SPHeader.Success {
		return env, auth.Rejected(Provider, step, resp.StatusCode, raw)
	}
	if env.SPHeader.CSRF != "" && rotate != nil {
		rotate(env.SPHeader.CSRF)
	}
	return env, nil
}

type Transaction struct {
	UserTransactionID int64   `json:"userTransactionId"`
	TransactionDate   string  `json:"transactionDate"`
	Amount            float64 `json:"amount"`
	IsSpending        bool    `json:"isSpending"`
	Description       string  `json:"description"`
	Merchant          string  `json:"merchant"`
	CategoryName      string  `json:"categoryName"`
	AccountName       string  `json:"accountName"`
	Status            string  `json:"status"`
	IsDuplicate       bool    `json:"isDuplicate"`
}

// TransactionSource queries the run's whole window in one request, so it
// never produces a cursor. The date range comes from ForWindow.
type TransactionSource struct {
	session auth.Session
	client  *http.Client
	baseURL string
	window  activitysync.Window
}

func NewTransactionSource(session auth.Session, client *http.Client, baseURL string) *TransactionSource {
	return &TransactionSource{session: session, client: client, baseURL: baseURL}
}

// ForWindow binds the request range to the run's window.
func (s *TransactionSource) ForWindow(window activitysync.Window) activitysync.PagedSource[Transaction] {
	bound := *s
	bound.window = window
	return &bound
}

func (s *TransactionSource) FetchPage(ctx context.Context, cursor activitysync.Cursor) (activitysync.Page[Transaction], error) {
	if cursor != nil {
		return activitysync.Page[Transaction]{}, fmt.Errorf("unexpected cursor %s", activitysync.CursorKey(cursor))
	}
	if s.window.Now.IsZero() {
		return activitysync.Page[Transaction]{}, fmt.Errorf("transaction source has no window")
	}

	cred := s.session.Credential()
	jar := auth.ParseCookieHeader(cred.Cookies)
	env, err := post(ctx, s.client, jar, s.baseURL, "get transactions", "/api/transaction/getUserTransactions", cred.CSRFToken, url.Values{
		"startDate": {s.window.Cutoff().UTC().Format(dateLayout)},
		"endDate":   {s.window.Now.UTC().Format(dateLayout)},
	}, nil)
	if err != nil {
		return activitysync.Page[Transaction]{}, err
	}

	var data struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(env.SPData, &data); err != nil {
		return activitysync.Page[Transaction]{}, fmt.Errorf("decode transactions: %w", err)
	}
	return activitysync.Page[Transaction]{Items: data.Transactions}, nil
}

// Process compares whole dates: a transaction dated on the cutoff day is
// in the window.
func Process(ctx context.Context, t Transaction, window activitysync.Window) (activitysync.Result, error) {
	day, err := time.Parse(dateLayout, t.TransactionDate)
	if err != nil {
		return activitysync.Skip(), fmt.Errorf("transaction %d: bad date %q", t.UserTransactionID, t.TransactionDate)
	}
	if window.WholeDays().VerdictFor(day) == activitysync.OutOfWindow {
		return activitysync.Stale(), nil
	}
	if t.Status == "pending" || t.IsDuplicate {
		return activitysync.Skip(), nil
	}

	amount := t.Amount
	if t.IsSpending {
		amount = -amount
	}
	return activitysync.Mapped(api.Transaction{
		TransactionID: strconv.FormatInt(t.UserTransactionID, 10),
		OccurredDate:  day,
		AccountName:   t.AccountName,
		Description:   t.Description,
		Merchant:      t.Merchant,
		Category:      t.CategoryName,
		Amount:        amount,
	}), nil
}

func NewProvider(session *Session, solver auth.ChallengeSolver, client *http.Client, baseURL string, job activitysync.JobConfig) activitysync.Provider {
	job.Provider, job.RecordType = Provider, api.RecordTypeTransaction
	job.WholeDays = true
	return activitysync.Provider{
		Session: session,
		Solver:  solver,
		Jobs: []activitysync.Job{
			activitysync.NewJob[Transaction](
				NewTransactionSource(session, client, baseURL),
				activitysync.ProcessorFunc[Transaction](Process),
				job,
			),
		},
	}
}
