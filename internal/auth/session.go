// Package auth holds the provider session state machine shared by every
// provider adapter:
//
//	Unauthenticated -> Authenticated
//	Unauthenticated -> ChallengePending -> Authenticated
//
// Sessions are mutated only by their own Authenticate and SubmitChallenge
// calls, which complete before any page is fetched. Afterwards the
// credential is read concurrently and never written, so no locking is done.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

type State int

const (
	StateUnauthenticated State = iota
	StateChallengePending
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateChallengePending:
		return "challenge_pending"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Credential is whatever provider calls need after the handshake.
type Credential struct {
	BearerToken string
	Cookies     string
	CSRFToken   string
}

func (c Credential) IsZero() bool {
	return c.BearerToken == "" && c.Cookies == "" && c.CSRFToken == ""
}

// Challenge carries the form state needed to submit an out-of-band code.
type Challenge struct {
	Action string
	Fields url.Values
	// Hint describes where the code was sent, e.g. an email sender.
	Hint string
}

// Session produces a usable credential for one provider. Authenticate
// returns a non-nil Challenge when the provider wants an out-of-band code;
// the caller then obtains the code and calls SubmitChallenge.
type Session interface {
	Provider() string
	Authenticate(ctx context.Context) (*Challenge, error)
	SubmitChallenge(ctx context.Context, code string) error
	State() State
	Credential() Credential
}

// ChallengeSolver obtains the code for a pending challenge, typically by
// reading it from another provider's mailbox.
type ChallengeSolver interface {
	Solve(ctx context.Context, provider string, ch *Challenge) (string, error)
}

type SolverFunc func(ctx context.Context, provider string, ch *Challenge) (string, error)

func (f SolverFunc) Solve(ctx context.Context, provider string, ch *Challenge) (string, error) {
	return f(ctx, provider, ch)
}

var (
	ErrMalformedResponse  = errors.New("malformed response")
	ErrNoChallengePending = errors.New("no challenge pending")
	ErrRejected           = errors.New("rejected by provider")
)

const maxErrorBody = 512

// AuthError is a failed handshake step. Body holds the (truncated) response
// for diagnostics.
type AuthError struct {
	Provider   string
	Step       string
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("auth %s: %s: %v", e.Provider, e.Step, e.Err)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// Malformed reports that a response lacked data the next step needs.
func Malformed(provider, step, missing string, body []byte) *AuthError {
	return &AuthError{
		Provider: provider,
		Step:     step,
		Body:     truncate(body),
		Err:      fmt.Errorf("%w: missing %s", ErrMalformedResponse, missing),
	}
}

// Rejected reports that the provider refused a step.
func Rejected(provider, step string, status int, body []byte) *AuthError {
	return &AuthError{
		Provider:   provider,
		Step:       step,
		StatusCode: status,
		Body:       truncate(body),
		Err:        ErrRejected,
	}
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

// Machine tracks session state and enforces legal transitions. Provider
// sessions embed it.
type Machine struct {
	provider  string
	state     State
	cred      Credential
	challenge *Challenge
}

func NewMachine(provider string) Machine {
	return Machine{provider: provider}
}

func (m *Machine) Provider() string       { return m.provider }
func (m *Machine) State() State           { return m.state }
func (m *Machine) Credential() Credential { return m.cred }

// Reset starts a new handshake from scratch.
func (m *Machine) Reset() {
	m.state = StateUnauthenticated
	m.cred = Credential{}
	m.challenge = nil
}

func (m *Machine) Authenticated(cred Credential) {
	m.state = StateAuthenticated
	m.cred = cred
	m.challenge = nil
}

// Pending records ch and returns it for the Authenticate caller.
func (m *Machine) Pending(ch *Challenge) *Challenge {
	m.state = StateChallengePending
	m.challenge = ch
	return ch
}

// TakeChallenge consumes the pending challenge. The session drops back to
// Unauthenticated until the submission succeeds, so a challenge can be
// submitted at most once.
func (m *Machine) TakeChallenge() (*Challenge, error) {
	if m.state != StateChallengePending || m.challenge == nil {
		return nil, &AuthError{Provider: m.provider, Step: "submit challenge", Err: ErrNoChallengePending}
	}
	ch := m.challenge
	m.state = StateUnauthenticated
	m.challenge = nil
	return ch, nil
}
