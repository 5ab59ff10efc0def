package auth

import "context"

// PrimeFunc refreshes server-side session state for a static credential and
// returns the credential to use afterwards.
type PrimeFunc func(ctx context.Context, cred Credential) (Credential, error)

// StaticSession handles providers whose credential is configured directly
// (an access token or a copied session cookie). Authenticate is a plain
// assignment unless a priming request is required.
type StaticSession struct {
	Machine
	secret Credential
	prime  PrimeFunc
}

func NewStaticSession(provider string, secret Credential, prime PrimeFunc) *StaticSession {
	return &StaticSession{
		Machine: NewMachine(provider),
		secret:  secret,
		prime:   prime,
	}
}

func (s *StaticSession) Authenticate(ctx context.Context) (*Challenge, error) {
	s.Reset()
	if s.secret.IsZero() {
		return nil, Malformed(s.Provider(), "load secret", "credential", nil)
	}

	cred := s.secret
	if s.prime != nil {
		primed, err := s.prime(ctx, cred)
		if err != nil {
			return nil, err
		}
		if primed.IsZero() {
			return nil, Malformed(s.Provider(), "prime session", "credential", nil)
		}
		cred = primed
	}

	s.Authenticated(cred)
	return nil, nil
}

// SubmitChallenge always fails: static sessions never issue challenges.
func (s *StaticSession) SubmitChallenge(ctx context.Context, code string) error {
	_, err := s.TakeChallenge()
	return err
}
