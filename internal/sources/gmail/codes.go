package gmail

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"activity-sync/internal/auth"
)

var verificationCode = regexp.MustCompile(`\b(\d{4,8})\b`)

// CodeReader solves emailed login challenges by polling the mailbox for the
// newest matching message that arrived after the challenge was issued.
type CodeReader struct {
	mailbox *Mailbox
	wait    time.Duration
	poll    time.Duration
	now     func() time.Time
}

func NewCodeReader(mailbox *Mailbox, wait time.Duration) *CodeReader {
	return &CodeReader{
		mailbox: mailbox,
		wait:    wait,
		poll:    5 * time.Second,
		now:     time.Now,
	}
}

// Solver returns a ChallengeSolver that searches with query, e.g.
// "from:security-noreply@linkedin.com".
func (r *CodeReader) Solver(query string) auth.ChallengeSolver {
	return auth.SolverFunc(func(ctx context.Context, provider string, ch *auth.Challenge) (string, error) {
		return r.read(ctx, provider, query)
	})
}

func (r *CodeReader) read(ctx context.Context, provider, query string) (string, error) {
	// Allow for clock skew between us and the provider's mail server.
	issued := r.now().Add(-time.Minute)

	ctx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	for {
		code, ok, err := r.find(ctx, query, issued)
		if err != nil {
			return "", err
		}
		if ok {
			log.Info().Str("provider", provider).Msg("Found verification code")
			return code, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no %s verification code within %s: %w", provider, r.wait, ctx.Err())
		case <-time.After(r.poll):
		}
	}
}

func (r *CodeReader) find(ctx context.Context, query string, issued time.Time) (string, bool, error) {
	resp, err := r.mailbox.List(ctx, query+" newer_than:1d", 5, "")
	if err != nil {
		return "", false, fmt.Errorf("search verification email: %w", err)
	}

	// Results are newest first.
	for _, stub := range resp.Messages {
		msg, err := r.mailbox.Get(ctx, stub.Id)
		if err != nil {
			return "", false, fmt.Errorf("get verification email: %w", err)
		}
		if internalDate(msg).Before(issued) {
			return "", false, nil
		}
		// The subject is the most reliable place; bodies carry dates and
		// reference numbers.
		for _, text := range []string{headers(msg)["subject"], extractBody(msg.Payload), msg.Snippet} {
			if m := verificationCode.FindStringSubmatch(text); m != nil {
				return m[1], true, nil
			}
		}
	}
	return "", false, nil
}
