// Package natsjs publishes record batches to NATS JetStream as an
// alternative to posting them to the backend.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Publisher wraps a JetStream context.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("activity-sync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the stream capturing every subject under prefix if
// it does not exist yet. The duplicate window covers reruns of the same
// batch within a day.
func (p *Publisher) EnsureStream(stream, prefix string) error {
	if info, err := p.js.StreamInfo(stream); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       stream,
		Subjects:   []string{prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 24 * time.Hour,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream %s: %w", stream, err)
	}

	log.Info().Str("stream", stream).Str("subjects", prefix+".>").Msg("Created JetStream stream")
	return nil
}

// Publish sends payload with a deduplication id. An empty msgID disables
// deduplication.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := p.js.Publish(subject, payload, opts...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
