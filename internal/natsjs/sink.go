package natsjs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"activity-sync/internal/api"
)

type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Sink publishes one message per batch on <prefix>.<record_type>.
type Sink struct {
	pub    publisher
	prefix string
	now    func() time.Time
}

func NewSink(pub *Publisher, prefix string) *Sink {
	return newSink(pub, prefix)
}

func newSink(pub publisher, prefix string) *Sink {
	return &Sink{pub: pub, prefix: prefix, now: time.Now}
}

func (s *Sink) Save(ctx context.Context, recordType api.RecordType, batch []api.Record) error {
	payload, err := json.Marshal(api.BatchUpsertRequest{RecordType: recordType, Records: batch})
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	subject := s.prefix + "." + string(recordType)
	if err := s.pub.Publish(ctx, subject, payload, BatchID(recordType, batch)); err != nil {
		return err
	}

	log.Debug().Str("subject", subject).Int("records", len(batch)).Msg("Batch published")
	return nil
}

// SaveRaw republishes an encoded batch from the spool. The id is derived
// from the payload since the records are not decoded again.
func (s *Sink) SaveRaw(ctx context.Context, recordType api.RecordType, payload []byte) error {
	sum := sha256.Sum256(payload)
	return s.pub.Publish(ctx, s.prefix+"."+string(recordType), payload, hex.EncodeToString(sum[:16]))
}

// RefreshCache announces that a run finished so consumers can rebuild
// their aggregates.
func (s *Sink) RefreshCache(ctx context.Context) error {
	payload, err := json.Marshal(map[string]time.Time{"requested_at": s.now().UTC()})
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, s.prefix+".cache.refresh", payload, "")
}

// BatchID is a stable deduplication id for a batch: the same records
// published again yield the same id.
func BatchID(recordType api.RecordType, batch []api.Record) string {
	h := sha256.New()
	h.Write([]byte(recordType))
	for _, r := range batch {
		h.Write([]byte{0})
		h.Write([]byte(r.RecordID()))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
