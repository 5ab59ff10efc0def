package queue

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"activity-sync/internal/api"
	activitysync "activity-sync/internal/sync"
)

// SpoolingSink forwards to next and spools any batch next rejects. The
// original error is always returned so the run is still marked failed.
type SpoolingSink struct {
	next  activitysync.RecordSink
	queue *Queue
}

func NewSpoolingSink(next activitysync.RecordSink, queue *Queue) *SpoolingSink {
	return &SpoolingSink{next: next, queue: queue}
}

func (s *SpoolingSink) Save(ctx context.Context, recordType api.RecordType, batch []api.Record) error {
	err := s.next.Save(ctx, recordType, batch)
	if err == nil {
		return nil
	}

	payload, encErr := json.Marshal(api.BatchUpsertRequest{RecordType: recordType, Records: batch})
	if encErr != nil {
		log.Error().Err(encErr).Str("record_type", string(recordType)).Msg("Failed to encode batch for spool")
		return err
	}
	if qErr := s.queue.Enqueue(recordType, len(batch), payload, err.Error()); qErr != nil {
		log.Error().Err(qErr).Str("record_type", string(recordType)).Msg("Failed to spool batch")
	}
	return err
}

func (s *SpoolingSink) RefreshCache(ctx context.Context) error {
	return s.next.RefreshCache(ctx)
}
