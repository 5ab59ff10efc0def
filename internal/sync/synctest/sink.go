// Package synctest provides an in-memory RecordSink for provider tests.
package synctest

import (
	"context"
	"sync"

	"activity-sync/internal/api"
)

// MemorySink records every saved batch.
type MemorySink struct {
	mu        sync.Mutex
	batches   [][]api.Record
	refreshes int
}

func (s *MemorySink) Save(ctx context.Context, recordType api.RecordType, batch []api.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *MemorySink) RefreshCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return nil
}

// Batches returns the saved batches in save order.
func (s *MemorySink) Batches() [][]api.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]api.Record(nil), s.batches...)
}

// Records flattens every saved batch.
func (s *MemorySink) Records() []api.Record {
	var out []api.Record
	for _, b := range s.Batches() {
		out = append(out, b...)
	}
	return out
}

func (s *MemorySink) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}
