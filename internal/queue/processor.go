package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"activity-sync/internal/api"
)

// ReplayFunc delivers one spooled batch payload.
type ReplayFunc func(ctx context.Context, recordType api.RecordType, payload []byte) error

// Processor replays spooled batches in the background.
type Processor struct {
	queue         *Queue
	replay        ReplayFunc
	checkInterval time.Duration
	batchSize     int
	onlineCheckFn func(ctx context.Context) bool
}

type ProcessorConfig struct {
	CheckInterval time.Duration
	BatchSize     int
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		CheckInterval: 30 * time.Second,
		BatchSize:     20,
	}
}

func NewProcessor(queue *Queue, replay ReplayFunc, cfg ProcessorConfig) *Processor {
	return &Processor{
		queue:         queue,
		replay:        replay,
		checkInterval: cfg.CheckInterval,
		batchSize:     cfg.BatchSize,
	}
}

// SetOnlineChecker skips replay cycles while the backend is unreachable.
func (p *Processor) SetOnlineChecker(fn func(ctx context.Context) bool) {
	p.onlineCheckFn = fn
}

// Run replays due batches on every tick until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", p.checkInterval).
		Int("batch_size", p.batchSize).
		Msg("Spool processor started")

	p.ProcessNow(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Spool processor stopped")
			return
		case <-ticker.C:
			p.ProcessNow(ctx)
		}
	}
}

// ProcessNow runs a single replay cycle and returns how many batches were
// delivered.
func (p *Processor) ProcessNow(ctx context.Context) int {
	if p.onlineCheckFn != nil && !p.onlineCheckFn(ctx) {
		log.Debug().Msg("Skipping spool replay: backend offline")
		return 0
	}

	if _, err := p.queue.PurgeExpired(); err != nil {
		log.Error().Err(err).Msg("Failed to purge expired batches")
	}

	batches, err := p.queue.Due(p.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load due batches")
		return 0
	}
	if len(batches) == 0 {
		return 0
	}

	delivered, failed := 0, 0
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}

		if err := p.replay(ctx, b.RecordType, b.Payload); err != nil {
			log.Warn().
				Err(err).
				Int64("id", b.ID).
				Str("record_type", string(b.RecordType)).
				Int("retries", b.Retries+1).
				Msg("Spooled batch replay failed")
			if err := p.queue.MarkFailed(b.ID, err.Error()); err != nil {
				log.Error().Err(err).Int64("id", b.ID).Msg("Failed to reschedule batch")
			}
			failed++
			continue
		}

		if err := p.queue.MarkDelivered(b.ID); err != nil {
			log.Error().Err(err).Int64("id", b.ID).Msg("Failed to remove delivered batch")
		}
		delivered++
	}

	log.Info().Int("delivered", delivered).Int("failed", failed).Msg("Spool replay complete")
	return delivered
}

func (p *Processor) Stats() (*Stats, error) {
	return p.queue.Stats()
}
