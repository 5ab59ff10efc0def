// Package queue spools record batches the sink failed to accept so they can
// be replayed later. The run that produced a spooled batch still fails.
package queue

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"activity-sync/internal/api"
)

// Batch is one spooled batch. Payload is an encoded api.BatchUpsertRequest.
type Batch struct {
	ID          int64
	RecordType  api.RecordType
	Records     int
	Payload     []byte
	Retries     int
	MaxRetries  int
	NextRetryAt time.Time
	CreatedAt   time.Time
	LastError   string
}

type Config struct {
	Path           string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

func DefaultConfig(basePath string) Config {
	return Config{
		Path:           filepath.Join(basePath, "queue.db"),
		MaxRetries:     10,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     time.Hour,
		BackoffFactor:  2.0,
	}
}

// Queue is the sqlite-backed spool.
type Queue struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	now    func() time.Time
}

func New(cfg Config) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	q := &Queue{db: db, config: cfg, now: time.Now}
	if err := q.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	return q, nil
}

func (q *Queue) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS spooled_batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_type TEXT NOT NULL,
		records INTEGER NOT NULL,
		payload BLOB NOT NULL,
		retries INTEGER DEFAULT 0,
		max_retries INTEGER NOT NULL,
		next_retry_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_spooled_next_retry ON spooled_batches(next_retry_at);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Enqueue stores a batch the sink rejected.
func (q *Queue) Enqueue(recordType api.RecordType, records int, payload []byte, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	nextRetry := now.Add(q.config.InitialBackoff)
	_, err := q.db.Exec(`
		INSERT INTO spooled_batches (record_type, records, payload, max_retries, next_retry_at, created_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(recordType), records, payload, q.config.MaxRetries, nextRetry, now, lastError)
	if err != nil {
		return fmt.Errorf("failed to spool batch: %w", err)
	}

	log.Debug().
		Str("record_type", string(recordType)).
		Int("records", records).
		Time("next_retry", nextRetry).
		Msg("Batch spooled for replay")
	return nil
}

// Due returns batches whose retry time has passed, oldest first.
func (q *Queue) Due(limit int) ([]Batch, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.Query(`
		SELECT id, record_type, records, payload, retries, max_retries, next_retry_at, created_at, COALESCE(last_error, '')
		FROM spooled_batches
		WHERE next_retry_at <= ? AND retries < max_retries
		ORDER BY next_retry_at ASC, id ASC
		LIMIT ?
	`, q.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		var recordType string
		if err := rows.Scan(&b.ID, &recordType, &b.Records, &b.Payload, &b.Retries, &b.MaxRetries, &b.NextRetryAt, &b.CreatedAt, &b.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.RecordType = api.RecordType(recordType)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// MarkDelivered removes a replayed batch.
func (q *Queue) MarkDelivered(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec("DELETE FROM spooled_batches WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	log.Debug().Int64("id", id).Msg("Spooled batch delivered")
	return nil
}

// MarkFailed pushes the next attempt out with exponential backoff.
func (q *Queue) MarkFailed(id int64, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var retries int
	if err := q.db.QueryRow("SELECT retries FROM spooled_batches WHERE id = ?", id).Scan(&retries); err != nil {
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	retries++
	backoff := q.backoff(retries)
	nextRetry := q.now().Add(backoff)
	_, err := q.db.Exec(`
		UPDATE spooled_batches SET retries = ?, next_retry_at = ?, last_error = ? WHERE id = ?
	`, retries, nextRetry, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}

	log.Debug().
		Int64("id", id).
		Int("retries", retries).
		Dur("backoff", backoff).
		Msg("Batch replay rescheduled")
	return nil
}

func (q *Queue) backoff(retries int) time.Duration {
	backoff := float64(q.config.InitialBackoff)
	for i := 0; i < retries; i++ {
		backoff *= q.config.BackoffFactor
	}
	if backoff > float64(q.config.MaxBackoff) {
		return q.config.MaxBackoff
	}
	return time.Duration(backoff)
}

// PurgeExpired drops batches that ran out of retries.
func (q *Queue) PurgeExpired() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := q.db.Exec(`DELETE FROM spooled_batches WHERE retries >= max_retries`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired batches: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		log.Warn().Int64("count", count).Msg("Dropped spooled batches after max retries")
	}
	return count, nil
}

type Stats struct {
	PendingBatches int64      `json:"pending_batches"`
	PendingRecords int64      `json:"pending_records"`
	ExpiredBatches int64      `json:"expired_batches"`
	OldestPending  *time.Time `json:"oldest_pending,omitempty"`
}

func (q *Queue) Stats() (*Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := &Stats{}
	err := q.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(records), 0) FROM spooled_batches WHERE retries < max_retries
	`).Scan(&stats.PendingBatches, &stats.PendingRecords)
	if err != nil {
		return nil, err
	}

	err = q.db.QueryRow(`SELECT COUNT(*) FROM spooled_batches WHERE retries >= max_retries`).Scan(&stats.ExpiredBatches)
	if err != nil {
		return nil, err
	}

	if stats.PendingBatches > 0 {
		var oldest time.Time
		err = q.db.QueryRow(`
			SELECT created_at FROM spooled_batches WHERE retries < max_retries ORDER BY created_at ASC LIMIT 1
		`).Scan(&oldest)
		if err == nil {
			stats.OldestPending = &oldest
		}
	}
	return stats, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}
