// Package schedulestore persists the single schedule record that decides when
// the next transfer may start. The record outlives the process; the transfer
// handle does not.
package schedulestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Keys of the two persisted values.
const (
	KeyTargetExecutionDate = "targetExecutionDate"
	KeyTaskCompleted       = "taskCompleted"
)

// ErrCorruptRecord is returned when a persisted value cannot be parsed.
var ErrCorruptRecord = errors.New("schedule record is corrupt")

// Record is the persisted schedule: when the download is due, and whether a
// transfer was already initiated for it.
type Record struct {
	TargetTime time.Time `json:"targetTime"`
	Completed  bool      `json:"completed"`
}

// Due reports whether a new transfer may start at now. This is the only
// condition under which one is started.
func (r Record) Due(now time.Time) bool {
	return !r.Completed && !now.Before(r.TargetTime)
}

// Store reads and writes the schedule record.
// Get reports ok=false when no schedule was ever written.
type Store interface {
	Get(ctx context.Context) (rec Record, ok bool, err error)
	Set(ctx context.Context, rec Record) error
}

// SQLStore keeps the record as key/value rows in the schedule_store table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store on a migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Get loads the record.
func (s *SQLStore) Get(ctx context.Context) (Record, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM schedule_store WHERE key IN (?, ?)`,
		KeyTargetExecutionDate, KeyTaskCompleted)
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read schedule record: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, 2)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Record{}, false, fmt.Errorf("failed to scan schedule record: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return Record{}, false, fmt.Errorf("failed to read schedule record: %w", err)
	}

	target, ok := values[KeyTargetExecutionDate]
	if !ok {
		return Record{}, false, nil
	}

	var rec Record
	rec.TargetTime, err = time.Parse(time.RFC3339Nano, target)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, KeyTargetExecutionDate, err)
	}

	if completed, ok := values[KeyTaskCompleted]; ok {
		rec.Completed, err = strconv.ParseBool(completed)
		if err != nil {
			return Record{}, false, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, KeyTaskCompleted, err)
		}
	}

	return rec, true, nil
}

// Set overwrites both values in one transaction.
func (s *SQLStore) Set(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schedule write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	const upsert = `INSERT INTO schedule_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	if _, err := tx.ExecContext(ctx, upsert, KeyTargetExecutionDate, rec.TargetTime.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to write %s: %w", KeyTargetExecutionDate, err)
	}
	if _, err := tx.ExecContext(ctx, upsert, KeyTaskCompleted, strconv.FormatBool(rec.Completed)); err != nil {
		return fmt.Errorf("failed to write %s: %w", KeyTaskCompleted, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schedule record: %w", err)
	}
	return nil
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get(_ context.Context) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return Record{}, false, nil
	}
	return *m.rec, true, nil
}

func (m *MemoryStore) Set(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &rec
	return nil
}
