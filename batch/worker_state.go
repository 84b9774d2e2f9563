package batch

import (
	"database/sql"
	"time"

	"batchd/errors"
)

// WorkerStateStore persists small shared worker facts, notably each queue's
// worker start time. The lifecycle's stale-worker gate compares a task's
// creation time against this stamp.
type WorkerStateStore struct {
	db *sql.DB
}

// NewWorkerStateStore creates a worker state store over the shared database.
func NewWorkerStateStore(db *sql.DB) *WorkerStateStore {
	return &WorkerStateStore{db: db}
}

// StartTimeKey returns the worker-start-time key for a queue.
func StartTimeKey(queue string) string {
	return "worker:" + queue + ":start_time"
}

// Set upserts a key/value pair.
func (s *WorkerStateStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO worker_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, fmtTime(time.Now()))
	if err != nil {
		return errors.Wrapf(err, "failed to set worker state %s", key)
	}
	return nil
}

// Get returns the value for key, or ErrNotFound.
func (s *WorkerStateStore) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM worker_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", errors.Wrapf(errors.ErrNotFound, "worker state %s", key)
		}
		return "", errors.Wrapf(err, "failed to get worker state %s", key)
	}
	return value, nil
}

// SetStartTime records the worker start time for a queue.
func (s *WorkerStateStore) SetStartTime(queue string, t time.Time) error {
	return s.Set(StartTimeKey(queue), fmtTime(t))
}

// StartTime returns the recorded worker start time for a queue, or nil when
// no worker has stamped itself yet.
func (s *WorkerStateStore) StartTime(queue string) (*time.Time, error) {
	value, err := s.Get(StartTimeKey(queue))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	t, err := parseTime(value, "worker start_time")
	if err != nil {
		return nil, err
	}
	return &t, nil
}
