// Package lock provides a non-blocking distributed lock over the shared
// database. Acquire fails fast with ErrLockHeld instead of waiting: the
// scheduler would rather skip a cycle than block, since missed cycles
// self-heal on the next poll.
package lock

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"batchd/errors"
)

// MaterializerLockName returns the lock name guarding trigger materialization
// for a job or workflow id.
func MaterializerLockName(id string) string {
	return "lock_periodic_task_" + id
}

// Manager acquires and releases named locks backed by the locks table.
type Manager struct {
	db *sql.DB
}

// NewManager creates a lock manager over the shared database.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Lock is a held lock. Release it with defer.
type Lock struct {
	db     *sql.DB
	Name   string
	holder string
}

// Acquire attempts to take the named lock for ttl. It returns ErrLockHeld
// when another holder has a live lock. Expired locks are stolen in the same
// statement, so a crashed holder never wedges the name permanently. Expiry is
// stored as epoch milliseconds so the comparison is numeric.
func (m *Manager) Acquire(name string, ttl time.Duration) (*Lock, error) {
	holder := uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl).UnixMilli()

	res, err := m.db.Exec(`
		INSERT INTO locks (name, holder, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
		WHERE locks.expires_at < ?`,
		name, holder, expiresAt, now.Format(time.RFC3339), now.UnixMilli())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire lock %s", name)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check lock acquisition for %s", name)
	}
	if affected == 0 {
		return nil, errors.Wrapf(errors.ErrLockHeld, "lock %s", name)
	}

	return &Lock{db: m.db, Name: name, holder: holder}, nil
}

// Release deletes the lock row if this holder still owns it. Releasing a lock
// that expired and was stolen is a no-op.
func (l *Lock) Release() error {
	_, err := l.db.Exec(`DELETE FROM locks WHERE name = ? AND holder = ?`, l.Name, l.holder)
	if err != nil {
		return errors.Wrapf(err, "failed to release lock %s", l.Name)
	}
	return nil
}
