package batch

import (
	"database/sql"
	"time"

	"batchd/errors"
)

// TriggerStore handles persistence of one-shot broker triggers.
type TriggerStore struct {
	db *sql.DB
}

// NewTriggerStore creates a trigger store over the shared database.
func NewTriggerStore(db *sql.DB) *TriggerStore {
	return &TriggerStore{db: db}
}

const triggerSelectColumns = `
	id, name, task_target, eta, queue, args, enabled, description,
	created_at, updated_at`

// CreateTrigger inserts a new one-shot trigger.
func (s *TriggerStore) CreateTrigger(tr *Trigger) error {
	now := time.Now().UTC()

	result, err := s.db.Exec(`
		INSERT INTO triggers (name, task_target, eta, queue, args, enabled, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.Name, tr.TaskTarget, fmtTime(tr.ETA), tr.Queue, tr.Args,
		boolToInt(tr.Enabled), tr.Description, fmtTime(now), fmtTime(now))
	if err != nil {
		return errors.Wrapf(err, "failed to create trigger %s", tr.Name)
	}

	tr.ID, err = result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get trigger id")
	}
	return nil
}

// GetTriggerByName retrieves a trigger by its unique name.
func (s *TriggerStore) GetTriggerByName(name string) (*Trigger, error) {
	row := s.db.QueryRow(`SELECT `+triggerSelectColumns+` FROM triggers WHERE name = ?`, name)

	tr, err := scanTrigger(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "trigger %s", name)
		}
		return nil, errors.Wrapf(err, "failed to get trigger %s", name)
	}
	return tr, nil
}

// ListActiveTriggers returns all enabled triggers.
func (s *TriggerStore) ListActiveTriggers() ([]*Trigger, error) {
	rows, err := s.db.Query(`SELECT ` + triggerSelectColumns + ` FROM triggers WHERE enabled = 1 ORDER BY eta ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active triggers")
	}
	defer rows.Close()

	return collectTriggers(rows)
}

// LatestByDescription returns the owning entity's most recent trigger (live
// or stale), or ErrNotFound when the entity has none.
func (s *TriggerStore) LatestByDescription(description string) (*Trigger, error) {
	row := s.db.QueryRow(`
		SELECT `+triggerSelectColumns+`
		FROM triggers
		WHERE description = ?
		ORDER BY eta DESC
		LIMIT 1`,
		description)

	tr, err := scanTrigger(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "no trigger for %s", description)
		}
		return nil, errors.Wrapf(err, "failed to get trigger for %s", description)
	}
	return tr, nil
}

// UpdateETA re-points an existing trigger at a new time and re-enables it.
func (s *TriggerStore) UpdateETA(name string, eta time.Time, args string) error {
	result, err := s.db.Exec(`
		UPDATE triggers SET eta = ?, args = ?, enabled = 1, updated_at = ?
		WHERE name = ?`,
		fmtTime(eta), args, fmtTime(time.Now()), name)
	if err != nil {
		return errors.Wrapf(err, "failed to update trigger %s", name)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "trigger %s", name)
	}
	return nil
}

// Disable marks a trigger consumed; it stays on disk for cooldown checks
// until the next materialization replaces it.
func (s *TriggerStore) Disable(name string) error {
	_, err := s.db.Exec(`UPDATE triggers SET enabled = 0, updated_at = ? WHERE name = ?`,
		fmtTime(time.Now()), name)
	if err != nil {
		return errors.Wrapf(err, "failed to disable trigger %s", name)
	}
	return nil
}

// DeleteTrigger removes a trigger by name. Deleting a missing trigger is a
// no-op.
func (s *TriggerStore) DeleteTrigger(name string) error {
	_, err := s.db.Exec(`DELETE FROM triggers WHERE name = ?`, name)
	if err != nil {
		return errors.Wrapf(err, "failed to delete trigger %s", name)
	}
	return nil
}

// DeleteByDescription removes all triggers owned by an entity.
func (s *TriggerStore) DeleteByDescription(description string) error {
	_, err := s.db.Exec(`DELETE FROM triggers WHERE description = ?`, description)
	if err != nil {
		return errors.Wrapf(err, "failed to delete triggers for %s", description)
	}
	return nil
}

func scanTrigger(scan scanFunc) (*Trigger, error) {
	var tr Trigger
	var eta, createdAt, updatedAt string
	var enabled int

	err := scan(
		&tr.ID, &tr.Name, &tr.TaskTarget, &eta, &tr.Queue, &tr.Args,
		&enabled, &tr.Description, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	tr.Enabled = enabled != 0

	if tr.ETA, err = parseTime(eta, "eta"); err != nil {
		return nil, err
	}
	if tr.CreatedAt, err = parseTime(createdAt, "created_at"); err != nil {
		return nil, err
	}
	if tr.UpdatedAt, err = parseTime(updatedAt, "updated_at"); err != nil {
		return nil, err
	}

	return &tr, nil
}

func collectTriggers(rows *sql.Rows) ([]*Trigger, error) {
	var triggers []*Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan trigger row")
		}
		triggers = append(triggers, tr)
	}
	return triggers, rows.Err()
}
