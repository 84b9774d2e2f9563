package broker

import (
	"database/sql"
	"encoding/json"
	"time"

	"batchd/errors"
)

// Store handles persistence of broker tasks and groups.
type Store struct {
	db *sql.DB
}

// NewStore creates a broker store over the shared database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const taskSelectColumns = `
	id, queue, task_target, args, headers, run_at, status, group_id, parent_id,
	retry_count, result, error, created_at, updated_at, started_at, completed_at`

// CreateTask inserts a new task entry.
func (s *Store) CreateTask(task *Task) error {
	now := time.Now().UTC()
	if task.State == "" {
		task.State = StateQueued
	}

	headers := "{}"
	if len(task.Headers) > 0 {
		b, err := json.Marshal(task.Headers)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal headers for task %s", task.ID)
		}
		headers = string(b)
	}

	args := "[]"
	if len(task.Args) > 0 {
		args = string(task.Args)
	}

	_, err := s.db.Exec(`
		INSERT INTO broker_tasks (
			id, queue, task_target, args, headers, run_at, status, group_id, parent_id,
			retry_count, result, error, created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Queue, task.TaskTarget, args, headers,
		fmtTime(task.RunAt), string(task.State),
		nullIfEmpty(task.GroupID), nullIfEmpty(task.ParentID),
		task.RetryCount, nullIfEmpty(task.Result), nullIfEmpty(task.Error),
		fmtTime(now), fmtTime(now), nil, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create broker task %s", task.ID)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskSelectColumns+` FROM broker_tasks WHERE id = ?`, id)

	task, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "broker task %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get broker task %s", id)
	}
	return task, nil
}

// ClaimNextDue atomically claims the oldest due queued task on a queue and
// marks it running. Returns nil when nothing is due. The conditional UPDATE
// is the claim: two workers racing on the same row see one winner.
func (s *Store) ClaimNextDue(queue string, now time.Time) (*Task, error) {
	for {
		row := s.db.QueryRow(`
			SELECT `+taskSelectColumns+`
			FROM broker_tasks
			WHERE queue = ? AND status = ? AND run_at <= ?
			ORDER BY run_at ASC, created_at ASC
			LIMIT 1`,
			queue, string(StateQueued), fmtTime(now))

		task, err := scanTask(row.Scan)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, errors.Wrapf(err, "failed to find due task on queue %s", queue)
		}

		result, err := s.db.Exec(`
			UPDATE broker_tasks SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(StateRunning), fmtTime(now), fmtTime(now), task.ID, string(StateQueued))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim task %s", task.ID)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get rows affected")
		}
		if affected == 0 {
			// Lost the race; try the next candidate.
			continue
		}

		task.State = StateRunning
		started := now
		task.StartedAt = &started
		return task, nil
	}
}

// ListPending returns all queued (not yet consumed) entries on a queue,
// regardless of ETA.
func (s *Store) ListPending(queue string) ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskSelectColumns+`
		FROM broker_tasks
		WHERE queue = ? AND status = ?
		ORDER BY run_at ASC`,
		queue, string(StateQueued))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list pending tasks on queue %s", queue)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListRunning returns all currently-running entries, any queue.
func (s *Store) ListRunning() ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskSelectColumns+`
		FROM broker_tasks
		WHERE status = ?
		ORDER BY run_at ASC`,
		string(StateRunning))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running tasks")
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListChildren returns tasks spawned by a parent task.
func (s *Store) ListChildren(parentID string) ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskSelectColumns+`
		FROM broker_tasks
		WHERE parent_id = ?
		ORDER BY created_at ASC`,
		parentID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list children of task %s", parentID)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListGroupTasks returns all member tasks of a fan-out group.
func (s *Store) ListGroupTasks(groupID string) ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskSelectColumns+`
		FROM broker_tasks
		WHERE group_id = ?
		ORDER BY created_at ASC`,
		groupID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tasks of group %s", groupID)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// FinishTask records a task's terminal state with its result or error. A row
// revoked while the handler was running keeps its revoked status; the return
// reports whether this call changed the row.
func (s *Store) FinishTask(id string, state TaskState, result, errMsg string) (bool, error) {
	now := time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE broker_tasks SET status = ?, result = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		string(state), nullIfEmpty(result), nullIfEmpty(errMsg), fmtTime(now), fmtTime(now),
		id, string(StateRevoked))
	if err != nil {
		return false, errors.Wrapf(err, "failed to finish task %s", id)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		if _, getErr := s.GetTask(id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// MarkRevoked transitions a queued or running task to revoked. Terminal tasks
// are left alone; returns whether the row changed. A revoked running row is
// the flag the in-flight handler observes to stop after its action returns.
func (s *Store) MarkRevoked(id string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE broker_tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StateRevoked), fmtTime(time.Now()), id, string(StateQueued), string(StateRunning))
	if err != nil {
		return false, errors.Wrapf(err, "failed to revoke task %s", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return affected > 0, nil
}

// RequeueRunning resets all running entries to queued; called once at worker
// start to recover tasks orphaned by a crash.
func (s *Store) RequeueRunning(queue string) (int, error) {
	result, err := s.db.Exec(`
		UPDATE broker_tasks SET status = ?, started_at = NULL, updated_at = ?
		WHERE queue = ? AND status = ?`,
		string(StateQueued), fmtTime(time.Now()), queue, string(StateRunning))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to requeue running tasks on queue %s", queue)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(affected), nil
}

// CreateGroup inserts a new fan-out group row.
func (s *Store) CreateGroup(g *Group) error {
	now := time.Now().UTC()

	callbackArgs := "[]"
	if len(g.CallbackArgs) > 0 {
		callbackArgs = string(g.CallbackArgs)
	}

	_, err := s.db.Exec(`
		INSERT INTO broker_groups (id, queue, total, terminal, callback_target, callback_args, fired, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, 0, ?, ?)`,
		g.ID, g.Queue, g.Total, g.CallbackTarget, callbackArgs, fmtTime(now), fmtTime(now))
	if err != nil {
		return errors.Wrapf(err, "failed to create group %s", g.ID)
	}
	return nil
}

// GetGroup retrieves a group by id.
func (s *Store) GetGroup(id string) (*Group, error) {
	row := s.db.QueryRow(`
		SELECT id, queue, total, terminal, callback_target, callback_args, fired, created_at, updated_at
		FROM broker_groups WHERE id = ?`, id)

	var g Group
	var callbackArgs string
	var fired int
	var createdAt, updatedAt string

	err := row.Scan(&g.ID, &g.Queue, &g.Total, &g.Terminal, &g.CallbackTarget,
		&callbackArgs, &fired, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "group %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get group %s", id)
	}

	g.CallbackArgs = json.RawMessage(callbackArgs)
	g.Fired = fired != 0
	if g.CreatedAt, err = parseTime(createdAt, "created_at"); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = parseTime(updatedAt, "updated_at"); err != nil {
		return nil, err
	}
	return &g, nil
}

// RecordGroupTerminal bumps the group's terminal-member counter.
func (s *Store) RecordGroupTerminal(groupID string) error {
	_, err := s.db.Exec(`
		UPDATE broker_groups SET terminal = terminal + 1, updated_at = ?
		WHERE id = ?`,
		fmtTime(time.Now()), groupID)
	if err != nil {
		return errors.Wrapf(err, "failed to record terminal member for group %s", groupID)
	}
	return nil
}

// TryFireGroup atomically marks a complete group fired. The conditional
// UPDATE guards the exactly-once callback: only the member whose terminal
// transition completes the group wins.
func (s *Store) TryFireGroup(groupID string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE broker_groups SET fired = 1, updated_at = ?
		WHERE id = ? AND terminal >= total AND fired = 0`,
		fmtTime(time.Now()), groupID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to fire group %s", groupID)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return affected > 0, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(value, field string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to parse %s", field)
	}
	return t, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type scanFunc func(dest ...interface{}) error

func scanTask(scan scanFunc) (*Task, error) {
	var task Task
	var args, headers, runAt, status, createdAt, updatedAt string
	var groupID, parentID, result, errMsg, startedAt, completedAt sql.NullString

	err := scan(
		&task.ID, &task.Queue, &task.TaskTarget, &args, &headers, &runAt, &status,
		&groupID, &parentID, &task.RetryCount, &result, &errMsg,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Args = json.RawMessage(args)
	task.State = TaskState(status)

	if headers != "" && headers != "{}" {
		if err := json.Unmarshal([]byte(headers), &task.Headers); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal headers for task %s", task.ID)
		}
	}

	if groupID.Valid {
		task.GroupID = groupID.String
	}
	if parentID.Valid {
		task.ParentID = parentID.String
	}
	if result.Valid {
		task.Result = result.String
	}
	if errMsg.Valid {
		task.Error = errMsg.String
	}

	if task.RunAt, err = parseTime(runAt, "run_at"); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(createdAt, "created_at"); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt, "updated_at"); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String, "started_at")
		if err != nil {
			return nil, err
		}
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String, "completed_at")
		if err != nil {
			return nil, err
		}
		task.CompletedAt = &t
	}

	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan broker task row")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
