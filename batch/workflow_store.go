package batch

import (
	"database/sql"
	"time"

	"batchd/errors"
)

// WorkflowStore handles persistence of workflows and workflow runs.
type WorkflowStore struct {
	db *sql.DB
}

// NewWorkflowStore creates a workflow store over the shared database.
func NewWorkflowStore(db *sql.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

const workflowSelectColumns = `
	workflow_id, workflow_name, repeat_interval, timezone, start_date,
	queue_name, latest_status, last_run_date, next_run_date,
	created_at, updated_at`

// CreateWorkflow inserts a new workflow definition.
func (s *WorkflowStore) CreateWorkflow(wf *Workflow) error {
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO workflows (
			workflow_id, workflow_name, repeat_interval, timezone, start_date,
			queue_name, latest_status, last_run_date, next_run_date,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.RepeatInterval, wf.Timezone, fmtTime(wf.StartDate),
		wf.QueueName, nullIfEmpty(string(wf.LatestStatus)),
		fmtNullTime(wf.LastRunDate), fmtNullTime(wf.NextRunDate),
		fmtTime(now), fmtTime(now))
	if err != nil {
		return errors.Wrapf(err, "failed to create workflow %s", wf.ID)
	}
	return nil
}

// GetWorkflow retrieves a workflow by id. Returns ErrNotFound when no row
// exists.
func (s *WorkflowStore) GetWorkflow(id string) (*Workflow, error) {
	row := s.db.QueryRow(`SELECT `+workflowSelectColumns+` FROM workflows WHERE workflow_id = ?`, id)

	wf, err := scanWorkflow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "workflow %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get workflow %s", id)
	}
	return wf, nil
}

// ListWorkflows returns all workflow definitions.
func (s *WorkflowStore) ListWorkflows() ([]*Workflow, error) {
	rows, err := s.db.Query(`SELECT ` + workflowSelectColumns + ` FROM workflows ORDER BY workflow_id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflows")
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan workflow row")
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// ListMissingWorkflows returns workflows with no enabled trigger, i.e. the
// scheduler candidates whose next occurrence is not yet materialized.
func (s *WorkflowStore) ListMissingWorkflows() ([]*Workflow, error) {
	rows, err := s.db.Query(`
		SELECT ` + workflowSelectColumns + `
		FROM workflows w
		WHERE NOT EXISTS (
			SELECT 1 FROM triggers t
			WHERE t.description = w.workflow_id AND t.enabled = 1
		)
		ORDER BY w.workflow_id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list missing workflows")
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan workflow row")
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// SetLastRunDate stamps the workflow's most recent run start.
func (s *WorkflowStore) SetLastRunDate(id string, t time.Time) error {
	return s.exec(`
		UPDATE workflows SET last_run_date = ?, updated_at = ?
		WHERE workflow_id = ?`,
		id, fmtTime(t), fmtTime(time.Now()), id)
}

// SetNextRunDate records the workflow's next scheduled occurrence (nil when
// the schedule is exhausted).
func (s *WorkflowStore) SetNextRunDate(id string, next *time.Time) error {
	return s.exec(`
		UPDATE workflows SET next_run_date = ?, updated_at = ?
		WHERE workflow_id = ?`,
		id, fmtNullTime(next), fmtTime(time.Now()), id)
}

// SetLatestStatus records the outcome of the workflow's most recent run.
func (s *WorkflowStore) SetLatestStatus(id string, status RunStatus) error {
	return s.exec(`
		UPDATE workflows SET latest_status = ?, updated_at = ?
		WHERE workflow_id = ?`,
		id, string(status), fmtTime(time.Now()), id)
}

// CreateRun opens a new run instance in RUNNING state and returns its id.
func (s *WorkflowStore) CreateRun(workflowID string, start time.Time) (int64, error) {
	now := time.Now().UTC()

	result, err := s.db.Exec(`
		INSERT INTO workflow_runs (workflow_id, start_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		workflowID, fmtTime(start), string(RunStatusRunning), fmtTime(now), fmtTime(now))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create run for workflow %s", workflowID)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get workflow run id")
	}
	return id, nil
}

// GetRun retrieves a workflow run by id.
func (s *WorkflowStore) GetRun(id int64) (*WorkflowRun, error) {
	row := s.db.QueryRow(`
		SELECT id, workflow_id, start_date, end_date, status, created_at, updated_at
		FROM workflow_runs WHERE id = ?`, id)

	run, err := scanWorkflowRun(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "workflow run %d", id)
		}
		return nil, errors.Wrapf(err, "failed to get workflow run %d", id)
	}
	return run, nil
}

// CloseRun sets the run's terminal status and end timestamp. The conditional
// WHERE makes closing idempotent: only a RUNNING row transitions, so a crash
// recovery racing a late join callback closes the run exactly once. Returns
// false when the run was already closed.
func (s *WorkflowStore) CloseRun(id int64, status RunStatus, end time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE workflow_runs SET status = ?, end_date = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), fmtTime(end), fmtTime(time.Now()), id, string(RunStatusRunning))
	if err != nil {
		return false, errors.Wrapf(err, "failed to close workflow run %d", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

func (s *WorkflowStore) exec(query, workflowID string, args ...interface{}) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update workflow %s", workflowID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "workflow %s", workflowID)
	}
	return nil
}

func scanWorkflow(scan scanFunc) (*Workflow, error) {
	var wf Workflow
	var startDate, createdAt, updatedAt string
	var latestStatus, lastRunDate, nextRunDate sql.NullString

	err := scan(
		&wf.ID, &wf.Name, &wf.RepeatInterval, &wf.Timezone, &startDate,
		&wf.QueueName, &latestStatus, &lastRunDate, &nextRunDate,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if latestStatus.Valid {
		wf.LatestStatus = RunStatus(latestStatus.String)
	}

	if wf.StartDate, err = parseTime(startDate, "start_date"); err != nil {
		return nil, err
	}
	if wf.LastRunDate, err = parseNullTime(lastRunDate, "last_run_date"); err != nil {
		return nil, err
	}
	if wf.NextRunDate, err = parseNullTime(nextRunDate, "next_run_date"); err != nil {
		return nil, err
	}
	if wf.CreatedAt, err = parseTime(createdAt, "created_at"); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = parseTime(updatedAt, "updated_at"); err != nil {
		return nil, err
	}

	return &wf, nil
}

func scanWorkflowRun(scan scanFunc) (*WorkflowRun, error) {
	var run WorkflowRun
	var startDate, createdAt, updatedAt, status string
	var endDate sql.NullString

	err := scan(&run.ID, &run.WorkflowID, &startDate, &endDate, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)

	if run.StartDate, err = parseTime(startDate, "start_date"); err != nil {
		return nil, err
	}
	if run.EndDate, err = parseNullTime(endDate, "end_date"); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt, "created_at"); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt, "updated_at"); err != nil {
		return nil, err
	}

	return &run, nil
}
