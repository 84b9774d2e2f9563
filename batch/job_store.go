package batch

import (
	"database/sql"
	"time"

	"batchd/errors"
)

// JobStore handles persistence of job definitions.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a job store over the shared database.
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

const jobSelectColumns = `
	job_id, job_name, action_kind, action, queue_name, run_account,
	repeat_interval, timezone, start_date, end_date,
	enabled, run_forever, auto_drop, restart_on_failure, restartable, ignore_result,
	max_run, max_failure, retry_delay_seconds, max_run_duration_seconds,
	run_count, failure_count, retry_count,
	workflow_id, priority, workflow_delay_seconds,
	next_run_date, last_run_date, last_operation, last_status,
	created_at, updated_at`

// CreateJob inserts a new job definition.
func (s *JobStore) CreateJob(job *Job) error {
	now := time.Now().UTC()

	var workflowID interface{}
	if job.WorkflowID != "" {
		workflowID = job.WorkflowID
	}

	_, err := s.db.Exec(`
		INSERT INTO jobs (
			job_id, job_name, action_kind, action, queue_name, run_account,
			repeat_interval, timezone, start_date, end_date,
			enabled, run_forever, auto_drop, restart_on_failure, restartable, ignore_result,
			max_run, max_failure, retry_delay_seconds, max_run_duration_seconds,
			run_count, failure_count, retry_count,
			workflow_id, priority, workflow_delay_seconds,
			next_run_date, last_run_date, last_operation, last_status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, string(job.ActionKind), job.Action, job.QueueName, job.RunAccount,
		job.RepeatInterval, job.Timezone, fmtTime(job.StartDate), fmtNullTime(job.EndDate),
		boolToInt(job.Enabled), boolToInt(job.RunForever), boolToInt(job.AutoDrop),
		boolToInt(job.RestartOnFailure), boolToInt(job.Restartable), boolToInt(job.IgnoreResult),
		job.MaxRun, job.MaxFailure, job.RetryDelaySeconds, job.MaxRunDurationSeconds,
		job.RunCount, job.FailureCount, job.RetryCount,
		workflowID, job.Priority, job.WorkflowDelaySeconds,
		fmtNullTime(job.NextRunDate), fmtNullTime(job.LastRunDate),
		nullIfEmpty(string(job.LastOperation)), nullIfEmpty(job.LastStatus),
		fmtTime(now), fmtTime(now))

	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by id. Returns ErrNotFound when no row exists.
func (s *JobStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobSelectColumns+` FROM jobs WHERE job_id = ?`, id)

	job, err := scanJob(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListJobs returns all job definitions.
func (s *JobStore) ListJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobSelectColumns + ` FROM jobs ORDER BY job_id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListMissingJobs returns standalone jobs that are enabled and not retired.
// The caller excludes jobs that already have an active trigger or a pending
// broker entry. Workflow member jobs are not listed here; their workflow's
// trigger drives them.
func (s *JobStore) ListMissingJobs(now time.Time) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobSelectColumns+`
		FROM jobs
		WHERE enabled = 1
		  AND workflow_id IS NULL
		  AND (run_forever = 1 OR (
			(end_date IS NULL OR end_date >= ?)
			AND (max_run = 0 OR run_count < max_run)))
		ORDER BY job_id ASC`,
		fmtTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list missing jobs")
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListWorkflowJobs returns all enabled member jobs of a workflow.
func (s *JobStore) ListWorkflowJobs(workflowID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobSelectColumns+`
		FROM jobs
		WHERE workflow_id = ? AND enabled = 1
		ORDER BY priority ASC, job_id ASC`,
		workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs for workflow %s", workflowID)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// UpdateNextRun records the job's next occurrence and the operation that
// produced it.
func (s *JobStore) UpdateNextRun(jobID string, next *time.Time, op Operation) error {
	return s.exec(`
		UPDATE jobs SET next_run_date = ?, last_operation = ?, updated_at = ?
		WHERE job_id = ?`,
		jobID, fmtNullTime(next), string(op), fmtTime(time.Now()), jobID)
}

// MarkRunStarted increments run_count and stamps last_run_date; called once
// per occurrence on the first attempt, before the action executes, so a crash
// mid-run still counts the run.
func (s *JobStore) MarkRunStarted(jobID string, runDate time.Time) error {
	return s.exec(`
		UPDATE jobs SET run_count = run_count + 1, last_run_date = ?, updated_at = ?
		WHERE job_id = ?`,
		jobID, fmtTime(runDate), fmtTime(time.Now()), jobID)
}

// IncrementFailureCount bumps the job's lifetime failure counter.
func (s *JobStore) IncrementFailureCount(jobID string) error {
	return s.exec(`
		UPDATE jobs SET failure_count = failure_count + 1, updated_at = ?
		WHERE job_id = ?`,
		jobID, fmtTime(time.Now()), jobID)
}

// SetRetryCount sets the job's current retry counter (reset to 0 on success).
func (s *JobStore) SetRetryCount(jobID string, n int) error {
	return s.exec(`
		UPDATE jobs SET retry_count = ?, updated_at = ?
		WHERE job_id = ?`,
		jobID, n, fmtTime(time.Now()), jobID)
}

// SetLastStatus records the latest terminal task status on the job.
func (s *JobStore) SetLastStatus(jobID string, status TaskStatus) error {
	return s.exec(`
		UPDATE jobs SET last_status = ?, updated_at = ?
		WHERE job_id = ?`,
		jobID, string(status), fmtTime(time.Now()), jobID)
}

// FreezeMaxRun pins max_run and clears run_forever; auto-drop uses this to
// retire a job after its first completed run.
func (s *JobStore) FreezeMaxRun(jobID string, maxRun int) error {
	return s.exec(`
		UPDATE jobs SET max_run = ?, run_forever = 0, updated_at = ?
		WHERE job_id = ?`,
		jobID, maxRun, fmtTime(time.Now()), jobID)
}

// SetEnabled toggles the job on or off.
func (s *JobStore) SetEnabled(jobID string, enabled bool) error {
	return s.exec(`
		UPDATE jobs SET enabled = ?, updated_at = ?
		WHERE job_id = ?`,
		jobID, boolToInt(enabled), fmtTime(time.Now()), jobID)
}

// exec runs an UPDATE whose first bound value after the query is the job id
// used for the not-found error; args are the statement parameters in order.
func (s *JobStore) exec(query, jobID string, args ...interface{}) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", jobID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type scanFunc func(dest ...interface{}) error

func scanJob(scan scanFunc) (*Job, error) {
	var job Job
	var actionKind, startDate, createdAt, updatedAt string
	var endDate, workflowID, nextRunDate, lastRunDate, lastOperation, lastStatus sql.NullString
	var enabled, runForever, autoDrop, restartOnFailure, restartable, ignoreResult int

	err := scan(
		&job.ID, &job.Name, &actionKind, &job.Action, &job.QueueName, &job.RunAccount,
		&job.RepeatInterval, &job.Timezone, &startDate, &endDate,
		&enabled, &runForever, &autoDrop, &restartOnFailure, &restartable, &ignoreResult,
		&job.MaxRun, &job.MaxFailure, &job.RetryDelaySeconds, &job.MaxRunDurationSeconds,
		&job.RunCount, &job.FailureCount, &job.RetryCount,
		&workflowID, &job.Priority, &job.WorkflowDelaySeconds,
		&nextRunDate, &lastRunDate, &lastOperation, &lastStatus,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ActionKind = ActionKind(actionKind)
	job.Enabled = enabled != 0
	job.RunForever = runForever != 0
	job.AutoDrop = autoDrop != 0
	job.RestartOnFailure = restartOnFailure != 0
	job.Restartable = restartable != 0
	job.IgnoreResult = ignoreResult != 0

	if job.StartDate, err = parseTime(startDate, "start_date"); err != nil {
		return nil, err
	}
	if job.EndDate, err = parseNullTime(endDate, "end_date"); err != nil {
		return nil, err
	}
	if job.NextRunDate, err = parseNullTime(nextRunDate, "next_run_date"); err != nil {
		return nil, err
	}
	if job.LastRunDate, err = parseNullTime(lastRunDate, "last_run_date"); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt, "created_at"); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt, "updated_at"); err != nil {
		return nil, err
	}

	if workflowID.Valid {
		job.WorkflowID = workflowID.String
	}
	if lastOperation.Valid {
		job.LastOperation = Operation(lastOperation.String)
	}
	if lastStatus.Valid {
		job.LastStatus = lastStatus.String
	}

	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job row")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
