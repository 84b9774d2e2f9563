package batch

import (
	"database/sql"
	"time"

	"batchd/errors"
)

// TaskStore handles persistence of task executions.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a task execution store over the shared database.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskSelectColumns = `
	id, task_name, job_id, run_date, execution_id, status, retry_count,
	already_run, manually_run, run_account, run_duration_ms, soft_delete,
	created_at, updated_at`

// CreateTask inserts a new task execution placeholder (status CREATED).
func (s *TaskStore) CreateTask(task *TaskExecution) error {
	now := time.Now().UTC()
	if task.Status == "" {
		task.Status = StatusCreated
	}

	result, err := s.db.Exec(`
		INSERT INTO task_executions (
			task_name, job_id, run_date, execution_id, status, retry_count,
			already_run, manually_run, run_account, run_duration_ms, soft_delete,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskName, task.JobID, fmtTime(task.RunDate), nullIfEmpty(task.ExecutionID),
		string(task.Status), task.RetryCount,
		boolToInt(task.AlreadyRun), boolToInt(task.ManuallyRun), task.RunAccount,
		task.RunDurationMS, boolToInt(task.SoftDelete),
		fmtTime(now), fmtTime(now))
	if err != nil {
		return errors.Wrapf(err, "failed to create task execution %s", task.TaskName)
	}

	task.ID, err = result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get task execution id")
	}
	return nil
}

// GetTaskByName retrieves a task execution by its unique trigger name.
func (s *TaskStore) GetTaskByName(taskName string) (*TaskExecution, error) {
	row := s.db.QueryRow(`SELECT `+taskSelectColumns+` FROM task_executions WHERE task_name = ?`, taskName)

	task, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "task execution %s", taskName)
		}
		return nil, errors.Wrapf(err, "failed to get task execution %s", taskName)
	}
	return task, nil
}

// GetTaskByExecutionID retrieves a task execution by its broker task id.
func (s *TaskStore) GetTaskByExecutionID(executionID string) (*TaskExecution, error) {
	row := s.db.QueryRow(`SELECT `+taskSelectColumns+` FROM task_executions WHERE execution_id = ?`, executionID)

	task, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", executionID)
		}
		return nil, errors.Wrapf(err, "failed to get task by execution id %s", executionID)
	}
	return task, nil
}

// BeginRun atomically transitions a task to RUNNING and stamps its broker
// execution id. The conditional WHERE enforces the at-most-one-RUNNING-per-job
// invariant; returns false when the task is not startable (already running,
// soft-deleted, or another execution of the job holds RUNNING).
func (s *TaskStore) BeginRun(taskName, executionID string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE task_executions
		SET status = ?, execution_id = ?, already_run = 1, updated_at = ?
		WHERE task_name = ?
		  AND soft_delete = 0
		  AND status IN (?, ?)
		  AND NOT EXISTS (
			SELECT 1 FROM task_executions other
			WHERE other.job_id = task_executions.job_id
			  AND other.status = ?
			  AND other.task_name != task_executions.task_name)`,
		string(StatusRunning), executionID, fmtTime(time.Now()),
		taskName,
		string(StatusCreated), string(StatusFailure),
		string(StatusRunning))
	if err != nil {
		return false, errors.Wrapf(err, "failed to begin run for %s", taskName)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// UpdateStatus sets a task execution's status.
func (s *TaskStore) UpdateStatus(taskName string, status TaskStatus) error {
	return s.exec(`
		UPDATE task_executions SET status = ?, updated_at = ?
		WHERE task_name = ?`,
		taskName, string(status), fmtTime(time.Now()), taskName)
}

// FinishRun records the terminal status and wall-clock duration of a run.
func (s *TaskStore) FinishRun(taskName string, status TaskStatus, duration time.Duration) error {
	return s.exec(`
		UPDATE task_executions SET status = ?, run_duration_ms = ?, updated_at = ?
		WHERE task_name = ?`,
		taskName, string(status), duration.Milliseconds(), fmtTime(time.Now()), taskName)
}

// SetRetryCount sets the attempt counter on the execution.
func (s *TaskStore) SetRetryCount(taskName string, n int) error {
	return s.exec(`
		UPDATE task_executions SET retry_count = ?, updated_at = ?
		WHERE task_name = ?`,
		taskName, n, fmtTime(time.Now()), taskName)
}

// MarkManualRun flags the execution as operator-initiated.
func (s *TaskStore) MarkManualRun(taskName, runAccount string) error {
	return s.exec(`
		UPDATE task_executions SET manually_run = 1, run_account = ?, updated_at = ?
		WHERE task_name = ?`,
		taskName, runAccount, fmtTime(time.Now()), taskName)
}

// SoftDelete hides the execution without removing the row; superseded and
// auto-dropped executions keep their history this way.
func (s *TaskStore) SoftDelete(taskName string) error {
	return s.exec(`
		UPDATE task_executions SET soft_delete = 1, updated_at = ?
		WHERE task_name = ?`,
		taskName, fmtTime(time.Now()), taskName)
}

// NextPendingTasks returns the job's future, not-yet-run executions after the
// given run date, oldest first.
func (s *TaskStore) NextPendingTasks(jobID string, after time.Time) ([]*TaskExecution, error) {
	rows, err := s.db.Query(`
		SELECT `+taskSelectColumns+`
		FROM task_executions
		WHERE job_id = ?
		  AND run_date > ?
		  AND soft_delete = 0
		  AND status = ?
		ORDER BY run_date ASC`,
		jobID, fmtTime(after), string(StatusCreated))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list pending tasks for job %s", jobID)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// LatestRunTask returns the job's execution with the greatest run_date.
// Ordering is by scheduled run date, not creation order, so a manual run
// scheduled in the past does not displace the newest occurrence.
func (s *TaskStore) LatestRunTask(jobID string) (*TaskExecution, error) {
	row := s.db.QueryRow(`
		SELECT `+taskSelectColumns+`
		FROM task_executions
		WHERE job_id = ? AND soft_delete = 0 AND already_run = 1
		ORDER BY run_date DESC
		LIMIT 1`,
		jobID)

	task, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "no executions for job %s", jobID)
		}
		return nil, errors.Wrapf(err, "failed to get latest run for job %s", jobID)
	}
	return task, nil
}

// ListRunning returns all executions currently in RUNNING state.
func (s *TaskStore) ListRunning() ([]*TaskExecution, error) {
	rows, err := s.db.Query(`
		SELECT `+taskSelectColumns+`
		FROM task_executions
		WHERE status = ? AND soft_delete = 0
		ORDER BY run_date ASC`,
		string(StatusRunning))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running tasks")
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (s *TaskStore) exec(query, taskName string, args ...interface{}) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update task execution %s", taskName)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "task execution %s", taskName)
	}
	return nil
}

func scanTask(scan scanFunc) (*TaskExecution, error) {
	var task TaskExecution
	var runDate, createdAt, updatedAt, status string
	var executionID sql.NullString
	var runDurationMS sql.NullInt64
	var alreadyRun, manuallyRun, softDelete int

	err := scan(
		&task.ID, &task.TaskName, &task.JobID, &runDate, &executionID, &status,
		&task.RetryCount, &alreadyRun, &manuallyRun, &task.RunAccount,
		&runDurationMS, &softDelete, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = TaskStatus(status)
	task.AlreadyRun = alreadyRun != 0
	task.ManuallyRun = manuallyRun != 0
	task.SoftDelete = softDelete != 0

	if executionID.Valid {
		task.ExecutionID = executionID.String
	}
	if runDurationMS.Valid {
		task.RunDurationMS = runDurationMS.Int64
	}

	if task.RunDate, err = parseTime(runDate, "run_date"); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(createdAt, "created_at"); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt, "updated_at"); err != nil {
		return nil, err
	}

	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*TaskExecution, error) {
	var tasks []*TaskExecution
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task execution row")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
