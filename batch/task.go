package batch

import (
	"fmt"
	"time"
)

// TaskStatus is the state of one task execution.
type TaskStatus string

const (
	StatusCreated   TaskStatus = "CREATED"
	StatusRunning   TaskStatus = "RUNNING"
	StatusSuccess   TaskStatus = "SUCCESS"
	StatusFailure   TaskStatus = "FAILURE"
	StatusSkipped   TaskStatus = "SKIPPED"
	StatusCancelled TaskStatus = "CANCELLED"
	StatusStopped   TaskStatus = "STOPPED"
)

// IsValidTaskStatus returns true if s is a known task status.
func IsValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case StatusCreated, StatusRunning, StatusSuccess, StatusFailure,
		StatusSkipped, StatusCancelled, StatusStopped:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the execution. FAILURE counts as
// terminal here; the lifecycle decides separately whether a retry follows.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusSkipped, StatusCancelled, StatusStopped:
		return true
	default:
		return false
	}
}

// TaskExecution is one concrete run instance of a Job, created when its
// trigger is materialized.
type TaskExecution struct {
	ID            int64      `json:"id"`
	TaskName      string     `json:"task_name"` // unique trigger identifier
	JobID         string     `json:"job_id"`
	RunDate       time.Time  `json:"run_date"`
	ExecutionID   string     `json:"execution_id,omitempty"` // broker task id, set at dispatch
	Status        TaskStatus `json:"status"`
	RetryCount    int        `json:"retry_count"`
	AlreadyRun    bool       `json:"already_run"`
	ManuallyRun   bool       `json:"manually_run"`
	RunAccount    string     `json:"run_account,omitempty"`
	RunDurationMS int64      `json:"run_duration_ms,omitempty"`
	SoftDelete    bool       `json:"soft_delete"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskName builds the unique trigger identifier for a job occurrence.
func TaskName(jobID string, runDate time.Time) string {
	return fmt.Sprintf("%s_%s", jobID, runDate.UTC().Format("20060102150405"))
}

// AttemptName is the log-correlation name for one attempt of an execution,
// suffix distinguishing retries.
func (t *TaskExecution) AttemptName() string {
	return fmt.Sprintf("%s_%d", t.TaskName, t.RetryCount)
}
