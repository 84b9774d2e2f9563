// Package batch holds the scheduling record store: jobs, task executions,
// workflows, workflow runs, and triggers, persisted in the shared SQLite
// database.
package batch

import (
	"encoding/json"
	"time"
)

// ActionKind identifies what a job executes.
type ActionKind string

const (
	ActionRest    ActionKind = "rest"
	ActionCommand ActionKind = "command"
)

// RestAction is the JSON action payload for ActionRest jobs.
type RestAction struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// CommandAction is the JSON action payload for ActionCommand jobs.
// The command line runs through the shell.
type CommandAction struct {
	Command string `json:"command"`
	WorkDir string `json:"work_dir,omitempty"`
}

// Operation classifies a job's most recent scheduling outcome.
type Operation string

const (
	OperationRun       Operation = "RUN"       // next occurrence scheduled
	OperationRetryRun  Operation = "RETRY_RUN" // retry scheduled after failure
	OperationCompleted Operation = "COMPLETED" // run limit reached cleanly
	OperationBroken    Operation = "BROKEN"    // retries exhausted at run limit
	OperationFailed    Operation = "FAILED"    // terminal failure, more runs remain
)

// Job is a recurring or one-off batch job definition.
type Job struct {
	ID             string     `json:"job_id"`
	Name           string     `json:"job_name"`
	ActionKind     ActionKind `json:"action_kind"`
	Action         string     `json:"action"` // JSON, RestAction or CommandAction
	QueueName      string     `json:"queue_name"`
	RunAccount     string     `json:"run_account"`
	RepeatInterval string     `json:"repeat_interval"` // RFC 5545 RRULE
	Timezone       string     `json:"timezone"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`

	Enabled          bool `json:"enabled"`
	RunForever       bool `json:"run_forever"`
	AutoDrop         bool `json:"auto_drop"`
	RestartOnFailure bool `json:"restart_on_failure"`
	Restartable      bool `json:"restartable"`
	IgnoreResult     bool `json:"ignore_result"`

	MaxRun                int `json:"max_run"` // 0 = unlimited
	MaxFailure            int `json:"max_failure"`
	RetryDelaySeconds     int `json:"retry_delay_seconds"`
	MaxRunDurationSeconds int `json:"max_run_duration_seconds"`

	RunCount     int `json:"run_count"`
	FailureCount int `json:"failure_count"`
	RetryCount   int `json:"retry_count"`

	WorkflowID           string `json:"workflow_id,omitempty"`
	Priority             int    `json:"priority"`
	WorkflowDelaySeconds int    `json:"workflow_delay_seconds"`

	NextRunDate   *time.Time `json:"next_run_date,omitempty"`
	LastRunDate   *time.Time `json:"last_run_date,omitempty"`
	LastOperation Operation  `json:"last_operation,omitempty"`
	LastStatus    string     `json:"last_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Retired reports whether the job's schedule is over: it does not run forever
// and either its end date has passed or it hit its run limit.
func (j *Job) Retired(now time.Time) bool {
	if j.RunForever {
		return false
	}
	if j.EndDate != nil && j.EndDate.Before(now) {
		return true
	}
	if j.MaxRun > 0 && j.RunCount >= j.MaxRun {
		return true
	}
	return false
}

// RetryDelay returns the fixed delay between retry attempts.
func (j *Job) RetryDelay() time.Duration {
	return time.Duration(j.RetryDelaySeconds) * time.Second
}

// MaxRunDuration returns the hard wall-clock limit for a single run.
func (j *Job) MaxRunDuration() time.Duration {
	return time.Duration(j.MaxRunDurationSeconds) * time.Second
}

// WorkflowDelay returns the job's fan-out dispatch offset within its
// workflow priority group.
func (j *Job) WorkflowDelay() time.Duration {
	return time.Duration(j.WorkflowDelaySeconds) * time.Second
}

// DecodeRestAction parses the job's action payload as a REST call.
func (j *Job) DecodeRestAction() (*RestAction, error) {
	var action RestAction
	if err := json.Unmarshal([]byte(j.Action), &action); err != nil {
		return nil, err
	}
	return &action, nil
}

// DecodeCommandAction parses the job's action payload as a shell command.
func (j *Job) DecodeCommandAction() (*CommandAction, error) {
	var action CommandAction
	if err := json.Unmarshal([]byte(j.Action), &action); err != nil {
		return nil, err
	}
	return &action, nil
}
