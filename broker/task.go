// Package broker is the at-least-once task queue backing batchd: named
// queues, per-entry ETAs, and a native fan-out/join primitive
// (group-then-callback) over the shared SQLite database.
package broker

import (
	"encoding/json"
	"time"
)

// TaskState is the broker-side state of a queued task.
type TaskState string

const (
	StateQueued    TaskState = "queued"
	StateRunning   TaskState = "running"
	StateSucceeded TaskState = "succeeded"
	StateFailed    TaskState = "failed"
	StateRevoked   TaskState = "revoked"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRevoked:
		return true
	default:
		return false
	}
}

// HeaderTriggerName carries the trigger name that materialized a task, so
// the scheduler can peek queues and skip re-materializing work already
// enqueued.
const HeaderTriggerName = "trigger_name"

// HeaderGroupID carries the fan-out group id into the join callback.
const HeaderGroupID = "group_id"

// Task is one broker queue entry.
type Task struct {
	ID          string            `json:"id"`
	Queue       string            `json:"queue"`
	TaskTarget  string            `json:"task_target"`
	Args        json.RawMessage   `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RunAt       time.Time         `json:"run_at"` // ETA; the broker fires at/after this time
	State       TaskState         `json:"status"`
	GroupID     string            `json:"group_id,omitempty"`
	ParentID    string            `json:"parent_id,omitempty"`
	RetryCount  int               `json:"retry_count"`
	Result      string            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// TriggerName returns the trigger name header, if set.
func (t *Task) TriggerName() string {
	return t.Headers[HeaderTriggerName]
}

// Group is one fan-out/join group: when all Total member tasks reach a
// terminal state, the callback task is enqueued exactly once.
type Group struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Total          int             `json:"total"`
	Terminal       int             `json:"terminal"`
	CallbackTarget string          `json:"callback_target"`
	CallbackArgs   json.RawMessage `json:"callback_args,omitempty"`
	Fired          bool            `json:"fired"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
