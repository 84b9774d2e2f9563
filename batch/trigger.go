package batch

import "time"

// Trigger is a one-shot, time-keyed instruction the broker fires at/after its
// ETA. The Description field tags the owning job or workflow id so the
// materializer can find "the active trigger for X".
type Trigger struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"` // task name for jobs, uuid for workflows
	TaskTarget  string    `json:"task_target"`
	ETA         time.Time `json:"eta"`
	Queue       string    `json:"queue"`
	Args        string    `json:"args"` // JSON argument list
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description"` // owning job_id or workflow_id
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Stale reports whether the trigger is eligible for replacement: disabled and
// older than the cooldown window. Fresh triggers stay put so two scheduler
// instances racing on the same entity cannot double-create.
func (t *Trigger) Stale(now time.Time, cooldown time.Duration) bool {
	return !t.Enabled && t.ETA.Before(now.Add(-cooldown))
}
