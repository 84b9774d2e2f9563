package batch

import "time"

// RunStatus is the state of one workflow run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
	RunStatusSkipped RunStatus = "SKIPPED"
)

// Workflow groups jobs into priority-ordered stages sharing one recurrence.
type Workflow struct {
	ID             string     `json:"workflow_id"`
	Name           string     `json:"workflow_name"`
	RepeatInterval string     `json:"repeat_interval"`
	Timezone       string     `json:"timezone"`
	StartDate      time.Time  `json:"start_date"`
	QueueName      string     `json:"queue_name"`
	LatestStatus   RunStatus  `json:"latest_status,omitempty"`
	LastRunDate    *time.Time `json:"last_run_date,omitempty"`
	NextRunDate    *time.Time `json:"next_run_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// WorkflowRun is one execution instance of a workflow. It is created RUNNING
// and closed exactly once when every priority group completes or a group
// fails without being ignorable.
type WorkflowRun struct {
	ID         int64      `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Status     RunStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
