package report

import (
	"regexp"
	"strings"
	"time"
)

// LogBody is the payload for /logs/create and /logs/update. Counter fields are
// always sent; everything else is omitted when unset so updates only touch the
// fields the caller filled in.
type LogBody struct {
	JobID            string `json:"job_id"`
	UserName         string `json:"user_name,omitempty"`
	TaskName         string `json:"task_name"`
	Operation        string `json:"operation,omitempty"`
	Status           string `json:"status,omitempty"`
	RunCount         int    `json:"run_count"`
	FailureCount     int    `json:"failure_count"`
	RetryCount       int    `json:"retry_count"`
	JobRetryCount    int    `json:"job_retry_count"`
	ErrorNo          *int   `json:"error_no,omitempty"`
	Errors           string `json:"errors,omitempty"`
	Output           string `json:"output,omitempty"`
	RunDuration      string `json:"run_duration,omitempty"`
	WorkflowPriority int    `json:"workflow_priority,omitempty"`
	WorkflowRunID    string `json:"workflow_run_id,omitempty"`
	LogID            int64  `json:"log_id,omitempty"`
	ReqStartDate     int64  `json:"req_start_date,omitempty"`
	ActualStartDate  int64  `json:"actual_start_date,omitempty"`
	ActualEndDate    int64  `json:"actual_end_date,omitempty"`
	NextRunDate      *int64 `json:"next_run_date,omitempty"`
	BatchType        string `json:"batch_type,omitempty"`
	AdditionalInfo   string `json:"additional_info,omitempty"`
}

// BatchTypeManual marks log entries produced by manually triggered runs.
const BatchTypeManual = "Manual"

// WorkflowStatusBody is the payload for /workflow/update_status.
type WorkflowStatusBody struct {
	WorkflowID   string `json:"workflow_id"`
	Status       string `json:"status"`
	LastRunDate  int64  `json:"last_run_date,omitempty"`
	NextRunDate  *int64 `json:"next_run_date,omitempty"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

// WorkflowRunBody is the payload for /workflow/run/create and
// /workflow/run/update.
type WorkflowRunBody struct {
	WorkflowRunID string `json:"workflow_run_id"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	Status        string `json:"status"`
	StartDate     int64  `json:"start_date,omitempty"`
	EndDate       int64  `json:"end_date,omitempty"`
}

// EpochMillis converts a time to the epoch-milliseconds representation the
// report API expects. Zero time maps to 0, which the JSON encoder omits.
func EpochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

var parenGroup = regexp.MustCompile(`\((.*)\)`)

// ExtractErrorMessage strips wrapper noise like Exception(...) from an error
// string, recursing to the innermost parenthesised content.
func ExtractErrorMessage(s string) string {
	match := parenGroup.FindStringSubmatch(s)
	if match == nil {
		return strings.TrimSpace(s)
	}
	inner := match[1]
	if strings.Contains(inner, "(") && strings.Contains(inner, ")") {
		return ExtractErrorMessage(inner)
	}
	return strings.TrimSpace(inner)
}
