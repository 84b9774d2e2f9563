// Package recovery replays durable local markers at worker start. A marker
// still on disk means the previous process died between claiming work and
// delivering its final report, so each one yields exactly one synthesized
// FAILED report before the marker is deleted.
package recovery

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"go.uber.org/zap"

	"batchd/batch"
	"batchd/logger"
	"batchd/marker"
	"batchd/report"
)

const crashMessage = "worker terminated before the execution finished"

// Sweeper scans the task- and workflow-marker directories and reports every
// execution the previous process left unterminated.
type Sweeper struct {
	jobs      *batch.JobStore
	tasks     *batch.TaskStore
	workflows *batch.WorkflowStore
	reports   *report.Client

	taskMarkers     *marker.Store
	workflowMarkers *marker.Store

	log *zap.SugaredLogger
	now func() time.Time
}

// New builds a sweeper over the shared database and marker directories.
func New(conn *sql.DB, reports *report.Client, taskMarkers, workflowMarkers *marker.Store) *Sweeper {
	return &Sweeper{
		jobs:            batch.NewJobStore(conn),
		tasks:           batch.NewTaskStore(conn),
		workflows:       batch.NewWorkflowStore(conn),
		reports:         reports,
		taskMarkers:     taskMarkers,
		workflowMarkers: workflowMarkers,
		log:             logger.Named("recovery"),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs the recovery pass: task markers first, then workflow markers not
// already resolved through a task marker's workflow reference. Markers are
// deleted after a best-effort report regardless of delivery, so a dead
// execution is never reported twice.
func (s *Sweeper) Sweep(ctx context.Context) {
	resolvedRuns := make(map[int64]bool)

	ids, err := s.taskMarkers.List()
	if err != nil {
		s.log.Errorw("failed to list task markers", "error", err)
	}
	for _, id := range ids {
		values, err := s.taskMarkers.Read(id)
		if err != nil {
			s.log.Errorw("unreadable task marker, dropping", "execution_id", id, "error", err)
		} else {
			s.reportDeadExecution(ctx, id, values)
			if runID := parseRunID(values[marker.KeyWorkflowRunID]); runID != 0 && !resolvedRuns[runID] {
				s.failWorkflowRun(ctx, values[marker.KeyWorkflowID], runID)
				resolvedRuns[runID] = true
			}
		}
		if err := s.taskMarkers.Remove(id); err != nil {
			s.log.Warnw("failed to remove task marker", "execution_id", id, "error", err)
		}
	}

	wfIDs, err := s.workflowMarkers.List()
	if err != nil {
		s.log.Errorw("failed to list workflow markers", "error", err)
	}
	for _, id := range wfIDs {
		values, err := s.workflowMarkers.Read(id)
		if err != nil {
			s.log.Errorw("unreadable workflow marker, dropping", "marker_id", id, "error", err)
		} else {
			runID := parseRunID(values[marker.KeyWorkflowRunID])
			if runID == 0 {
				runID = parseRunID(id)
			}
			if runID != 0 && !resolvedRuns[runID] {
				s.failWorkflowRun(ctx, values[marker.KeyWorkflowID], runID)
				resolvedRuns[runID] = true
			}
		}
		if err := s.workflowMarkers.Remove(id); err != nil {
			s.log.Warnw("failed to remove workflow marker", "marker_id", id, "error", err)
		}
	}

	if len(ids) > 0 || len(wfIDs) > 0 {
		s.log.Infow("crash recovery pass finished",
			"task_markers", len(ids),
			"workflow_markers", len(wfIDs),
		)
	}
}

// reportDeadExecution synthesizes the FAILED report for one unterminated
// execution and marks its local row failed so a broker redelivery no-ops.
func (s *Sweeper) reportDeadExecution(ctx context.Context, execID string, values map[string]string) {
	jobID := values[marker.KeyJobID]
	taskName := values[marker.KeyTaskName]

	body := &report.LogBody{
		JobID:         jobID,
		UserName:      values[marker.KeyRunAccount],
		TaskName:      taskName,
		Operation:     string(batch.OperationFailed),
		Status:        string(batch.StatusFailure),
		Errors:        crashMessage,
		ActualEndDate: report.EpochMillis(s.now()),
		WorkflowRunID: values[marker.KeyWorkflowRunID],
		LogID:         parseRunID(values[marker.KeyLogID]),
	}

	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		s.log.Warnw("job behind marker not loadable", "job_id", jobID, "execution_id", execID, "error", err)
	} else {
		body.RunCount = job.RunCount
		body.FailureCount = job.FailureCount
		body.JobRetryCount = job.RetryCount
		body.WorkflowPriority = job.Priority
		if !job.RunForever && job.MaxRun > 0 && job.RunCount >= job.MaxRun {
			body.Operation = string(batch.OperationBroken)
		}
	}

	var delivered bool
	if body.LogID != 0 {
		delivered = s.reports.UpdateLog(ctx, body)
	} else {
		_, delivered = s.reports.CreateLog(ctx, body)
	}
	if !delivered {
		s.log.Warnw("crash report not delivered", "execution_id", execID, "job_id", jobID)
	}

	if taskName != "" {
		if err := s.tasks.UpdateStatus(taskName, batch.StatusFailure); err != nil {
			s.log.Warnw("failed to fail local execution row", "task_name", taskName, "error", err)
		}
	}
	if jobID != "" {
		if err := s.jobs.SetLastStatus(jobID, batch.StatusFailure); err != nil {
			s.log.Warnw("failed to stamp job last status", "job_id", jobID, "error", err)
		}
	}

	s.log.Infow("recovered dead execution",
		"execution_id", execID,
		"job_id", jobID,
		"task_name", taskName,
		"operation", body.Operation,
	)
}

// failWorkflowRun closes an orphaned workflow run as FAILED. CloseRun's
// conditional update keeps this single-shot against a late join callback.
func (s *Sweeper) failWorkflowRun(ctx context.Context, workflowID string, runID int64) {
	if workflowID == "" {
		run, err := s.workflows.GetRun(runID)
		if err != nil {
			s.log.Warnw("workflow run behind marker not loadable", "workflow_run_id", runID, "error", err)
			return
		}
		workflowID = run.WorkflowID
	}

	won, err := s.workflows.CloseRun(runID, batch.RunStatusFailed, s.now())
	if err != nil {
		s.log.Errorw("failed to close orphaned workflow run", "workflow_run_id", runID, "error", err)
		return
	}
	if !won {
		return
	}

	if err := s.workflows.SetLatestStatus(workflowID, batch.RunStatusFailed); err != nil {
		s.log.Warnw("failed to stamp workflow status", "workflow_id", workflowID, "error", err)
	}

	s.reports.UpdateWorkflowStatus(ctx, &report.WorkflowStatusBody{
		WorkflowID: workflowID,
		Status:     string(batch.RunStatusFailed),
	})
	s.reports.UpdateWorkflowRun(ctx, &report.WorkflowRunBody{
		WorkflowRunID: strconv.FormatInt(runID, 10),
		Status:        string(batch.RunStatusFailed),
		EndDate:       report.EpochMillis(s.now()),
	})

	s.log.Infow("recovered orphaned workflow run",
		"workflow_id", workflowID,
		"workflow_run_id", runID,
	)
}

func parseRunID(raw string) int64 {
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
