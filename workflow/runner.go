package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"batchd/batch"
	"batchd/broker"
	"batchd/config"
	"batchd/errors"
	"batchd/internal/util"
	"batchd/lifecycle"
	"batchd/logger"
	"batchd/marker"
	"batchd/report"
	"batchd/rrule"
)

const (
	// TargetWorkflowRun starts one workflow execution.
	TargetWorkflowRun = "workflow.run"
	// TargetWorkflowJoin is the fan-out group callback deciding cascade vs
	// advance.
	TargetWorkflowJoin = "workflow.join"
)

// RunWorkflowArgs is the broker payload for TargetWorkflowRun.
type RunWorkflowArgs struct {
	WorkflowID string `json:"workflow_id"`
	StartTime  string `json:"start_time,omitempty"` // RFC3339
}

// JoinArgs is the broker payload for TargetWorkflowJoin. Remaining carries
// the not-yet-dispatched priority groups as job id lists.
type JoinArgs struct {
	WorkflowID    string     `json:"workflow_id"`
	WorkflowRunID int64      `json:"workflow_run_id"`
	Remaining     [][]string `json:"remaining,omitempty"`
	IgnoreResult  bool       `json:"ignore_result"`
}

// Runner orchestrates workflow executions: priority-group computation at
// start, fan-out through the broker's group primitive, and the join that
// cascades failure or advances to the next group.
type Runner struct {
	jobs      *batch.JobStore
	workflows *batch.WorkflowStore
	triggers  *batch.TriggerStore
	workers   *batch.WorkerStateStore
	queue     *broker.Queue
	reports   *report.Client
	markers   *marker.Store
	cfg       config.WorkflowConfig

	log *zap.SugaredLogger
	now func() time.Time
}

// NewRunner wires a workflow runner against the shared database.
func NewRunner(conn *sql.DB, queue *broker.Queue, reports *report.Client, markers *marker.Store, cfg config.WorkflowConfig) *Runner {
	return &Runner{
		jobs:      batch.NewJobStore(conn),
		workflows: batch.NewWorkflowStore(conn),
		triggers:  batch.NewTriggerStore(conn),
		workers:   batch.NewWorkerStateStore(conn),
		queue:     queue,
		reports:   reports,
		markers:   markers,
		cfg:       cfg,
		log:       logger.Named("workflow"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleRun is the broker handler for TargetWorkflowRun: it recomputes the
// execution order from current job state, opens a WorkflowRun, fans out the
// first priority group, and always re-arms the workflow's next occurrence.
func (r *Runner) HandleRun(ctx context.Context, bt *broker.Task) error {
	var args RunWorkflowArgs
	if err := json.Unmarshal(bt.Args, &args); err != nil {
		return errors.Wrap(err, "failed to decode workflow run args")
	}

	wf, err := r.workflows.GetWorkflow(args.WorkflowID)
	if err != nil {
		return err
	}

	// The consumed trigger is spent; disable it so the materializer's
	// cooldown check sees this occurrence as handled.
	if name := bt.TriggerName(); name != "" {
		if disableErr := r.triggers.Disable(name); disableErr != nil && !errors.IsNotFoundError(disableErr) {
			r.log.Warnw("failed to disable consumed trigger", "trigger_name", name, "error", disableErr)
		}
	}

	startTime := bt.RunAt
	if args.StartTime != "" {
		if parsed, parseErr := time.Parse(time.RFC3339, args.StartTime); parseErr == nil {
			startTime = parsed
		}
	}
	if startTime.IsZero() {
		startTime = r.now()
	}

	if err := r.workflows.SetLastRunDate(wf.ID, startTime); err != nil {
		r.log.Warnw("failed to record workflow last run date", "workflow_id", wf.ID, "error", err)
	}

	order := r.executionOrder(wf, startTime)

	// The next occurrence is armed no matter how this invocation ends.
	defer r.scheduleNextFlow(ctx, wf, startTime, len(order) > 0)

	if len(order) == 0 {
		r.log.Infow("no eligible jobs, workflow skipped", "workflow_id", wf.ID)
		if err := r.workflows.SetLatestStatus(wf.ID, batch.RunStatusSkipped); err != nil {
			r.log.Warnw("failed to record workflow skip", "workflow_id", wf.ID, "error", err)
		}
		return nil
	}

	runID, err := r.workflows.CreateRun(wf.ID, startTime)
	if err != nil {
		return err
	}
	r.reports.CreateWorkflowRun(ctx, &report.WorkflowRunBody{
		WorkflowRunID: strconv.FormatInt(runID, 10),
		WorkflowID:    wf.ID,
		Status:        string(batch.RunStatusRunning),
		StartDate:     report.EpochMillis(startTime),
	})

	if err := r.markers.Write(strconv.FormatInt(runID, 10), map[string]string{
		marker.KeyWorkflowID:    wf.ID,
		marker.KeyWorkflowRunID: strconv.FormatInt(runID, 10),
	}); err != nil {
		r.log.Errorw("failed to write workflow marker", "workflow_run_id", runID, "error", err)
	}

	r.log.Infow("workflow run started",
		"workflow_id", wf.ID,
		"workflow_run_id", runID,
		"priority_groups", len(order),
	)
	return r.dispatchGroup(wf, runID, order, startTime)
}

// executionOrder filters the workflow's members down to currently-eligible
// jobs and plans their priority groups. A single job's validation failure
// drops that job with a log line, never the whole run.
func (r *Runner) executionOrder(wf *batch.Workflow, startTime time.Time) [][]batch.Job {
	members, err := r.jobs.ListWorkflowJobs(wf.ID)
	if err != nil {
		r.log.Errorw("failed to list workflow jobs", "workflow_id", wf.ID, "error", err)
		return nil
	}

	workerStart, err := r.workers.StartTime(wf.QueueName)
	if err != nil {
		r.log.Warnw("failed to read worker start time", "queue", wf.QueueName, "error", err)
		workerStart = nil
	}

	planner := NewPlanner(r.cfg)
	for _, job := range members {
		if job.Retired(startTime) {
			continue
		}
		if !job.Restartable && workerStart != nil && workerStart.After(startTime) {
			continue
		}
		if err := planner.AddJob(*job); err != nil {
			r.log.Warnw("dropping invalid workflow member", "job_id", job.ID, "error", err)
		}
	}
	return planner.ExecutionOrder()
}

// dispatchGroup fans out the first group through the broker's join
// primitive, registering the join callback with the remaining groups.
func (r *Runner) dispatchGroup(wf *batch.Workflow, runID int64, groups [][]batch.Job, groupStart time.Time) error {
	group := groups[0]

	ignoreResult := true
	members := make([]*broker.Task, 0, len(group))
	for _, job := range group {
		ignoreResult = ignoreResult && job.IgnoreResult

		taskName := uuid.NewString()
		args, err := json.Marshal(lifecycle.RunArgs{
			JobID:         job.ID,
			TaskName:      taskName,
			RunAccount:    job.RunAccount,
			WorkflowRunID: runID,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to encode run args for job %s", job.ID)
		}

		queueName := job.QueueName
		if queueName == "" {
			queueName = wf.QueueName
		}
		members = append(members, &broker.Task{
			Queue:      queueName,
			TaskTarget: lifecycle.TargetJobRun,
			Args:       args,
			RunAt:      groupStart.Add(job.WorkflowDelay()),
			Headers:    map[string]string{broker.HeaderTriggerName: taskName},
		})
	}

	remaining := make([][]string, 0, len(groups)-1)
	for _, g := range groups[1:] {
		ids := make([]string, len(g))
		for i, job := range g {
			ids[i] = job.ID
		}
		remaining = append(remaining, ids)
	}

	joinArgs, err := json.Marshal(JoinArgs{
		WorkflowID:    wf.ID,
		WorkflowRunID: runID,
		Remaining:     remaining,
		IgnoreResult:  ignoreResult,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode join args")
	}

	groupID, err := r.queue.EnqueueGroup(wf.QueueName, members, TargetWorkflowJoin, joinArgs)
	if err != nil {
		return err
	}
	r.log.Infow("priority group dispatched",
		"workflow_id", wf.ID,
		"workflow_run_id", runID,
		"group_id", groupID,
		"jobs", len(group),
		"remaining_groups", len(remaining),
	)
	return nil
}

// HandleJoin is the broker handler for TargetWorkflowJoin: it inspects the
// finished group's outcomes and either cascades failure, dispatches the next
// group, or closes the run.
func (r *Runner) HandleJoin(ctx context.Context, bt *broker.Task) error {
	var args JoinArgs
	if err := json.Unmarshal(bt.Args, &args); err != nil {
		return errors.Wrap(err, "failed to decode join args")
	}

	failed := false
	groupID := bt.Headers[broker.HeaderGroupID]
	if groupID != "" {
		members, err := r.queue.Store().ListGroupTasks(groupID)
		if err != nil {
			return err
		}
		for _, member := range members {
			if member.State == broker.StateFailed || member.State == broker.StateRevoked {
				failed = true
				break
			}
		}
	}

	if failed && !args.IgnoreResult {
		r.log.Infow("priority group failed, cascading",
			"workflow_id", args.WorkflowID,
			"workflow_run_id", args.WorkflowRunID,
		)
		return r.closeRun(ctx, args.WorkflowID, args.WorkflowRunID, batch.RunStatusFailed)
	}

	if len(args.Remaining) > 0 {
		wf, err := r.workflows.GetWorkflow(args.WorkflowID)
		if err != nil {
			return err
		}
		groups, err := r.resolveGroups(args.Remaining)
		if err != nil {
			return err
		}
		if len(groups) > 0 {
			return r.dispatchGroup(wf, args.WorkflowRunID, groups, r.now())
		}
		// Every remaining member vanished mid-run; the groups that did run
		// are in, so the run closes rather than hang RUNNING.
		r.log.Warnw("remaining workflow members vanished, closing run",
			"workflow_id", args.WorkflowID,
			"workflow_run_id", args.WorkflowRunID,
		)
	}

	return r.closeRun(ctx, args.WorkflowID, args.WorkflowRunID, batch.RunStatusSuccess)
}

// resolveGroups loads the jobs behind the remaining group id lists, dropping
// ids that have vanished since the run started. All groups emptying out is
// not an error; the caller closes the run.
func (r *Runner) resolveGroups(remaining [][]string) ([][]batch.Job, error) {
	groups := make([][]batch.Job, 0, len(remaining))
	for _, ids := range remaining {
		group := make([]batch.Job, 0, len(ids))
		for _, id := range ids {
			job, err := r.jobs.GetJob(id)
			if err != nil {
				if errors.IsNotFoundError(err) {
					r.log.Warnw("workflow member vanished mid-run", "job_id", id)
					continue
				}
				return nil, err
			}
			group = append(group, *job)
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// closeRun finalizes the WorkflowRun exactly once; only the closing winner
// reports and removes the marker, so a duplicated join callback is harmless.
func (r *Runner) closeRun(ctx context.Context, workflowID string, runID int64, status batch.RunStatus) error {
	end := r.now()
	won, err := r.workflows.CloseRun(runID, status, end)
	if err != nil {
		return err
	}
	if !won {
		r.log.Debugw("workflow run already closed", "workflow_run_id", runID)
		return nil
	}

	if err := r.workflows.SetLatestStatus(workflowID, status); err != nil {
		r.log.Warnw("failed to record workflow status", "workflow_id", workflowID, "error", err)
	}

	r.reports.UpdateWorkflowStatus(ctx, &report.WorkflowStatusBody{
		WorkflowID: workflowID,
		Status:     string(status),
	})
	r.reports.UpdateWorkflowRun(ctx, &report.WorkflowRunBody{
		WorkflowRunID: strconv.FormatInt(runID, 10),
		Status:        string(status),
		EndDate:       report.EpochMillis(end),
	})

	if err := r.markers.Remove(strconv.FormatInt(runID, 10)); err != nil {
		r.log.Warnw("failed to remove workflow marker", "workflow_run_id", runID, "error", err)
	}

	r.log.Infow("workflow run closed",
		"workflow_id", workflowID,
		"workflow_run_id", runID,
		"status", status,
	)
	return nil
}

// scheduleNextFlow arms the workflow's next occurrence: a trigger row plus a
// broker entry at its ETA, and the persisted next_run_date.
func (r *Runner) scheduleNextFlow(ctx context.Context, wf *batch.Workflow, lastRun time.Time, hadOrders bool) {
	next, err := rrule.Next(wf.RepeatInterval, wf.StartDate, nil, false, 0, 0, wf.Timezone, r.now(), false)
	if err != nil {
		r.log.Errorw("failed to compute next workflow occurrence", "workflow_id", wf.ID, "error", err)
		return
	}
	if next == nil {
		if err := r.workflows.SetNextRunDate(wf.ID, nil); err != nil {
			r.log.Warnw("failed to clear workflow next run date", "workflow_id", wf.ID, "error", err)
		}
		return
	}

	args, err := json.Marshal(RunWorkflowArgs{
		WorkflowID: wf.ID,
		StartTime:  next.UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.log.Errorw("failed to encode workflow trigger args", "workflow_id", wf.ID, "error", err)
		return
	}

	triggerName := uuid.NewString()
	if err := r.triggers.CreateTrigger(&batch.Trigger{
		Name:        triggerName,
		TaskTarget:  TargetWorkflowRun,
		ETA:         *next,
		Queue:       wf.QueueName,
		Args:        string(args),
		Enabled:     true,
		Description: wf.ID,
	}); err != nil {
		r.log.Errorw("failed to create workflow trigger", "workflow_id", wf.ID, "error", err)
		return
	}
	if _, err := r.queue.Enqueue(&broker.Task{
		Queue:      wf.QueueName,
		TaskTarget: TargetWorkflowRun,
		Args:       args,
		RunAt:      *next,
		Headers:    map[string]string{broker.HeaderTriggerName: triggerName},
	}); err != nil {
		r.log.Errorw("failed to enqueue workflow trigger", "workflow_id", wf.ID, "error", err)
		return
	}

	if err := r.workflows.SetNextRunDate(wf.ID, next); err != nil {
		r.log.Warnw("failed to persist workflow next run date", "workflow_id", wf.ID, "error", err)
	}

	body := &report.WorkflowStatusBody{WorkflowID: wf.ID}
	if hadOrders {
		body.LastRunDate = report.EpochMillis(lastRun)
		body.NextRunDate = util.Ptr(next.UnixMilli())
	}
	r.reports.UpdateWorkflowStatus(ctx, body)
}
