package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"batchd/batch"
	"batchd/broker"
	"batchd/errors"
	"batchd/logger"
	"batchd/marker"
	"batchd/report"
	"batchd/rrule"
)

// TargetJobRun is the broker task target for single job executions.
const TargetJobRun = "job.run"

// RunArgs is the broker payload for a job execution.
type RunArgs struct {
	JobID         string `json:"job_id"`
	TaskName      string `json:"task_name"`
	RunAccount    string `json:"run_account,omitempty"`
	ManualRun     bool   `json:"manual_run,omitempty"`
	WorkflowRunID int64  `json:"workflow_run_id,omitempty"`
}

// Runner executes job tasks delivered by the broker, driving each through the
// lifecycle state machine and interpreting its effects.
type Runner struct {
	jobs     *batch.JobStore
	tasks    *batch.TaskStore
	triggers *batch.TriggerStore
	workers  *batch.WorkerStateStore
	queue    *broker.Queue
	reports  *report.Client
	markers  *marker.Store

	queueName string
	log       *zap.SugaredLogger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRunner wires a lifecycle runner against the shared database.
func NewRunner(conn *sql.DB, queue *broker.Queue, reports *report.Client, markers *marker.Store, queueName string) *Runner {
	return &Runner{
		jobs:      batch.NewJobStore(conn),
		tasks:     batch.NewTaskStore(conn),
		triggers:  batch.NewTriggerStore(conn),
		workers:   batch.NewWorkerStateStore(conn),
		queue:     queue,
		reports:   reports,
		markers:   markers,
		queueName: queueName,
		log:       logger.Named("lifecycle"),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// execution carries the mutable context of one delivery through the effect
// interpreter, replacing ambient per-task caches with an explicit object.
type execution struct {
	job        *batch.Job
	task       *batch.TaskExecution
	args       *RunArgs
	brokerTask *broker.Task

	logID   int64
	started time.Time
	output  string
	execErr error
}

type gateOutcome int

const (
	gateProceed gateOutcome = iota
	gateSkip
	gateCancel
)

// Handle is the broker handler for TargetJobRun.
func (r *Runner) Handle(ctx context.Context, bt *broker.Task) error {
	var args RunArgs
	if err := json.Unmarshal(bt.Args, &args); err != nil {
		return errors.Wrap(err, "failed to decode job run args")
	}

	job, err := r.jobs.GetJob(args.JobID)
	if err != nil {
		return err
	}
	task, err := r.ensureTask(bt, &args)
	if err != nil {
		return err
	}

	env := &execution{job: job, task: task, args: &args, brokerTask: bt}

	if args.WorkflowRunID != 0 && !args.ManualRun {
		r.reports.UpdateWorkflowStatus(ctx, &report.WorkflowStatusBody{
			WorkflowID:   job.WorkflowID,
			Status:       string(batch.RunStatusRunning),
			CurrentJobID: job.ID,
		})
	}

	m := NewMachine(job, task)

	outcome, reason := r.gate(job, task, &args)
	if outcome != gateProceed {
		ev := Event{Kind: EventSkip, Reason: reason}
		if outcome == gateCancel {
			ev.Kind = EventCancel
		}
		_, fx, err := m.Transition(ev)
		if err != nil {
			return err
		}
		r.log.Infow("run gated off", "task_name", task.TaskName, "job_id", job.ID,
			"status", m.State(), "reason", reason)
		return r.apply(ctx, m, env, fx)
	}

	if task.Status == batch.StatusFailure && !(job.RestartOnFailure && !job.AutoDrop) {
		r.log.Infow("ignoring redelivery of terminally failed execution",
			"task_name", task.TaskName, "job_id", job.ID)
		return nil
	}

	claimed, err := r.tasks.BeginRun(task.TaskName, bt.ID)
	if err != nil {
		return err
	}
	if !claimed {
		r.log.Infow("execution already claimed, treating as duplicate delivery",
			"task_name", task.TaskName, "job_id", job.ID)
		return nil
	}
	task.ExecutionID = bt.ID
	task.AlreadyRun = true

	// The one-shot trigger behind this delivery is spent; disabling it lets
	// the materializer arm the next occurrence once the cooldown passes.
	if name := bt.TriggerName(); name != "" {
		if err := r.triggers.Disable(name); err != nil && !errors.IsNotFoundError(err) {
			r.log.Warnw("failed to disable consumed trigger", "trigger_name", name, "error", err)
		}
	}

	_, fx, err := m.Transition(Event{Kind: EventClaim})
	if err != nil {
		return err
	}
	return r.apply(ctx, m, env, fx)
}

// apply interprets machine effects in order, feeding execution outcomes back
// in as events until the effect queue drains, then performs the after-return
// bookkeeping. The returned error mirrors the terminal outcome so the broker
// (and any fan-out group) records the member correctly.
func (r *Runner) apply(ctx context.Context, m *Machine, env *execution, fx []Effect) error {
	stopped := false

	for len(fx) > 0 {
		effect := fx[0]
		fx = fx[1:]

		switch effect.Kind {
		case EffectPersistState:
			r.persistState(m, env)

		case EffectScheduleNext:
			r.scheduleNext(env)

		case EffectWriteMarker:
			r.writeMarker(env)

		case EffectReportStart:
			r.reportStart(ctx, m, env)

		case EffectExecute:
			env.started = r.now()
			env.output, env.execErr = ExecuteAction(ctx, env.job)

			if r.revoked(env) {
				_, next, err := m.Transition(Event{Kind: EventRevoke})
				if err != nil {
					return err
				}
				fx = next
				stopped = true
				continue
			}

			ev := Event{Kind: EventSucceed}
			if env.execErr != nil {
				ev = Event{Kind: EventFail, Reason: env.execErr.Error()}
			}
			_, next, err := m.Transition(ev)
			if err != nil {
				return err
			}
			fx = append(next, fx...)

		case EffectResetRetries:
			r.resetRetries(env)

		case EffectScheduleRetry:
			if err := r.tasks.SetRetryCount(env.task.TaskName, m.Retries()); err != nil {
				r.log.Warnw("failed to persist task retry count", "error", err)
			}
			if err := r.jobs.SetRetryCount(env.job.ID, m.Retries()); err != nil {
				r.log.Warnw("failed to persist job retry count", "error", err)
			}
			env.task.RetryCount = m.Retries()
			r.log.Infow("retrying execution",
				"task_name", env.task.TaskName,
				"retry_count", m.Retries(),
				"delay", PolicyFor(env.job).Delay,
			)
			if err := r.sleep(ctx, PolicyFor(env.job).Delay); err != nil {
				return err
			}

			// Re-check eligibility against current state before the next
			// attempt: the job may have been disabled, retired, or the
			// execution revoked while the delay ran.
			if fresh, err := r.jobs.GetJob(env.job.ID); err != nil {
				r.log.Warnw("failed to refresh job before retry", "job_id", env.job.ID, "error", err)
			} else {
				env.job = fresh
			}
			if r.revoked(env) {
				_, next, err := m.Transition(Event{Kind: EventRevoke})
				if err != nil {
					return err
				}
				fx = next
				stopped = true
				continue
			}
			if !env.job.Enabled || env.job.AutoDrop {
				r.log.Infow("retry abandoned, job no longer eligible",
					"job_id", env.job.ID,
					"enabled", env.job.Enabled,
					"auto_drop", env.job.AutoDrop,
				)
				_, next, err := m.Transition(Event{Kind: EventCancel})
				if err != nil {
					return err
				}
				fx = append(next, fx...)
				continue
			}

			_, next, err := m.Transition(Event{Kind: EventClaim})
			if err != nil {
				return err
			}
			fx = append(next, fx...)

		case EffectRecordFailure:
			if err := r.jobs.IncrementFailureCount(env.job.ID); err != nil {
				r.log.Warnw("failed to record job failure", "job_id", env.job.ID, "error", err)
			}
			env.job.FailureCount++

		case EffectReportResult:
			r.reportResult(ctx, m, env)

		case EffectRemoveMarker:
			if err := r.markers.Remove(env.brokerTask.ID); err != nil {
				r.log.Warnw("failed to remove marker", "execution_id", env.brokerTask.ID, "error", err)
			}
		}
	}

	if stopped {
		// Externally revoked: no after-return, no retry, no error upward.
		r.log.Infow("execution stopped by revoke", "task_name", env.task.TaskName)
		return nil
	}
	if m.State() == batch.StatusSkipped || m.State() == batch.StatusCancelled {
		// Gated off before any work started; nothing to classify or drop.
		return nil
	}

	r.afterReturn(ctx, m, env)

	if m.State() == batch.StatusFailure {
		return env.execErr
	}
	return nil
}

// ensureTask loads the execution row, creating it on the fly for workflow
// members and manual runs whose placeholder was never materialized.
func (r *Runner) ensureTask(bt *broker.Task, args *RunArgs) (*batch.TaskExecution, error) {
	task, err := r.tasks.GetTaskByName(args.TaskName)
	if err == nil {
		// A manual dispatch aimed at an already-materialized placeholder
		// stamps it manual so the gate bypass and Manual batch type apply.
		if args.ManualRun && !task.ManuallyRun {
			if merr := r.tasks.MarkManualRun(task.TaskName, args.RunAccount); merr != nil {
				r.log.Warnw("failed to stamp manual run", "task_name", task.TaskName, "error", merr)
			} else {
				task.ManuallyRun = true
				task.RunAccount = args.RunAccount
			}
		}
		return task, nil
	}
	if !errors.IsNotFoundError(err) || (args.WorkflowRunID == 0 && !args.ManualRun) {
		return nil, err
	}

	task = &batch.TaskExecution{
		TaskName:    args.TaskName,
		JobID:       args.JobID,
		RunDate:     bt.RunAt,
		ExecutionID: bt.ID,
		ManuallyRun: args.ManualRun,
		RunAccount:  args.RunAccount,
	}
	if err := r.tasks.CreateTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// gate decides whether this delivery may run at all. Manual runs bypass the
// skip conditions but not the run-limit cancel.
func (r *Runner) gate(job *batch.Job, task *batch.TaskExecution, args *RunArgs) (gateOutcome, string) {
	if !args.ManualRun {
		if job.WorkflowID != "" && args.WorkflowRunID == 0 {
			return gateSkip, "workflow member delivered outside a workflow run"
		}
		if !job.Enabled {
			return gateSkip, "job disabled"
		}
		if !job.Restartable {
			start, err := r.workers.StartTime(r.queueName)
			if err != nil {
				r.log.Warnw("failed to read worker start time", "queue", r.queueName, "error", err)
			} else if start != nil && start.After(task.RunDate) {
				return gateSkip, "scheduled before worker start and job is not restartable"
			}
		}
	}

	if job.MaxRun > 0 && !job.RunForever && job.RunCount >= job.MaxRun && task.RetryCount == 0 {
		return gateCancel, "run limit reached"
	}
	return gateProceed, ""
}

func (r *Runner) persistState(m *Machine, env *execution) {
	state := m.State()

	var err error
	if !env.started.IsZero() && (state == batch.StatusSuccess || state == batch.StatusStopped ||
		(state == batch.StatusFailure && m.Terminal())) {
		err = r.tasks.FinishRun(env.task.TaskName, state, r.now().Sub(env.started))
	} else {
		err = r.tasks.UpdateStatus(env.task.TaskName, state)
	}
	if err != nil {
		r.log.Errorw("failed to persist execution status",
			"task_name", env.task.TaskName, "status", state, "error", err)
	}
	env.task.Status = state
}

// scheduleNext eagerly advances the job's bookkeeping before the action runs:
// run counter, last run date, and the next occurrence, so the materializer
// sees them even if this run later fails or the worker dies.
func (r *Runner) scheduleNext(env *execution) {
	if env.task.ManuallyRun {
		return
	}
	job := env.job

	if env.task.RetryCount == 0 {
		if err := r.jobs.MarkRunStarted(job.ID, env.task.RunDate); err != nil {
			r.log.Errorw("failed to mark run started", "job_id", job.ID, "error", err)
		} else {
			job.RunCount++
		}
	}

	next, err := rrule.Next(job.RepeatInterval, job.StartDate, job.EndDate,
		job.RunForever, job.RunCount, job.MaxRun, job.Timezone, r.now(), false)
	if err != nil {
		r.log.Errorw("failed to compute next occurrence", "job_id", job.ID, "error", err)
		return
	}

	op := batch.OperationRun
	if env.task.RetryCount > 0 {
		op = batch.OperationRetryRun
	}
	if err := r.jobs.UpdateNextRun(job.ID, next, op); err != nil {
		r.log.Errorw("failed to persist next run date", "job_id", job.ID, "error", err)
		return
	}
	job.NextRunDate = next
}

func (r *Runner) writeMarker(env *execution) {
	values := map[string]string{
		marker.KeyExecutionID: env.brokerTask.ID,
		marker.KeyJobID:       env.job.ID,
		marker.KeyTaskName:    env.task.TaskName,
		marker.KeyRunDate:     env.task.RunDate.UTC().Format(time.RFC3339),
		marker.KeyRunAccount:  env.task.RunAccount,
	}
	if env.job.WorkflowID != "" {
		values[marker.KeyWorkflowID] = env.job.WorkflowID
	}
	if env.args.WorkflowRunID != 0 {
		values[marker.KeyWorkflowRunID] = strconv.FormatInt(env.args.WorkflowRunID, 10)
	}
	if env.logID != 0 {
		values[marker.KeyLogID] = strconv.FormatInt(env.logID, 10)
	}
	if err := r.markers.Write(env.brokerTask.ID, values); err != nil {
		r.log.Errorw("failed to write marker", "execution_id", env.brokerTask.ID, "error", err)
	}
}

func (r *Runner) logBody(env *execution) *report.LogBody {
	body := &report.LogBody{
		JobID:            env.job.ID,
		UserName:         env.task.RunAccount,
		TaskName:         env.task.AttemptName(),
		RunCount:         env.job.RunCount,
		FailureCount:     env.job.FailureCount,
		RetryCount:       env.task.RetryCount,
		JobRetryCount:    env.job.RetryCount,
		WorkflowPriority: env.job.Priority,
		LogID:            env.logID,
	}
	if env.args.WorkflowRunID != 0 {
		body.WorkflowRunID = strconv.FormatInt(env.args.WorkflowRunID, 10)
	}
	if env.task.ManuallyRun {
		body.BatchType = report.BatchTypeManual
	}
	return body
}

func (r *Runner) reportStart(ctx context.Context, m *Machine, env *execution) {
	body := r.logBody(env)
	body.ReqStartDate = report.EpochMillis(env.task.RunDate)
	body.ActualStartDate = report.EpochMillis(r.now())

	if m.Retries() > 0 {
		body.Operation = string(batch.OperationRetryRun)
		r.reports.UpdateLog(ctx, body)
		return
	}

	body.Operation = string(batch.OperationRun)
	if logID, ok := r.reports.CreateLog(ctx, body); ok && logID != 0 {
		env.logID = logID
		// Re-stamp the marker so crash recovery can correlate the log entry.
		r.writeMarker(env)
	}
}

func (r *Runner) reportResult(ctx context.Context, m *Machine, env *execution) {
	body := r.logBody(env)
	body.Status = string(m.State())

	switch m.State() {
	case batch.StatusSuccess:
		body.Output = env.output
		body.RetryCount = 0
	case batch.StatusFailure:
		if env.execErr != nil {
			errorNo := ErrorCode(env.execErr)
			body.ErrorNo = &errorNo
			body.Errors = report.ExtractErrorMessage(env.execErr.Error())
		}
	}
	if m.Terminal() {
		body.ActualEndDate = report.EpochMillis(r.now())
	}

	r.reports.UpdateLog(ctx, body)
}

func (r *Runner) resetRetries(env *execution) {
	if err := r.tasks.SetRetryCount(env.task.TaskName, 0); err != nil {
		r.log.Warnw("failed to reset task retry count", "error", err)
	}
	if err := r.jobs.SetRetryCount(env.job.ID, 0); err != nil {
		r.log.Warnw("failed to reset job retry count", "error", err)
	}
}

func (r *Runner) revoked(env *execution) bool {
	task, err := r.queue.Store().GetTask(env.brokerTask.ID)
	if err != nil {
		return false
	}
	return task.State == broker.StateRevoked
}

// afterReturn performs the always-on post-run bookkeeping: auto-drop, the
// coarse RUN/RETRY_RUN/COMPLETED/BROKEN/FAILED classification, the final
// report, and marker cleanup.
func (r *Runner) afterReturn(ctx context.Context, m *Machine, env *execution) {
	job, err := r.jobs.GetJob(env.job.ID)
	if err != nil {
		r.log.Errorw("failed to refresh job in after-return", "job_id", env.job.ID, "error", err)
		return
	}
	task, err := r.tasks.GetTaskByName(env.task.TaskName)
	if err != nil {
		r.log.Errorw("failed to refresh execution in after-return",
			"task_name", env.task.TaskName, "error", err)
		return
	}
	env.job, env.task = job, task

	if job.AutoDrop {
		r.autoDrop(job, task)
	}

	op := r.classify(job, task, m.Retries() > 0)
	next := job.NextRunDate
	if op == batch.OperationCompleted {
		next = nil
	}
	if err := r.jobs.UpdateNextRun(job.ID, next, op); err != nil {
		r.log.Warnw("failed to record run operation", "job_id", job.ID, "error", err)
	}
	if err := r.jobs.SetLastStatus(job.ID, task.Status); err != nil {
		r.log.Warnw("failed to record last status", "job_id", job.ID, "error", err)
	}

	body := r.logBody(env)
	body.Operation = string(op)
	body.Status = string(task.Status)
	if task.Status.Terminal() {
		body.ActualEndDate = report.EpochMillis(r.now())
	}
	if task.Status == batch.StatusSuccess {
		body.RetryCount = 0
	}
	if env.execErr != nil && task.Status == batch.StatusFailure {
		body.Errors = report.ExtractErrorMessage(env.execErr.Error())
	}

	delivered := r.reports.UpdateLog(ctx, body)
	if delivered {
		if err := r.markers.Remove(env.brokerTask.ID); err != nil {
			r.log.Warnw("failed to remove marker", "execution_id", env.brokerTask.ID, "error", err)
		}
	}

	if m.Terminal() || m.State() == batch.StatusSuccess {
		r.resetRetries(env)
	}
}

// autoDrop retires the job after this run: max_run frozen at the current run
// count and every still-pending future execution cancelled.
func (r *Runner) autoDrop(job *batch.Job, task *batch.TaskExecution) {
	if err := r.jobs.FreezeMaxRun(job.ID, job.RunCount); err != nil {
		r.log.Errorw("failed to freeze max_run for auto_drop", "job_id", job.ID, "error", err)
		return
	}
	job.MaxRun = job.RunCount
	job.RunForever = false

	future, err := r.tasks.NextPendingTasks(job.ID, task.RunDate)
	if err != nil {
		r.log.Errorw("failed to list future executions for auto_drop", "job_id", job.ID, "error", err)
		return
	}
	for _, ft := range future {
		if err := r.tasks.SoftDelete(ft.TaskName); err != nil {
			r.log.Warnw("failed to soft-delete future execution", "task_name", ft.TaskName, "error", err)
		}
		if ft.ExecutionID != "" {
			if _, err := r.queue.Revoke(ft.ExecutionID); err != nil {
				r.log.Warnw("failed to revoke future execution", "task_name", ft.TaskName, "error", err)
			}
		}
		if err := r.triggers.DeleteTrigger(ft.TaskName); err != nil {
			r.log.Warnw("failed to delete future trigger", "task_name", ft.TaskName, "error", err)
		}
	}
	if err := r.triggers.DeleteByDescription(job.ID); err != nil {
		r.log.Warnw("failed to delete job triggers for auto_drop", "job_id", job.ID, "error", err)
	}

	r.log.Infow("auto_drop retired job", "job_id", job.ID,
		"max_run", job.MaxRun, "cancelled_executions", len(future))
}

// ForceStop cancels one execution by task name: the broker task tree behind
// it is revoked, the execution row is marked STOPPED, and its trigger is
// removed so the occurrence never fires. A running handler observes the
// revocation after its action returns and stops without retrying. Returns the
// broker task ids that were revoked.
func (r *Runner) ForceStop(taskName string) ([]string, error) {
	task, err := r.tasks.GetTaskByName(taskName)
	if err != nil {
		return nil, err
	}

	var revoked []string
	switch {
	case task.ExecutionID != "":
		if revoked, err = r.queue.Revoke(task.ExecutionID); err != nil {
			return nil, err
		}
	default:
		// Never claimed: the delivery is still sitting in the broker under
		// its trigger-name header.
		job, err := r.jobs.GetJob(task.JobID)
		if err != nil {
			return nil, err
		}
		pending, err := r.queue.PeekPending(job.QueueName)
		if err != nil {
			return nil, err
		}
		for _, p := range pending {
			if p.TriggerName() == taskName {
				if revoked, err = r.queue.Revoke(p.ID); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	if err := r.tasks.UpdateStatus(taskName, batch.StatusStopped); err != nil {
		return nil, err
	}
	if err := r.triggers.DeleteTrigger(taskName); err != nil && !errors.IsNotFoundError(err) {
		r.log.Warnw("failed to delete trigger of stopped execution",
			"task_name", taskName, "error", err)
	}

	r.log.Infow("execution force-stopped",
		"task_name", taskName,
		"job_id", task.JobID,
		"revoked_broker_tasks", len(revoked),
	)
	return revoked, nil
}

// DispatchManualRun enqueues an immediate out-of-schedule execution of the
// job. The run bypasses the pre-run skip conditions and reports with the
// Manual batch type; counters and the schedule are left untouched.
func (r *Runner) DispatchManualRun(jobID, runAccount string) (string, error) {
	job, err := r.jobs.GetJob(jobID)
	if err != nil {
		return "", err
	}
	if runAccount == "" {
		runAccount = job.RunAccount
	}

	now := r.now()
	args, err := json.Marshal(RunArgs{
		JobID:      job.ID,
		TaskName:   batch.TaskName(job.ID, now),
		RunAccount: runAccount,
		ManualRun:  true,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode manual run args")
	}

	id, err := r.queue.Enqueue(&broker.Task{
		Queue:      job.QueueName,
		TaskTarget: TargetJobRun,
		Args:       args,
		RunAt:      now,
	})
	if err != nil {
		return "", err
	}

	r.log.Infow("manual run dispatched",
		"job_id", job.ID,
		"execution_id", id,
		"run_account", runAccount,
	)
	return id, nil
}

// classify compares this execution against the job's most recent run to pick
// the coarse operation tag. "Most recent" is by scheduled run_date, which can
// disagree with creation order under back-dated manual runs; that ordering
// is intentional.
func (r *Runner) classify(job *batch.Job, task *batch.TaskExecution, wasRetry bool) batch.Operation {
	latest, err := r.tasks.LatestRunTask(job.ID)
	isLatest := err == nil && latest.ID == task.ID

	if isLatest && !job.RunForever && job.MaxRun > 0 && job.RunCount >= job.MaxRun {
		if task.Status == batch.StatusFailure {
			return batch.OperationBroken
		}
		return batch.OperationCompleted
	}
	if wasRetry {
		return batch.OperationRetryRun
	}
	if task.Status == batch.StatusFailure {
		return batch.OperationFailed
	}
	return batch.OperationRun
}
