package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchd/batch"
	"batchd/broker"
	"batchd/config"
	"batchd/lifecycle"
	"batchd/marker"
	"batchd/report"

	qt "batchd/internal/testing"
)

type workflowFixture struct {
	runner    *Runner
	executor  *lifecycle.Runner
	conn      *sql.DB
	queue     *broker.Queue
	markers   *marker.Store
	jobs      *batch.JobStore
	tasks     *batch.TaskStore
	workflows *batch.WorkflowStore
	triggers  *batch.TriggerStore
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	conn := qt.CreateTestDB(t)
	queue := broker.NewQueue(broker.NewStore(conn))
	markers := marker.NewWorkflowStore(t.TempDir())
	reports := report.New(config.ReportConfig{})

	executor := lifecycle.NewRunner(conn, queue, reports, marker.NewTaskStore(t.TempDir()), "default")
	runner := NewRunner(conn, queue, reports, markers, config.WorkflowConfig{})

	return &workflowFixture{
		runner:    runner,
		executor:  executor,
		conn:      conn,
		queue:     queue,
		markers:   markers,
		jobs:      batch.NewJobStore(conn),
		tasks:     batch.NewTaskStore(conn),
		workflows: batch.NewWorkflowStore(conn),
		triggers:  batch.NewTriggerStore(conn),
	}
}

func (f *workflowFixture) createWorkflow(t *testing.T) *batch.Workflow {
	t.Helper()
	wf := &batch.Workflow{
		ID:             "wf-1",
		Name:           "nightly chain",
		RepeatInterval: "FREQ=DAILY;INTERVAL=1",
		Timezone:       "UTC",
		StartDate:      time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC),
		QueueName:      "default",
	}
	require.NoError(t, f.workflows.CreateWorkflow(wf))
	return wf
}

// createMember adds a workflow member job whose command appends its id to
// logFile, so tests can observe which jobs ran and in what order.
func (f *workflowFixture) createMember(t *testing.T, id string, priority int, logFile string, fail bool, mutate func(*batch.Job)) *batch.Job {
	t.Helper()
	command := fmt.Sprintf("echo %s >> %s", id, logFile)
	if fail {
		command = fmt.Sprintf("echo %s >> %s; exit 3", id, logFile)
	}
	job := &batch.Job{
		ID:                    id,
		Name:                  id,
		ActionKind:            batch.ActionCommand,
		Action:                fmt.Sprintf(`{"command":"%s"}`, command),
		QueueName:             "default",
		RunAccount:            "svc-batch",
		RepeatInterval:        "FREQ=DAILY;INTERVAL=1",
		Timezone:              "UTC",
		StartDate:             time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC),
		Enabled:               true,
		RunForever:            true,
		WorkflowID:            "wf-1",
		Priority:              priority,
		MaxRunDurationSeconds: 10,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, f.jobs.CreateJob(job))
	return job
}

func (f *workflowFixture) runTask(wf *batch.Workflow, start time.Time) *broker.Task {
	args, _ := json.Marshal(RunWorkflowArgs{WorkflowID: wf.ID})
	return &broker.Task{
		Queue:      wf.QueueName,
		TaskTarget: TargetWorkflowRun,
		Args:       args,
		RunAt:      start,
	}
}

// drain plays the worker loop: claim due tasks, route them to the right
// handler, and record outcomes so group joins fire. Returns the number of
// processed tasks.
func (f *workflowFixture) drain(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	processed := 0
	for {
		bt, err := f.queue.Dequeue("default", time.Now().UTC())
		require.NoError(t, err)
		if bt == nil {
			return processed
		}
		processed++

		switch bt.TaskTarget {
		case lifecycle.TargetJobRun:
			if runErr := f.executor.Handle(ctx, bt); runErr != nil {
				require.NoError(t, f.queue.Fail(bt, runErr))
			} else {
				require.NoError(t, f.queue.Complete(bt, ""))
			}
		case TargetWorkflowJoin:
			require.NoError(t, f.runner.HandleJoin(ctx, bt))
			require.NoError(t, f.queue.Complete(bt, ""))
		default:
			t.Fatalf("unexpected task target %q", bt.TaskTarget)
		}
	}
}

func readRunLog(t *testing.T, logFile string) []string {
	t.Helper()
	data, err := os.ReadFile(logFile)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func TestHandleRunExecutesGroupsInPriorityOrder(t *testing.T) {
	f := newWorkflowFixture(t)
	wf := f.createWorkflow(t)
	logFile := filepath.Join(t.TempDir(), "ran.log")
	f.createMember(t, "job-early-a", 1, logFile, false, nil)
	f.createMember(t, "job-early-b", 1, logFile, false, nil)
	f.createMember(t, "job-late", 2, logFile, false, nil)

	start := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.runner.HandleRun(context.Background(), f.runTask(wf, start)))
	f.drain(t)

	ran := readRunLog(t, logFile)
	require.Len(t, ran, 3)
	// Group 1 in full before group 2.
	assert.ElementsMatch(t, []string{"job-early-a", "job-early-b"}, ran[:2])
	assert.Equal(t, "job-late", ran[2])

	run, err := f.workflows.GetRun(1)
	require.NoError(t, err)
	assert.Equal(t, batch.RunStatusSuccess, run.Status)
	require.NotNil(t, run.EndDate)

	got, err := f.workflows.GetWorkflow(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.RunStatusSuccess, got.LatestStatus)
	require.NotNil(t, got.LastRunDate)
	require.NotNil(t, got.NextRunDate)
	assert.True(t, got.NextRunDate.After(time.Now().UTC()))

	// Closed runs leave no recovery marker behind.
	ids, err := f.markers.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHandleRunCascadesGroupFailure(t *testing.T) {
	f := newWorkflowFixture(t)
	wf := f.createWorkflow(t)
	logFile := filepath.Join(t.TempDir(), "ran.log")
	f.createMember(t, "job-broken", 1, logFile, true, nil)
	f.createMember(t, "job-downstream", 2, logFile, false, nil)

	start := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.runner.HandleRun(context.Background(), f.runTask(wf, start)))
	f.drain(t)

	// The downstream group never dispatched.
	assert.Equal(t, []string{"job-broken"}, readRunLog(t, logFile))

	run, err := f.workflows.GetRun(1)
	require.NoError(t, err)
	assert.Equal(t, batch.RunStatusFailed, run.Status)

	got, err := f.workflows.GetWorkflow(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.RunStatusFailed, got.LatestStatus)
	// Failure never unschedules the workflow itself.
	require.NotNil(t, got.NextRunDate)

	ids, err := f.markers.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHandleRunContinuesPastIgnoredFailure(t *testing.T) {
	f := newWorkflowFixture(t)
	wf := f.createWorkflow(t)
	logFile := filepath.Join(t.TempDir(), "ran.log")
	f.createMember(t, "job-flaky", 1, logFile, true, func(j *batch.Job) {
		j.IgnoreResult = true
	})
	f.createMember(t, "job-downstream", 2, logFile, false, nil)

	start := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.runner.HandleRun(context.Background(), f.runTask(wf, start)))
	f.drain(t)

	assert.Equal(t, []string{"job-flaky", "job-downstream"}, readRunLog(t, logFile))

	run, err := f.workflows.GetRun(1)
	require.NoError(t, err)
	assert.Equal(t, batch.RunStatusSuccess, run.Status)
}

func TestHandleRunSkipsWhenNoEligibleJobs(t *testing.T) {
	f := newWorkflowFixture(t)
	wf := f.createWorkflow(t)
	logFile := filepath.Join(t.TempDir(), "ran.log")
	f.createMember(t, "job-spent", 1, logFile, false, func(j *batch.Job) {
		j.RunForever = false
		j.MaxRun = 1
		j.RunCount = 1
	})

	start := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.runner.HandleRun(context.Background(), f.runTask(wf, start)))
	f.drain(t)

	assert.Empty(t, readRunLog(t, logFile))

	_, err := f.workflows.GetRun(1)
	assert.Error(t, err)

	got, err := f.workflows.GetWorkflow(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.RunStatusSkipped, got.LatestStatus)
	// A skipped invocation still re-arms the schedule.
	require.NotNil(t, got.NextRunDate)
}

func TestHandleRunArmsNextOccurrenceTrigger(t *testing.T) {
	f := newWorkflowFixture(t)
	wf := f.createWorkflow(t)
	logFile := filepath.Join(t.TempDir(), "ran.log")
	f.createMember(t, "job-only", 1, logFile, false, nil)

	start := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.runner.HandleRun(context.Background(), f.runTask(wf, start)))
	f.drain(t)

	tr, err := f.triggers.LatestByDescription(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, TargetWorkflowRun, tr.TaskTarget)
	assert.True(t, tr.Enabled)
	assert.True(t, tr.ETA.After(time.Now().UTC()))

	// The matching broker entry sits pending until its ETA.
	pending, err := f.queue.PeekPending("default")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, TargetWorkflowRun, pending[0].TaskTarget)
	assert.Equal(t, tr.Name, pending[0].TriggerName())
}

func TestHandleRunRespectsWorkflowDelay(t *testing.T) {
	f := newWorkflowFixture(t)
	wf := f.createWorkflow(t)
	logFile := filepath.Join(t.TempDir(), "ran.log")
	f.createMember(t, "job-held", 1, logFile, false, func(j *batch.Job) {
		j.WorkflowDelaySeconds = 3600
	})

	start := time.Now().UTC()
	require.NoError(t, f.runner.HandleRun(context.Background(), f.runTask(wf, start)))

	pending, err := f.queue.PeekPending("default")
	require.NoError(t, err)

	var member *broker.Task
	for _, task := range pending {
		if task.TaskTarget == lifecycle.TargetJobRun {
			member = task
		}
	}
	require.NotNil(t, member)
	assert.WithinDuration(t, start.Add(time.Hour), member.RunAt, time.Second)
}

func TestJoinClosesRunWhenRemainingJobsVanish(t *testing.T) {
	f := newWorkflowFixture(t)
	wf := f.createWorkflow(t)
	logFile := filepath.Join(t.TempDir(), "ran.log")
	f.createMember(t, "job-early", 1, logFile, false, nil)
	f.createMember(t, "job-late", 2, logFile, false, nil)

	start := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.runner.HandleRun(context.Background(), f.runTask(wf, start)))

	// The downstream member is retired while the first group is in flight.
	_, err := f.conn.Exec(`DELETE FROM jobs WHERE job_id = ?`, "job-late")
	require.NoError(t, err)

	f.drain(t)

	assert.Equal(t, []string{"job-early"}, readRunLog(t, logFile))

	run, err := f.workflows.GetRun(1)
	require.NoError(t, err)
	assert.Equal(t, batch.RunStatusSuccess, run.Status)
	require.NotNil(t, run.EndDate)

	ids, err := f.markers.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDuplicateJoinClosesRunOnce(t *testing.T) {
	f := newWorkflowFixture(t)
	wf := f.createWorkflow(t)

	runID, err := f.workflows.CreateRun(wf.ID, time.Now().UTC())
	require.NoError(t, err)

	args, err := json.Marshal(JoinArgs{WorkflowID: wf.ID, WorkflowRunID: runID})
	require.NoError(t, err)
	join := &broker.Task{Queue: "default", TaskTarget: TargetWorkflowJoin, Args: args}

	require.NoError(t, f.runner.HandleJoin(context.Background(), join))
	require.NoError(t, f.runner.HandleJoin(context.Background(), join))

	run, err := f.workflows.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, batch.RunStatusSuccess, run.Status)
}

func TestHandleRunRecordsMarkerWhileRunning(t *testing.T) {
	f := newWorkflowFixture(t)
	wf := f.createWorkflow(t)
	logFile := filepath.Join(t.TempDir(), "ran.log")
	f.createMember(t, "job-held", 1, logFile, false, func(j *batch.Job) {
		j.WorkflowDelaySeconds = 3600
	})

	require.NoError(t, f.runner.HandleRun(context.Background(), f.runTask(wf, time.Now().UTC())))

	ids, err := f.markers.List()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	values, err := f.markers.Read(ids[0])
	require.NoError(t, err)
	assert.Equal(t, wf.ID, values[marker.KeyWorkflowID])
}
