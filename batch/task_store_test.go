package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchd/errors"
	qt "batchd/internal/testing"
)

func createTaskFixtures(t *testing.T) (*JobStore, *TaskStore) {
	t.Helper()
	conn := qt.CreateTestDB(t)
	jobStore := NewJobStore(conn)
	taskStore := NewTaskStore(conn)
	require.NoError(t, jobStore.CreateJob(testJob("job-1")))
	return jobStore, taskStore
}

func TestTaskName(t *testing.T) {
	runDate := time.Date(2026, 8, 15, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "job-1_20260815093000", TaskName("job-1", runDate))
}

func TestAttemptName(t *testing.T) {
	task := &TaskExecution{TaskName: "job-1_20260815093000", RetryCount: 2}
	assert.Equal(t, "job-1_20260815093000_2", task.AttemptName())
}

func TestCreateGetTask(t *testing.T) {
	_, store := createTaskFixtures(t)

	runDate := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	task := &TaskExecution{
		TaskName: TaskName("job-1", runDate),
		JobID:    "job-1",
		RunDate:  runDate,
	}
	require.NoError(t, store.CreateTask(task))
	assert.NotZero(t, task.ID)

	got, err := store.GetTaskByName(task.TaskName)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	assert.True(t, got.RunDate.Equal(runDate))
	assert.False(t, got.AlreadyRun)
	assert.False(t, got.SoftDelete)
}

func TestBeginRun(t *testing.T) {
	_, store := createTaskFixtures(t)

	runDate := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	task := &TaskExecution{TaskName: TaskName("job-1", runDate), JobID: "job-1", RunDate: runDate}
	require.NoError(t, store.CreateTask(task))

	started, err := store.BeginRun(task.TaskName, "exec-1")
	require.NoError(t, err)
	assert.True(t, started)

	got, err := store.GetTaskByName(task.TaskName)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.True(t, got.AlreadyRun)

	// Second attempt on an already-RUNNING task must not start.
	started, err = store.BeginRun(task.TaskName, "exec-2")
	require.NoError(t, err)
	assert.False(t, started)
}

func TestBeginRunAtMostOneRunningPerJob(t *testing.T) {
	_, store := createTaskFixtures(t)

	first := &TaskExecution{
		TaskName: TaskName("job-1", time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)),
		JobID:    "job-1",
		RunDate:  time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC),
	}
	second := &TaskExecution{
		TaskName: TaskName("job-1", time.Date(2026, 8, 16, 9, 0, 0, 0, time.UTC)),
		JobID:    "job-1",
		RunDate:  time.Date(2026, 8, 16, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateTask(first))
	require.NoError(t, store.CreateTask(second))

	started, err := store.BeginRun(first.TaskName, "exec-1")
	require.NoError(t, err)
	require.True(t, started)

	started, err = store.BeginRun(second.TaskName, "exec-2")
	require.NoError(t, err)
	assert.False(t, started)

	// After the first finishes, the second can start.
	require.NoError(t, store.FinishRun(first.TaskName, StatusSuccess, 1500*time.Millisecond))

	started, err = store.BeginRun(second.TaskName, "exec-2")
	require.NoError(t, err)
	assert.True(t, started)
}

func TestBeginRunSkipsSoftDeleted(t *testing.T) {
	_, store := createTaskFixtures(t)

	runDate := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	task := &TaskExecution{TaskName: TaskName("job-1", runDate), JobID: "job-1", RunDate: runDate}
	require.NoError(t, store.CreateTask(task))
	require.NoError(t, store.SoftDelete(task.TaskName))

	started, err := store.BeginRun(task.TaskName, "exec-1")
	require.NoError(t, err)
	assert.False(t, started)
}

func TestBeginRunFromFailureForRetry(t *testing.T) {
	_, store := createTaskFixtures(t)

	runDate := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	task := &TaskExecution{TaskName: TaskName("job-1", runDate), JobID: "job-1", RunDate: runDate}
	require.NoError(t, store.CreateTask(task))

	started, err := store.BeginRun(task.TaskName, "exec-1")
	require.NoError(t, err)
	require.True(t, started)

	require.NoError(t, store.FinishRun(task.TaskName, StatusFailure, time.Second))
	require.NoError(t, store.SetRetryCount(task.TaskName, 1))

	started, err = store.BeginRun(task.TaskName, "exec-2")
	require.NoError(t, err)
	assert.True(t, started)

	got, err := store.GetTaskByName(task.TaskName)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "exec-2", got.ExecutionID)
}

func TestFinishRunRecordsDuration(t *testing.T) {
	_, store := createTaskFixtures(t)

	runDate := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	task := &TaskExecution{TaskName: TaskName("job-1", runDate), JobID: "job-1", RunDate: runDate}
	require.NoError(t, store.CreateTask(task))

	require.NoError(t, store.FinishRun(task.TaskName, StatusSuccess, 2500*time.Millisecond))

	got, err := store.GetTaskByName(task.TaskName)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, int64(2500), got.RunDurationMS)
}

func TestNextPendingTasks(t *testing.T) {
	_, store := createTaskFixtures(t)
	base := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		runDate := base.AddDate(0, 0, i)
		require.NoError(t, store.CreateTask(&TaskExecution{
			TaskName: TaskName("job-1", runDate),
			JobID:    "job-1",
			RunDate:  runDate,
		}))
	}

	// Soft-deleted and non-CREATED rows drop out.
	deleted := base.AddDate(0, 0, 5)
	require.NoError(t, store.CreateTask(&TaskExecution{
		TaskName: TaskName("job-1", deleted), JobID: "job-1", RunDate: deleted,
	}))
	require.NoError(t, store.SoftDelete(TaskName("job-1", deleted)))

	pending, err := store.NextPendingTasks("job-1", base)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.True(t, pending[0].RunDate.Before(pending[1].RunDate))
}

func TestLatestRunTaskOrdersByRunDate(t *testing.T) {
	_, store := createTaskFixtures(t)

	// Created later but scheduled earlier: a manual run back-dated in time.
	newest := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	manual := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateTask(&TaskExecution{
		TaskName: TaskName("job-1", newest), JobID: "job-1", RunDate: newest, AlreadyRun: true,
	}))
	require.NoError(t, store.CreateTask(&TaskExecution{
		TaskName: TaskName("job-1", manual), JobID: "job-1", RunDate: manual, ManuallyRun: true, AlreadyRun: true,
	}))

	// A future placeholder that has not run yet never counts as latest.
	future := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateTask(&TaskExecution{
		TaskName: TaskName("job-1", future), JobID: "job-1", RunDate: future,
	}))

	latest, err := store.LatestRunTask("job-1")
	require.NoError(t, err)
	assert.True(t, latest.RunDate.Equal(newest))
}

func TestLatestRunTaskNotFound(t *testing.T) {
	_, store := createTaskFixtures(t)

	_, err := store.LatestRunTask("job-1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestListRunning(t *testing.T) {
	_, store := createTaskFixtures(t)

	runDate := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	task := &TaskExecution{TaskName: TaskName("job-1", runDate), JobID: "job-1", RunDate: runDate}
	require.NoError(t, store.CreateTask(task))

	running, err := store.ListRunning()
	require.NoError(t, err)
	assert.Empty(t, running)

	_, err = store.BeginRun(task.TaskName, "exec-1")
	require.NoError(t, err)

	running, err = store.ListRunning()
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, task.TaskName, running[0].TaskName)
}
