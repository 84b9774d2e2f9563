package marker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchd/errors"
)

func TestWriteReadRemove(t *testing.T) {
	store := NewStore(t.TempDir())

	values := map[string]string{
		KeyExecutionID: "exec-1",
		KeyJobID:       "job-1",
		KeyTaskName:    "job-1_20260815093000",
	}
	require.NoError(t, store.Write("exec-1", values))

	got, err := store.Read("exec-1")
	require.NoError(t, err)
	assert.Equal(t, values, got)

	require.NoError(t, store.Remove("exec-1"))
	_, err = store.Read("exec-1")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	store := NewStore(t.TempDir())
	assert.NoError(t, store.Remove("never-written"))
}

func TestWriteOverwrites(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Write("exec-1", map[string]string{KeyJobID: "job-1"}))
	require.NoError(t, store.Write("exec-1", map[string]string{KeyJobID: "job-2"}))

	got, err := store.Read("exec-1")
	require.NoError(t, err)
	assert.Equal(t, "job-2", got[KeyJobID])
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Write("exec-1", map[string]string{KeyJobID: "job-1"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "exec-1.json", entries[0].Name())
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	ids, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, store.Write("exec-1", map[string]string{}))
	require.NoError(t, store.Write("exec-2", map[string]string{}))
	// Stray files without the marker extension are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	ids, err = store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"exec-1", "exec-2"}, ids)
}

func TestListMissingDirectory(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	ids, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTaskAndWorkflowStoresAreSeparate(t *testing.T) {
	base := t.TempDir()
	tasks := NewTaskStore(base)
	workflows := NewWorkflowStore(base)

	require.NoError(t, tasks.Write("exec-1", map[string]string{KeyJobID: "job-1"}))
	require.NoError(t, workflows.Write("run-1", map[string]string{KeyWorkflowID: "wf-1"}))

	taskIDs, err := tasks.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1"}, taskIDs)

	wfIDs, err := workflows.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, wfIDs)
}

func TestCorruptMarker(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{truncated"), 0o644))

	_, err := store.Read("bad")
	assert.Error(t, err)
	assert.False(t, errors.IsNotFoundError(err))
}
