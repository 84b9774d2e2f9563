// Package marker persists small local files recording in-flight executions.
// A marker is written before a task or workflow run starts and removed after
// its result has been reported; any marker still present at worker startup
// belongs to a run that died mid-flight and feeds crash recovery.
package marker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"batchd/errors"
)

// Correlation keys stored inside a marker.
const (
	KeyExecutionID   = "execution_id"
	KeyJobID         = "job_id"
	KeyTaskName      = "task_name"
	KeyRunDate       = "run_date"
	KeyRunAccount    = "run_account"
	KeyWorkflowID    = "workflow_id"
	KeyWorkflowRunID = "workflow_run_id"
	KeyLogID         = "log_id"
)

const (
	taskSubdir     = "tasks"
	workflowSubdir = "workflows"

	markerExt = ".json"
)

// Store manages markers in one directory, one file per execution id.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created lazily on
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// NewTaskStore returns the task-marker store under baseDir.
func NewTaskStore(baseDir string) *Store {
	return NewStore(filepath.Join(baseDir, taskSubdir))
}

// NewWorkflowStore returns the workflow-marker store under baseDir.
func NewWorkflowStore(baseDir string) *Store {
	return NewStore(filepath.Join(baseDir, workflowSubdir))
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+markerExt)
}

// Write persists the marker for id atomically: the content lands in a temp
// file first and is renamed into place, so a crash mid-write never leaves a
// truncated marker.
func (s *Store) Write(id string, values map[string]string) error {
	if id == "" {
		return errors.New("marker id is empty")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create marker directory %s", s.dir)
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode marker")
	}

	tmp, err := os.CreateTemp(s.dir, id+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create marker temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write marker")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close marker temp file")
	}

	if err := os.Rename(tmpName, s.path(id)); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to commit marker %s", id)
	}
	return nil
}

// Read loads the marker for id. Returns ErrNotFound when no marker exists.
func (s *Store) Read(id string) (map[string]string, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "marker %s", id)
		}
		return nil, errors.Wrapf(err, "failed to read marker %s", id)
	}

	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrapf(err, "marker %s is corrupt", id)
	}
	return values, nil
}

// Remove deletes the marker for id. Removing an absent marker is a no-op.
func (s *Store) Remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove marker %s", id)
	}
	return nil
}

// List returns the execution ids of all markers currently on disk. A missing
// directory means no markers.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list markers in %s", s.dir)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, markerExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, markerExt))
	}
	return ids, nil
}
