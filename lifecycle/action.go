package lifecycle

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"batchd/batch"
	"batchd/errors"
	"batchd/internal/httpclient"
)

const defaultActionTimeout = time.Hour

// DefaultErrorCode tags failures that carry no HTTP status or exit code.
const DefaultErrorCode = -104

// ActionError is a classified execution failure: the code is an HTTP status
// for REST actions or a shell exit code for command actions.
type ActionError struct {
	Code   int
	Output string
}

func (e *ActionError) Error() string {
	return e.Output
}

// ErrorCode extracts the classification code from an execution error.
func ErrorCode(err error) int {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr.Code
	}
	return DefaultErrorCode
}

// ExecuteAction runs the job's configured action, REST call or shell command,
// bounded by the job's max run duration. It returns the action's output;
// failures carry status/exit-code classification via ActionError.
func ExecuteAction(ctx context.Context, job *batch.Job) (string, error) {
	timeout := job.MaxRunDuration()
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch job.ActionKind {
	case batch.ActionRest:
		return executeRest(ctx, job, timeout)
	case batch.ActionCommand:
		return executeCommand(ctx, job)
	default:
		return "", errors.Newf("job %s: unknown action kind %q", job.ID, job.ActionKind)
	}
}

func executeRest(ctx context.Context, job *batch.Job, timeout time.Duration) (string, error) {
	action, err := job.DecodeRestAction()
	if err != nil {
		return "", err
	}

	method := strings.ToUpper(action.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return "", errors.Newf("job %s: invalid HTTP method %q", job.ID, action.Method)
	}
	if action.URL == "" {
		return "", errors.Newf("job %s: action has no URL", job.ID)
	}

	var body io.Reader
	if len(action.Body) > 0 {
		body = bytes.NewReader(action.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, action.URL, body)
	if err != nil {
		return "", errors.Wrapf(err, "job %s: failed to build request", job.ID)
	}
	for key, value := range action.Headers {
		req.Header.Set(key, value)
	}
	if len(action.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpclient.New(timeout).Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "job %s: request failed", job.ID)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(err, "job %s: failed to read response", job.ID)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return "", &ActionError{Code: resp.StatusCode, Output: string(payload)}
	}
	return string(payload), nil
}

func executeCommand(ctx context.Context, job *batch.Job) (string, error) {
	action, err := job.DecodeCommandAction()
	if err != nil {
		return "", err
	}
	if action.Command == "" {
		return "", errors.Newf("job %s: action has no command", job.ID)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", action.Command)
	cmd.Dir = action.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), errors.Wrapf(ctx.Err(), "job %s: command timed out", job.ID)
	}
	if err != nil {
		code := DefaultErrorCode
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		if output == "" {
			output = err.Error()
		}
		return stdout.String(), &ActionError{Code: code, Output: output}
	}
	return stdout.String(), nil
}
