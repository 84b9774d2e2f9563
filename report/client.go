// Package report posts execution results to the external log/report API.
// Every call is fire-and-forget: failures are logged and swallowed so a dead
// report endpoint never turns a successful job run into a failed one.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"batchd/config"
	"batchd/internal/httpclient"
	"batchd/logger"
)

const (
	defaultTimeout           = 10 * time.Second
	defaultRequestsPerSecond = 5.0

	pathLogCreate         = "/logs/create"
	pathLogUpdate         = "/logs/update"
	pathWorkflowStatus    = "/workflow/update_status"
	pathWorkflowRunCreate = "/workflow/run/create"
	pathWorkflowRunUpdate = "/workflow/run/update"
)

// Client talks to the report API. A client built from an empty base URL is a
// no-op: every method logs at debug and reports failure.
type Client struct {
	base    string
	hc      *httpclient.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// New builds a report client from configuration.
func New(cfg config.ReportConfig) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		hc:      httpclient.New(timeout),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     logger.Named("report"),
	}
}

// Enabled reports whether a base URL is configured.
func (c *Client) Enabled() bool {
	return c.base != ""
}

type apiResponse struct {
	Data struct {
		JobRunID int64 `json:"job_run_id"`
	} `json:"data"`
}

// post sends one JSON body and decodes the envelope. The returned bool is the
// fire-and-forget verdict: false means the report did not land.
func (c *Client) post(ctx context.Context, path string, body interface{}) (*apiResponse, bool) {
	if !c.Enabled() {
		c.log.Debugw("report API not configured, dropping report", "path", path)
		return nil, false
	}

	payload, err := json.Marshal(body)
	if err != nil {
		c.log.Errorw("failed to encode report body", "path", path, "error", err)
		return nil, false
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.log.Warnw("report rate limiter interrupted", "path", path, "error", err)
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		c.log.Errorw("failed to build report request", "path", path, "error", err)
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Errorw("report request failed", "path", path, "error", err)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		c.log.Errorw("report API rejected request",
			"path", path,
			"status", resp.StatusCode,
		)
		return nil, false
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// A malformed 2xx body still counts as delivered.
		c.log.Debugw("failed to decode report response", "path", path, "error", err)
		return nil, true
	}

	c.log.Debugw("report delivered", "path", path)
	return &out, true
}

// CreateLog posts a new run-log entry and returns the log id assigned by the
// API for later correlation via LogBody.LogID. A zero id with ok=true means
// the API did not return one.
func (c *Client) CreateLog(ctx context.Context, body *LogBody) (int64, bool) {
	resp, ok := c.post(ctx, pathLogCreate, body)
	if !ok || resp == nil {
		return 0, ok
	}
	return resp.Data.JobRunID, true
}

// UpdateLog posts an update to an existing run-log entry.
func (c *Client) UpdateLog(ctx context.Context, body *LogBody) bool {
	_, ok := c.post(ctx, pathLogUpdate, body)
	return ok
}

// UpdateWorkflowStatus posts a workflow-level status change.
func (c *Client) UpdateWorkflowStatus(ctx context.Context, body *WorkflowStatusBody) bool {
	_, ok := c.post(ctx, pathWorkflowStatus, body)
	return ok
}

// CreateWorkflowRun announces a new workflow run.
func (c *Client) CreateWorkflowRun(ctx context.Context, body *WorkflowRunBody) bool {
	_, ok := c.post(ctx, pathWorkflowRunCreate, body)
	return ok
}

// UpdateWorkflowRun posts a workflow run status change.
func (c *Client) UpdateWorkflowRun(ctx context.Context, body *WorkflowRunBody) bool {
	_, ok := c.post(ctx, pathWorkflowRunUpdate, body)
	return ok
}
