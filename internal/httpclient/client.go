// Package httpclient provides a bounded HTTP client with automatic retry on
// transient failures (HTTP 429 and 5xx), used for job REST actions and
// report-API calls.
package httpclient

import (
	"net/http"
	"time"

	"batchd/errors"
)

const (
	// DefaultMaxRetries bounds automatic retries on transient failures.
	DefaultMaxRetries = 3
	// DefaultBackoff is the base delay between retry attempts.
	DefaultBackoff = 100 * time.Millisecond
)

// Client wraps http.Client with bounded retry on transient status codes.
type Client struct {
	*http.Client
	maxRetries int
	backoff    time.Duration
}

// New creates a client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	return &Client{
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
	}
}

// IsTransientStatus reports whether an HTTP status code is worth retrying.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Do executes the request, retrying transient failures up to maxRetries times
// with linear backoff. The request body must be rewindable (GetBody set, which
// http.NewRequest does for byte readers). Context cancellation aborts between
// attempts.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, errors.Wrap(err, "failed to rewind request body")
				}
				req.Body = body
			}
		}

		resp, err := c.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if IsTransientStatus(resp.StatusCode) && attempt < c.maxRetries {
			resp.Body.Close()
			lastErr = errors.Newf("transient status %d from %s", resp.StatusCode, req.URL)
			continue
		}

		return resp, nil
	}

	return nil, errors.Wrapf(lastErr, "request to %s failed after %d attempts", req.URL, c.maxRetries+1)
}
