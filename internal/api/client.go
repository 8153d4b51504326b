package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vectorflow/internal/job"
	"vectorflow/internal/services"
)

const clientName = "vectorflow-api"

// Client talks to a running daemon over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// NewClient builds a client for the daemon listening at bind, which may be a
// bare host:port or a full URL.
func NewClient(bind string, opts ...ClientOption) *Client {
	base := strings.TrimRight(strings.TrimSpace(bind), "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit enqueues a new job.
func (c *Client) Submit(ctx context.Context, spec SubmitRequest) (*job.Job, error) {
	var resp JobResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs", nil, spec, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// Job fetches a job from the ledger or history.
func (c *Client) Job(ctx context.Context, id string) (JobResponse, error) {
	var resp JobResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// Cancel stops a queued or running job.
func (c *Client) Cancel(ctx context.Context, id, reason string) (CancelResponse, error) {
	var resp CancelResponse
	err := c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, CancelRequest{Reason: reason}, &resp)
	return resp, err
}

// Retry requeues a failed or cancelled job as a fresh job.
func (c *Client) Retry(ctx context.Context, id string) (*job.Job, error) {
	var resp JobResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/retry", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// History lists recorded jobs, optionally filtered by state.
func (c *Client) History(ctx context.Context, states []job.State, limit int) ([]*job.Job, error) {
	query := url.Values{}
	for _, state := range states {
		query.Add("state", string(state))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp JobListResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Status returns the daemon summary.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &resp)
	return resp, err
}

// Events returns events published after since. With wait set the daemon
// holds the request until at least one event exists.
func (c *Client) Events(ctx context.Context, since uint64, limit int, wait bool) (EventsResponse, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if wait {
		query.Set("follow", "1")
	}
	var resp EventsResponse
	err := c.do(ctx, http.MethodGet, "/api/events", query, nil, &resp)
	return resp, err
}

// WaitFor polls until job id reaches a terminal state or ctx ends.
func (c *Client) WaitFor(ctx context.Context, id string, interval time.Duration) (*job.Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if resp.Job != nil && resp.Job.State.IsTerminal() {
			return resp.Job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.baseURL == "" {
		return services.Wrap(services.ErrConfiguration, clientName, method+" "+path, "api bind address not configured", nil)
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return services.Wrap(services.ErrValidation, clientName, method+" "+path, "encode body", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, clientName, method+" "+path, "new request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrUnavailable, clientName, method+" "+path, fmt.Sprintf("is the daemon running at %s?", c.baseURL), err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return services.Wrap(services.ErrTransient, clientName, method+" "+path, "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return statusError(method+" "+path, resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return services.Wrap(services.ErrTransient, clientName, method+" "+path, "decode response", err)
	}
	return nil
}

func statusError(operation string, code int, payload []byte) error {
	message := strings.TrimSpace(string(payload))
	var decoded ErrorResponse
	if json.Unmarshal(payload, &decoded) == nil && decoded.Error != "" {
		message = decoded.Error
	}
	status := &services.StatusError{Service: clientName, StatusCode: code, Body: message}
	var marker error
	switch code {
	case http.StatusBadRequest, http.StatusConflict:
		marker = services.ErrValidation
	case http.StatusNotFound:
		marker = services.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		marker = services.ErrConfiguration
	default:
		marker = services.ErrUnavailable
	}
	return services.Wrap(marker, clientName, operation, "", status)
}
