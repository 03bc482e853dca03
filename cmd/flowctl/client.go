package main

import (
	"bufio"
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

	"github.com/flexinfer/mentatlab/services/taskflow/internal/api"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// client talks to the taskflow HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response decoded from the error envelope.
type apiError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Body.Error, e.Status, e.Body.Message)
	if detail, ok := e.Body.Details["error"]; ok {
		msg += ": " + fmt.Sprint(detail)
	}
	return msg
}

func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil {
			apiErr.Body.Error = api.HTTPStatusToErrorCode(resp.StatusCode)
			apiErr.Body.Message = resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) Execute(ctx context.Context, def *types.WorkflowDefinition, wait bool) (*api.ExecuteResponse, error) {
	path := "/api/v1/workflows"
	if wait {
		path += "?wait=true"
	}
	var resp api.ExecuteResponse
	if err := c.do(ctx, http.MethodPost, path, def, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) Get(ctx context.Context, id string) (*api.WorkflowView, error) {
	var view api.WorkflowView
	if err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *client) Resume(ctx context.Context, id string) (*api.ExecuteResponse, error) {
	var resp api.ExecuteResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(id)+"/resume", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) Cancel(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(id)+"/cancel", api.CancelRequest{Reason: reason}, nil)
}

func (c *client) Events(ctx context.Context, id string, from int64) ([]*types.Event, error) {
	var resp struct {
		Events []*types.Event `json:"events"`
	}
	path := "/api/v1/workflows/" + url.PathEscape(id) + "/events?from=" + strconv.FormatInt(from, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *client) Replay(ctx context.Context, id string, at int64, verify bool) (*api.ReplayResponse, error) {
	q := url.Values{}
	q.Set("at", strconv.FormatInt(at, 10))
	if verify {
		q.Set("verify", "true")
	}
	var resp api.ReplayResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id)+"/replay?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// checkResult is the body of the check endpoint.
type checkResult struct {
	WorkflowID string `json:"workflow_id"`
	OK         bool   `json:"ok"`
	Violations []struct {
		Sequence int64  `json:"sequence"`
		Rule     string `json:"rule"`
		TaskID   string `json:"task_id,omitempty"`
		Message  string `json:"message"`
	} `json:"violations"`
}

func (c *client) Check(ctx context.Context, id string) (*checkResult, error) {
	var resp checkResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id)+"/check", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream follows the SSE stream of a workflow from sequence after and calls
// fn for every event until the stream ends or ctx is done.
func (c *client) Stream(ctx context.Context, id string, after int64, fn func(*types.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/workflows/"+url.PathEscape(id)+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))
	}

	// Streams outlive the request timeout.
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var evt types.Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
