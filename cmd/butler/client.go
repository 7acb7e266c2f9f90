package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/autonomous-butler/butler-core/pkg/api"
)

// apiClient talks to a running butler server.
type apiClient struct {
	base string
	http *http.Client
}

func clientFrom(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("server")
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) Agents(ctx context.Context) ([]api.Agent, error) {
	var out api.AgentList
	err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &out)
	return out.Agents, err
}

func (c *apiClient) SetAgentStatus(ctx context.Context, id, status string) (api.Agent, error) {
	var out api.Agent
	err := c.do(ctx, http.MethodPut, "/api/v1/agents/"+url.PathEscape(id)+"/status", api.AgentStatusRequest{Status: status}, &out)
	return out, err
}

// Status returns the raw snapshot document.
func (c *apiClient) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

func (c *apiClient) Submit(ctx context.Context, req api.TaskRequest) (api.Task, error) {
	var out api.Task
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &out)
	return out, err
}

func (c *apiClient) Task(ctx context.Context, id string) (api.Task, error) {
	var out api.Task
	err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *apiClient) Tasks(ctx context.Context, state, capability string, limit int) ([]api.Task, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if capability != "" {
		q.Set("capability", capability)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.TaskList
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Tasks, err
}

func (c *apiClient) Cancel(ctx context.Context, id string) (api.Task, error) {
	var out api.Task
	err := c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *apiClient) History(ctx context.Context, taskID string, limit int) ([]api.Event, error) {
	path := "/api/v1/history"
	if taskID != "" {
		path = "/api/v1/tasks/" + url.PathEscape(taskID) + "/history"
	}
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out api.History
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Events, err
}

// Wait polls until the task is terminal or ctx is done.
func (c *apiClient) Wait(ctx context.Context, id string, every time.Duration) (api.Task, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		t, err := c.Task(ctx, id)
		if err != nil {
			return t, err
		}
		switch t.State {
		case "succeeded", "failed", "abandoned":
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}
