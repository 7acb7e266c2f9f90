package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autonomous-butler/butler-core/internal/core"
	"github.com/autonomous-butler/butler-core/pkg/api"
)

// HTTPBackend delegates actions to a butler-agent daemon.
type HTTPBackend struct {
	baseURL string
	token   string
	client  *RetryableHTTPClient
}

// NewHTTPBackend targets the daemon at baseURL. retries bounds the transport
// level retries on 429 and 5xx answers; a negative value disables them.
func NewHTTPBackend(baseURL, token string, retries int) *HTTPBackend {
	client := NewRetryableHTTPClient(0, 0)
	if retries != 0 {
		cfg := DefaultRetryConfig()
		cfg.MaxRetries = max(retries, 0)
		client.WithRetryConfig(cfg)
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// WithClient swaps the retrying client, mainly for tests.
func (b *HTTPBackend) WithClient(c *RetryableHTTPClient) *HTTPBackend {
	b.client = c
	return b
}

func (b *HTTPBackend) Name() string { return "http" }

// Invoke posts the invocation to /v0/run. Client errors other than 429 and
// runs the daemon marks permanent are not retried.
func (b *HTTPBackend) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	reqBody := api.RunRequest{
		AgentID: inv.AgentID,
		Kind:    inv.Kind,
		Action:  inv.Action,
		Payload: inv.Payload,
	}
	if dl, ok := ctx.Deadline(); ok {
		reqBody.TimeoutSeconds = max(int(time.Until(dl).Seconds()), 1)
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, core.Permanent(fmt.Errorf("encode run request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v0/run", bytes.NewReader(body))
	if err != nil {
		return nil, core.Permanent(fmt.Errorf("build run request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("call agent %s: %w", b.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("agent %s: %s: %s", b.baseURL, resp.Status, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, core.Permanent(err)
		}
		return nil, err
	}

	var rr api.RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode run response: %w", err)
	}
	if rr.ExitCode != 0 || rr.Error != "" {
		var err error = &ExitError{Code: rr.ExitCode, Stderr: firstNonEmpty(rr.Error, rr.Stderr)}
		if rr.Permanent {
			err = core.Permanent(err)
		}
		return nil, err
	}
	return []byte(rr.Output), nil
}

// Heartbeat asks the daemon to report itself.
func (b *HTTPBackend) Heartbeat(ctx context.Context) (api.HeartbeatResponse, error) {
	var hb api.HeartbeatResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v0/heartbeat", nil)
	if err != nil {
		return hb, err
	}
	b.authorize(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return hb, fmt.Errorf("heartbeat %s: %w", b.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return hb, fmt.Errorf("heartbeat %s: %s", b.baseURL, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		return hb, fmt.Errorf("decode heartbeat: %w", err)
	}
	return hb, nil
}

func (b *HTTPBackend) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
