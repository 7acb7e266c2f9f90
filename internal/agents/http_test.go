package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autonomous-butler/butler-core/internal/core"
	"github.com/autonomous-butler/butler-core/pkg/api"
)

func fastClient(retries int) *RetryableHTTPClient {
	return NewRetryableHTTPClient(5*time.Second, 0).WithRetryConfig(RetryConfig{
		MaxRetries:      retries,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BackoffFactor:   2,
		RetryableErrors: []int{429, 500, 502, 503, 504},
	})
}

func TestHTTPBackendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/run" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		var req api.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(api.RunResponse{Output: json.RawMessage(`{"deployed":"` + req.Action + `"}`)})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL+"/", "tok", 0).WithClient(fastClient(3))
	out, err := b.Invoke(context.Background(), Invocation{AgentID: "ops", Kind: KindDevOps, Action: "deploy", Payload: []byte(`{"action":"deploy"}`)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != `{"deployed":"deploy"}` {
		t.Fatalf("unexpected output %s", out)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls (two retries), got %d", calls.Load())
	}

	_, err = NewHTTPBackend(srv.URL, "wrong", 0).WithClient(fastClient(3)).Invoke(context.Background(), Invocation{Action: "deploy"})
	if !core.IsPermanent(err) {
		t.Fatalf("401 must be permanent, got %v", err)
	}
}

type stubDaemon struct {
	mu     sync.Mutex
	calls  int
	status int
	resp   api.RunResponse
}

func (d *stubDaemon) set(status int, resp api.RunResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls, d.status, d.resp = 0, status, resp
}

func (d *stubDaemon) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *stubDaemon) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	d.mu.Lock()
	d.calls++
	status, resp := d.status, d.resp
	d.mu.Unlock()
	if status != http.StatusOK {
		http.Error(w, "nope", status)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestHTTPBackendClassifiesResponses(t *testing.T) {
	d := &stubDaemon{}
	srv := httptest.NewServer(d)
	defer srv.Close()
	b := NewHTTPBackend(srv.URL, "", 0).WithClient(fastClient(2))
	ctx := context.Background()

	d.set(http.StatusBadRequest, api.RunResponse{})
	if _, err := b.Invoke(ctx, Invocation{}); !core.IsPermanent(err) || d.count() != 1 {
		t.Fatalf("400 must be permanent and not retried: %v (calls=%d)", err, d.count())
	}

	d.set(http.StatusTooManyRequests, api.RunResponse{})
	if _, err := b.Invoke(ctx, Invocation{}); err == nil || core.IsPermanent(err) || d.count() != 3 {
		t.Fatalf("429 must be retried then transient: %v (calls=%d)", err, d.count())
	}

	d.set(http.StatusOK, api.RunResponse{ExitCode: 2, Stderr: "disk full"})
	_, err := b.Invoke(ctx, Invocation{})
	var xerr *ExitError
	if !errors.As(err, &xerr) || xerr.Code != 2 || core.IsPermanent(err) {
		t.Fatalf("expected transient remote exit, got %v", err)
	}

	d.set(http.StatusOK, api.RunResponse{ExitCode: 1, Error: "bad manifest", Permanent: true})
	if _, err := b.Invoke(ctx, Invocation{}); !core.IsPermanent(err) {
		t.Fatalf("daemon-marked permanent failure must be permanent, got %v", err)
	}
}

func TestHTTPBackendHeartbeatAndCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/heartbeat":
			_ = json.NewEncoder(w).Encode(api.HeartbeatResponse{Host: "edge-1", Version: "v1", Backend: "exec"})
		default:
			<-r.Context().Done()
		}
	}))
	defer srv.Close()
	b := NewHTTPBackend(srv.URL, "", 0).WithClient(fastClient(0))

	hb, err := b.Heartbeat(context.Background())
	if err != nil || hb.Version != "v1" || hb.Backend != "exec" {
		t.Fatalf("heartbeat: %+v %v", hb, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Invoke(ctx, Invocation{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRateLimiterSpacesCalls(t *testing.T) {
	rl := NewRateLimiter(50)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected calls spaced ~20ms apart, took %v", elapsed)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewRateLimiter(0.1)
	_ = slow.Wait(context.Background())
	if err := slow.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled wait, got %v", err)
	}
}
