package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// gate is a runner that blocks until released or canceled.
type gate struct {
	started chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan string, 64), release: make(chan struct{})}
}

func (g *gate) Run(ctx context.Context, payload []byte) ([]byte, error) {
	g.started <- string(payload)
	select {
	case <-g.release:
		return []byte("ok"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not start")
	}
	return ""
}

func succeed() Runner {
	return RunnerFunc(func(context.Context, []byte) ([]byte, error) { return []byte("done"), nil })
}

func agent(id string, maxConcurrent int, caps ...string) AgentDescriptor {
	return AgentDescriptor{ID: id, Capabilities: caps, MaxConcurrent: maxConcurrent}
}

func awaitTask(t *testing.T, o *Orchestrator, id string) (Task, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	task, err := o.Await(ctx, id)
	if err == context.DeadlineExceeded {
		t.Fatalf("task %s did not finish", id)
	}
	return task, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
