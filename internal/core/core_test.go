package core

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastOptions() Options {
	return Options{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		Tick:        5 * time.Millisecond,
	}
}

func TestOrchestratorRetriesUntilSuccess(t *testing.T) {
	o := New(fastOptions())
	var calls atomic.Int32
	flaky := RunnerFunc(func(context.Context, []byte) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("temporarily unavailable")
		}
		return []byte("recovered"), nil
	})
	_ = o.RegisterAgent(agent("rev", 1, "revenue"), flaky)
	o.Start()
	defer o.Shutdown(context.Background())

	task, err := o.Submit(Task{Capability: "revenue"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := awaitTask(t, o, task.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if done.State != TaskSucceeded || done.Attempts != 3 {
		t.Fatalf("expected succeeded after 3 attempts, got %s after %d", done.State, done.Attempts)
	}
	if string(done.Output) != "recovered" {
		t.Fatalf("unexpected output %q", done.Output)
	}
}

func TestOrchestratorAbandonsAfterMaxAttempts(t *testing.T) {
	o := New(fastOptions())
	var calls atomic.Int32
	broken := RunnerFunc(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("still down")
	})
	_ = o.RegisterAgent(agent("sec", 1, "security"), broken)
	events, unsubscribe := o.Subscribe(256)
	defer unsubscribe()
	o.Start()
	defer o.Shutdown(context.Background())

	task, _ := o.Submit(Task{Capability: "security"})
	done, err := awaitTask(t, o, task.ID)
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("expected ErrMaxAttemptsExceeded, got %v", err)
	}
	if done.State != TaskAbandoned || done.Attempts != 3 {
		t.Fatalf("expected abandoned after 3 attempts, got %s after %d", done.State, done.Attempts)
	}

	time.Sleep(30 * time.Millisecond)
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 executions, got %d", n)
	}
	if got, _ := o.Task(task.ID); got.State != TaskAbandoned {
		t.Fatalf("abandoned task re-entered %s", got.State)
	}

	abandoned := false
	for {
		select {
		case ev := <-events:
			if ev.TaskID != task.ID {
				continue
			}
			if abandoned && ev.Kind == EventTransition {
				t.Fatalf("transition to %s after abandonment", ev.State)
			}
			if ev.Kind == EventTransition && ev.State == TaskAbandoned {
				abandoned = true
			}
			continue
		default:
		}
		break
	}
	if !abandoned {
		t.Fatalf("abandonment was not published")
	}
}

func TestOrchestratorFatalFailureIsNotRetried(t *testing.T) {
	o := New(fastOptions())
	var calls atomic.Int32
	_ = o.RegisterAgent(agent("pm", 1, "pm"), RunnerFunc(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, Permanent(errors.New("unknown action"))
	}))
	o.Start()
	defer o.Shutdown(context.Background())

	task, _ := o.Submit(Task{Capability: "pm"})
	done, err := awaitTask(t, o, task.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if done.State != TaskFailed || calls.Load() != 1 {
		t.Fatalf("expected one failed attempt, got %s with %d calls", done.State, calls.Load())
	}
	if done.Error != "unknown action" {
		t.Fatalf("unexpected error text %q", done.Error)
	}
}

func TestOrchestratorCancel(t *testing.T) {
	o := New(fastOptions())
	g := newGate()
	_ = o.RegisterAgent(agent("ops", 1, "devops"), g)
	o.Start()
	defer o.Shutdown(context.Background())

	running, _ := o.Submit(Task{Capability: "devops", Payload: []byte("running")})
	g.waitStarted(t)
	pending, _ := o.Submit(Task{Capability: "devops", Payload: []byte("pending")})

	if _, err := o.Cancel(pending.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	got, err := awaitTask(t, o, pending.ID)
	if !errors.Is(err, ErrCanceled) || got.State != TaskAbandoned || got.Attempts != 0 {
		t.Fatalf("pending cancel should abandon without running, got %+v %v", got, err)
	}

	if _, err := o.Cancel(running.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	done, err := awaitTask(t, o, running.ID)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if done.State != TaskAbandoned {
		t.Fatalf("expected abandoned, got %s", done.State)
	}
	waitFor(t, "agent load released", func() bool {
		a, _ := o.Registry().Get("ops")
		return a.Load == 0
	})
}

func TestOrchestratorShutdownAbandonsInFlight(t *testing.T) {
	o := New(fastOptions())
	g := newGate()
	_ = o.RegisterAgent(agent("infra", 2, "infrastructure"), g)
	o.Start()

	task, _ := o.Submit(Task{Capability: "infrastructure"})
	g.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	got, err := o.Await(context.Background(), task.ID)
	if got.State != TaskAbandoned {
		t.Fatalf("in-flight task should be abandoned at shutdown, got %s", got.State)
	}
	if !errors.Is(err, ErrShutdown) || !strings.Contains(got.Error, ErrShutdown.Error()) {
		t.Fatalf("shutdown should be the recorded cause, got %q %v", got.Error, err)
	}
	if _, err := o.Submit(Task{Capability: "infrastructure"}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after shutdown, got %v", err)
	}
}

func TestOrchestratorSnapshot(t *testing.T) {
	o := New(fastOptions())
	_ = o.RegisterAgent(agent("support", 4, "support"), succeed())
	_ = o.RegisterAgent(agent("devops", 1, "devops"), succeed())
	_, _ = o.Registry().UpdateLoad("devops", 1)
	o.Start()
	defer o.Shutdown(context.Background())

	t1, _ := o.Submit(Task{Capability: "support"})
	_, _ = awaitTask(t, o, t1.ID)
	_, _ = o.Submit(Task{Capability: "devops"})

	snap := o.Snapshot()
	if snap.Status != StatusOperational {
		t.Fatalf("expected operational, got %s (%v)", snap.Status, snap.Components)
	}
	for _, c := range []string{"orchestrator", "event_mesh", "agents"} {
		if snap.Components[c] != ComponentHealthy {
			t.Fatalf("component %s is %s", c, snap.Components[c])
		}
	}
	if len(snap.Agents) != 2 || snap.Agents[1].Load != 1 || snap.Agents[1].Capacity != 1 {
		t.Fatalf("unexpected agents: %+v", snap.Agents)
	}
	if snap.QueueDepth["devops"] != 1 {
		t.Fatalf("expected one devops task waiting, got %v", snap.QueueDepth)
	}
	if snap.States[TaskSucceeded] != 1 || snap.States[TaskPending] != 1 {
		t.Fatalf("unexpected state counts: %v", snap.States)
	}
	if snap.Window[TaskSucceeded] != 1 || snap.Window[TaskPending] != 2 {
		t.Fatalf("unexpected window counts: %v", snap.Window)
	}
	if !o.Healthy() {
		t.Fatalf("expected healthy")
	}
	if err := o.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestTimedOutRunnerKeepsItsSlot(t *testing.T) {
	opts := fastOptions()
	opts.DefaultTimeout = 30 * time.Millisecond
	o := New(opts)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })

	var running, peak atomic.Int32
	stubborn := RunnerFunc(func(context.Context, []byte) ([]byte, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
		running.Add(-1)
		return []byte("late"), nil
	})
	_ = o.RegisterAgent(agent("a1", 1, "ops"), stubborn)
	o.Start()

	task, _ := o.Submit(Task{ID: "t1", Capability: "ops", MaxAttempts: 3})
	waitFor(t, "first timeout", func() bool {
		got, _ := o.Task(task.ID)
		return got.Attempts == 1 && got.State == TaskPending
	})
	if a, _ := o.Registry().Get("a1"); a.Load != 1 {
		t.Fatalf("a1 must stay occupied while its runner is still working, load=%d", a.Load)
	}

	got, err := awaitTask(t, o, task.ID)
	if got.State != TaskAbandoned || !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("expected abandonment after 3 attempts, got %s %v", got.State, err)
	}
	waitFor(t, "slot release", func() bool {
		a, _ := o.Registry().Get("a1")
		return a.Load == 0 && o.Dispatcher().InFlightCount() == 0
	})
	if p := peak.Load(); p != 1 {
		t.Fatalf("task ran on a max=1 agent %d times concurrently", p)
	}
}
