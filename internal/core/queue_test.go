package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewQueue(QueueOptions{})
	prios := []int{5, 10, 5, 1, 10, 0, 5}
	for i, p := range prios {
		if _, err := q.Enqueue(Task{ID: string(rune('a' + i)), Capability: "devops", Priority: p}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var got []string
	lastPrio := 1 << 30
	for {
		task, err := q.DequeueNext("devops")
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if task.Priority > lastPrio {
			t.Fatalf("priority increased: %d after %d", task.Priority, lastPrio)
		}
		lastPrio = task.Priority
		got = append(got, task.ID)
	}
	want := "beacgdf"
	if s := join(got); s != want {
		t.Fatalf("expected order %s, got %s", want, s)
	}
}

func join(ids []string) string {
	s := ""
	for _, id := range ids {
		s += id
	}
	return s
}

func TestQueueEnqueueValidation(t *testing.T) {
	q := NewQueue(QueueOptions{DefaultMaxAttempts: 4})
	task, err := q.Enqueue(Task{Capability: "devops"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.ID == "" {
		t.Fatalf("expected generated id")
	}
	if task.MaxAttempts != 4 || task.State != TaskPending {
		t.Fatalf("unexpected task: %+v", task)
	}
	if _, err := q.Enqueue(Task{ID: task.ID, Capability: "devops"}); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	var ve ValidationError
	if _, err := q.Enqueue(Task{ID: "x"}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := q.DequeueNext("unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueueRequeueBackoffAndExhaustion(t *testing.T) {
	clock := newFakeClock()
	q := NewQueue(QueueOptions{
		Backoff: Backoff{Base: time.Second, Max: 10 * time.Second, Factor: 2},
		Now:     clock.Now,
	})
	if _, err := q.Enqueue(Task{ID: "t", Capability: "devops", MaxAttempts: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.DequeueNext("devops"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := q.MarkRunning("t", "a1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	task, err := q.Requeue("t", "boom")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if task.State != TaskPending || task.Attempts != 1 {
		t.Fatalf("unexpected task after requeue: %+v", task)
	}
	if !task.NotBefore.Equal(clock.Now().Add(time.Second)) {
		t.Fatalf("expected not-before one second out, got %v", task.NotBefore)
	}

	if _, err := q.DequeueNext("devops"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task must not be eligible during backoff, got %v", err)
	}
	clock.Advance(time.Second)
	if _, err := q.DequeueNext("devops"); err != nil {
		t.Fatalf("dequeue after backoff: %v", err)
	}
	if _, err := q.MarkRunning("t", "a1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	task, err = q.Requeue("t", "boom again")
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("expected ErrMaxAttemptsExceeded, got %v", err)
	}
	if task.State != TaskAbandoned || task.Attempts != 2 {
		t.Fatalf("unexpected task after exhaustion: %+v", task)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := q.Await(ctx, "t"); !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("await should report ErrMaxAttemptsExceeded, got %v", err)
	}
	if _, err := q.Requeue("t", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("abandoned task must not re-enter the queue, got %v", err)
	}
}

func TestQueueRestoreKeepsPosition(t *testing.T) {
	q := NewQueue(QueueOptions{})
	_, _ = q.Enqueue(Task{ID: "first", Capability: "devops", Priority: 1})
	_, _ = q.Enqueue(Task{ID: "second", Capability: "devops", Priority: 1})

	task, err := q.DequeueNext("devops")
	if err != nil || task.ID != "first" {
		t.Fatalf("expected first, got %v %v", task.ID, err)
	}
	restored, err := q.Restore("first")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.State != TaskPending || restored.Attempts != 0 {
		t.Fatalf("restore must not consume an attempt: %+v", restored)
	}
	task, _ = q.DequeueNext("devops")
	if task.ID != "first" {
		t.Fatalf("restored task lost its position, got %s", task.ID)
	}
}

func TestQueueCancel(t *testing.T) {
	q := NewQueue(QueueOptions{})
	_, _ = q.Enqueue(Task{ID: "pending", Capability: "pm"})
	_, _ = q.Enqueue(Task{ID: "running", Capability: "pm"})

	task, err := q.Cancel("pending")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.State != TaskAbandoned {
		t.Fatalf("expected abandoned, got %s", task.State)
	}
	if d := q.Depths()["pm"]; d != 1 {
		t.Fatalf("canceled task must leave the lane, depth %d", d)
	}

	if _, err := q.DequeueNext("pm"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	task, err = q.Cancel("running")
	if err != nil {
		t.Fatalf("cancel dispatched: %v", err)
	}
	if task.State != TaskDispatched {
		t.Fatalf("dispatched task should report its state, got %s", task.State)
	}
	if _, err := q.MarkRunning("running", "a1"); !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled from MarkRunning, got %v", err)
	}
	if _, err := q.Cancel("pending"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for terminal task, got %v", err)
	}
	if _, err := q.Cancel("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestQueueCountsAndList(t *testing.T) {
	q := NewQueue(QueueOptions{})
	_, _ = q.Enqueue(Task{ID: "a", Capability: "devops"})
	_, _ = q.Enqueue(Task{ID: "b", Capability: "support"})
	_, _ = q.Enqueue(Task{ID: "c", Capability: "devops"})
	_, _ = q.DequeueNext("devops")

	counts := q.Counts()
	if counts[TaskPending] != 2 || counts[TaskDispatched] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if caps := q.Capabilities(); len(caps) != 2 || caps[0] != "devops" || caps[1] != "support" {
		t.Fatalf("unexpected capabilities: %v", caps)
	}
	list := q.List(TaskFilter{Capability: "devops"})
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "c" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list := q.List(TaskFilter{State: TaskDispatched}); len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("unexpected state filter result: %+v", list)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 5 * time.Second, Factor: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
	uncapped := Backoff{Base: time.Second, Factor: 2}
	for _, attempt := range []int{64, 5000} {
		if got := uncapped.Delay(attempt); got != maxBackoff {
			t.Fatalf("attempt %d without a cap: expected %v, got %v", attempt, maxBackoff, got)
		}
	}
	j := Backoff{Base: time.Second, Factor: 2, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		if d := j.Delay(1); d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}
