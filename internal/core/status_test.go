package core

import (
	"testing"
	"time"
)

func TestWindowCounterExpires(t *testing.T) {
	clock := newFakeClock()
	w := newWindowCounter(time.Minute, 60)
	for i := 0; i < 3; i++ {
		w.add(TaskSucceeded, clock.Now())
	}
	w.add(TaskFailed, clock.Now())

	if got := w.sum(clock.Now()); got[TaskSucceeded] != 3 || got[TaskFailed] != 1 {
		t.Fatalf("unexpected counts: %v", got)
	}
	clock.Advance(59 * time.Second)
	w.add(TaskSucceeded, clock.Now())
	if got := w.sum(clock.Now()); got[TaskSucceeded] != 4 {
		t.Fatalf("expected events inside the window to count, got %v", got)
	}
	clock.Advance(2 * time.Second)
	if got := w.sum(clock.Now()); got[TaskSucceeded] != 1 || got[TaskFailed] != 0 {
		t.Fatalf("expected old buckets to expire, got %v", got)
	}
}

func TestStatusDegradedOnDroppedEvents(t *testing.T) {
	q := NewQueue(QueueOptions{})
	r := NewRegistry()
	_ = r.Register(agent("a1", 1, "ops"), succeed())
	bus := NewEventBus()
	s := NewSupervisor(q, SupervisorOptions{})
	d := NewDispatcher(q, r, s, bus)
	agg := NewStatusAggregator(r, q, d, bus, time.Minute, nil)

	if snap := agg.Snapshot(); snap.Status != StatusOperational {
		t.Fatalf("expected operational, got %s", snap.Status)
	}

	_, cancel := bus.Subscribe(1)
	defer cancel()
	bus.Publish(Event{TaskID: "a"})
	bus.Publish(Event{TaskID: "b"})

	snap := agg.Snapshot()
	if snap.Components["event_mesh"] != ComponentDegraded || snap.Status != StatusDegraded {
		t.Fatalf("expected degraded event mesh, got %v", snap.Components)
	}
	if snap.Metrics.EventsDropped != 1 {
		t.Fatalf("expected one dropped delivery, got %d", snap.Metrics.EventsDropped)
	}
}

func TestStatusAgentsDegradedWhenNoneActive(t *testing.T) {
	o := New(Options{})
	_ = o.RegisterAgent(agent("a1", 1, "ops"), succeed())
	_ = o.SetAgentStatus("a1", AgentDisabled)
	snap := o.Snapshot()
	if snap.Components["agents"] != ComponentDegraded {
		t.Fatalf("expected agents degraded, got %v", snap.Components)
	}
	if snap.Agents[0].Status != AgentDisabled {
		t.Fatalf("expected disabled agent in snapshot, got %+v", snap.Agents[0])
	}
}

func TestEventBusSubscribeAndClose(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe(4)
	bus.Publish(Event{TaskID: "x", State: TaskPending})
	if ev := <-ch; ev.TaskID != "x" {
		t.Fatalf("unexpected event %+v", ev)
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after cancel")
	}
	cancel()

	ch2, _ := bus.Subscribe(1)
	bus.Close()
	if _, ok := <-ch2; ok {
		t.Fatalf("expected channel closed after bus close")
	}
	bus.Publish(Event{TaskID: "ignored"})
	var nilBus *EventBus
	nilBus.Publish(Event{})
}
