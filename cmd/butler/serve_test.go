package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/autonomous-butler/butler-core/internal/core"
	"github.com/autonomous-butler/butler-core/internal/telemetry"
)

func TestRecordEventsKeepsShutdownHistory(t *testing.T) {
	store, err := core.NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	o := core.New(core.Options{Tick: 5 * time.Millisecond})
	started := make(chan struct{})
	blocking := core.RunnerFunc(func(ctx context.Context, _ []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err := o.RegisterAgent(core.AgentDescriptor{ID: "infra", Capabilities: []string{"infrastructure"}, MaxConcurrent: 1}, blocking); err != nil {
		t.Fatal(err)
	}
	recorders := recordEvents(o, store, telemetry.NewCollector(true))
	o.Start()

	task, _ := o.Submit(core.Task{Capability: "infrastructure"})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := recorders.Wait(); err != nil {
		t.Fatalf("recorders: %v", err)
	}

	hist, err := store.History(context.Background(), core.HistoryQuery{TaskID: task.ID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var last core.Event
	for _, ev := range hist {
		if ev.Kind == core.EventTransition {
			last = ev
		}
	}
	if last.State != core.TaskAbandoned {
		t.Fatalf("shutdown abandonment missing from history, last transition %q of %d events", last.State, len(hist))
	}
}
