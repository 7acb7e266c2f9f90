package core

import (
	"sync/atomic"
	"time"
)

const (
	StatusOperational = "operational"
	StatusDegraded    = "degraded"

	ComponentHealthy  = "healthy"
	ComponentDegraded = "degraded"
)

type windowBucket struct {
	epoch  atomic.Int64
	counts [6]atomic.Int64
}

// windowCounter counts transitions into each state over a trailing window
// using a ring of time buckets. It never locks; counts may be slightly stale
// when a bucket is recycled concurrently with a write.
type windowCounter struct {
	width   time.Duration
	buckets []windowBucket
}

func newWindowCounter(window time.Duration, n int) *windowCounter {
	if n < 1 {
		n = 1
	}
	width := window / time.Duration(n)
	if width <= 0 {
		width = time.Second
	}
	return &windowCounter{width: width, buckets: make([]windowBucket, n)}
}

func (w *windowCounter) epoch(t time.Time) int64 { return t.UnixNano() / int64(w.width) }

func (w *windowCounter) add(state TaskState, at time.Time) {
	i := state.index()
	if i < 0 {
		return
	}
	ep := w.epoch(at)
	b := &w.buckets[ep%int64(len(w.buckets))]
	if old := b.epoch.Load(); old != ep {
		if old > ep {
			// Event older than the bucket's current use; it is outside the window.
			return
		}
		if b.epoch.CompareAndSwap(old, ep) {
			for j := range b.counts {
				b.counts[j].Store(0)
			}
		}
	}
	b.counts[i].Add(1)
}

func (w *windowCounter) sum(now time.Time) map[TaskState]int64 {
	cur := w.epoch(now)
	oldest := cur - int64(len(w.buckets)) + 1
	out := make(map[TaskState]int64, len(TaskStates))
	for _, st := range TaskStates {
		out[st] = 0
	}
	for i := range w.buckets {
		b := &w.buckets[i]
		ep := b.epoch.Load()
		if ep < oldest || ep > cur {
			continue
		}
		for j, st := range TaskStates {
			out[st] += b.counts[j].Load()
		}
	}
	return out
}

// AgentLoad is the per-agent section of a status snapshot.
type AgentLoad struct {
	ID       string      `json:"id"`
	Load     int         `json:"load"`
	Capacity int         `json:"capacity"`
	Status   AgentStatus `json:"status"`
}

// StatusMetrics summarises recent activity.
type StatusMetrics struct {
	Uptime          string  `json:"uptime"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	QueuedTotal     int64   `json:"queued_total"`
	InFlight        int     `json:"in_flight"`
	SuccessRate     float64 `json:"success_rate"`
	EventsPublished uint64  `json:"events_published"`
	EventsDropped   uint64  `json:"events_dropped"`
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	Status        string              `json:"status"`
	Components    map[string]string   `json:"components"`
	Metrics       StatusMetrics       `json:"metrics"`
	Agents        []AgentLoad         `json:"agents"`
	QueueDepth    map[string]int64    `json:"queue_depth"`
	States        map[TaskState]int64 `json:"states"`
	Window        map[TaskState]int64 `json:"window"`
	WindowSeconds int                 `json:"window_seconds"`
	GeneratedAt   time.Time           `json:"generated_at"`
}

// StatusAggregator derives system status from the other components. It only
// reads their atomics and takes read locks, so it never stalls dispatch.
type StatusAggregator struct {
	registry   *Registry
	queue      *Queue
	dispatcher *Dispatcher
	events     *EventBus
	now        func() time.Time

	window  time.Duration
	counter *windowCounter
	started time.Time

	// heartbeat is the last time the dispatch loop ran, in unix nanoseconds.
	heartbeat atomic.Int64
	loopStale atomic.Int64
}

// NewStatusAggregator creates an aggregator with a trailing window of the
// given length.
func NewStatusAggregator(r *Registry, q *Queue, d *Dispatcher, events *EventBus, window time.Duration, now func() time.Time) *StatusAggregator {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &StatusAggregator{
		registry:   r,
		queue:      q,
		dispatcher: d,
		events:     events,
		now:        now,
		window:     window,
		counter:    newWindowCounter(window, 60),
		started:    now(),
	}
}

// Record counts a state transition in the trailing window.
func (a *StatusAggregator) Record(ev Event) {
	if ev.Kind != EventTransition {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = a.now()
	}
	a.counter.add(ev.State, at)
}

// Beat records a run of the dispatch loop. A loop that has not beaten within
// stale marks the orchestrator component degraded.
func (a *StatusAggregator) Beat(stale time.Duration) {
	a.loopStale.Store(int64(stale))
	a.heartbeat.Store(a.now().UnixNano())
}

// Snapshot builds the current system view.
func (a *StatusAggregator) Snapshot() Snapshot {
	now := a.now()
	snap := Snapshot{
		Status:        StatusOperational,
		Components:    map[string]string{},
		QueueDepth:    a.queue.Depths(),
		States:        a.queue.Counts(),
		Window:        a.counter.sum(now),
		WindowSeconds: int(a.window / time.Second),
		GeneratedAt:   now,
	}

	snap.Components["orchestrator"] = ComponentHealthy
	stale := time.Duration(a.loopStale.Load())
	if hb := a.heartbeat.Load(); hb != 0 && stale > 0 && now.Sub(time.Unix(0, hb)) > stale {
		snap.Components["orchestrator"] = ComponentDegraded
	}

	snap.Components["event_mesh"] = ComponentHealthy
	if a.events.DroppedSince(now.Add(-a.window)) {
		snap.Components["event_mesh"] = ComponentDegraded
	}

	agents := a.registry.List()
	active := 0
	snap.Agents = make([]AgentLoad, 0, len(agents))
	for _, ag := range agents {
		snap.Agents = append(snap.Agents, AgentLoad{ID: ag.ID, Load: ag.Load, Capacity: ag.MaxConcurrent, Status: ag.Status})
		if ag.Status == AgentActive {
			active++
		}
	}
	snap.Components["agents"] = ComponentHealthy
	if active == 0 {
		snap.Components["agents"] = ComponentDegraded
	}

	for _, c := range snap.Components {
		if c != ComponentHealthy {
			snap.Status = StatusDegraded
			break
		}
	}

	var queued int64
	for _, d := range snap.QueueDepth {
		queued += d
	}
	uptime := now.Sub(a.started)
	published, dropped := a.events.Stats()
	snap.Metrics = StatusMetrics{
		Uptime:          uptime.Truncate(time.Second).String(),
		UptimeSeconds:   int64(uptime / time.Second),
		QueuedTotal:     queued,
		InFlight:        a.dispatcher.InFlightCount(),
		EventsPublished: published,
		EventsDropped:   dropped,
	}
	if done := snap.Window[TaskSucceeded] + snap.Window[TaskFailed] + snap.Window[TaskAbandoned]; done > 0 {
		snap.Metrics.SuccessRate = float64(snap.Window[TaskSucceeded]) / float64(done)
	}
	return snap
}

// Healthy reports whether a snapshot can be produced.
func (a *StatusAggregator) Healthy() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = a.Snapshot()
	return true
}
