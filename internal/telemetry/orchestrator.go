package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/autonomous-butler/butler-core/internal/core"
)

// Consume turns task events into metrics until events is closed or ctx ends.
func Consume(ctx context.Context, c *Collector, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			RecordEvent(c, ev)
		}
	}
}

// RecordEvent records a single task event.
func RecordEvent(c *Collector, ev core.Event) {
	switch ev.Kind {
	case core.EventTransition:
		c.Counter("butler_task_transitions_total", 1, map[string]string{
			"capability": ev.Capability,
			"state":      string(ev.State),
		})
	case core.EventResult:
		labels := map[string]string{
			"capability": ev.Capability,
			"outcome":    string(ev.Outcome),
		}
		c.Counter("butler_task_results_total", 1, labels)
		c.Timer("butler_task_duration_seconds", ev.Duration, labels)
	}
}

// SnapshotSource is anything that can produce a status snapshot.
type SnapshotSource interface {
	Snapshot() core.Snapshot
}

// StatusCollector exports a status snapshot as gauges at scrape time.
type StatusCollector struct {
	src SnapshotSource

	agentLoad     *prometheus.Desc
	agentCapacity *prometheus.Desc
	agentActive   *prometheus.Desc
	queueDepth    *prometheus.Desc
	tasks         *prometheus.Desc
	inFlight      *prometheus.Desc
	component     *prometheus.Desc
	eventsDropped *prometheus.Desc
}

// NewStatusCollector builds a collector reading from src.
func NewStatusCollector(src SnapshotSource) *StatusCollector {
	return &StatusCollector{
		src:           src,
		agentLoad:     prometheus.NewDesc("butler_agent_load", "Tasks currently running on the agent.", []string{"agent"}, nil),
		agentCapacity: prometheus.NewDesc("butler_agent_capacity", "Maximum concurrent tasks of the agent.", []string{"agent"}, nil),
		agentActive:   prometheus.NewDesc("butler_agent_active", "1 if the agent accepts work.", []string{"agent"}, nil),
		queueDepth:    prometheus.NewDesc("butler_queue_depth", "Pending tasks per capability.", []string{"capability"}, nil),
		tasks:         prometheus.NewDesc("butler_tasks", "Known tasks per state.", []string{"state"}, nil),
		inFlight:      prometheus.NewDesc("butler_in_flight", "Tasks dispatched or running.", nil, nil),
		component:     prometheus.NewDesc("butler_component_healthy", "1 if the component is healthy.", []string{"component"}, nil),
		eventsDropped: prometheus.NewDesc("butler_events_dropped_total", "Event deliveries dropped on full subscribers.", nil, nil),
	}
}

func (s *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.agentLoad
	ch <- s.agentCapacity
	ch <- s.agentActive
	ch <- s.queueDepth
	ch <- s.tasks
	ch <- s.inFlight
	ch <- s.component
	ch <- s.eventsDropped
}

func (s *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := s.src.Snapshot()
	for _, a := range snap.Agents {
		ch <- prometheus.MustNewConstMetric(s.agentLoad, prometheus.GaugeValue, float64(a.Load), a.ID)
		ch <- prometheus.MustNewConstMetric(s.agentCapacity, prometheus.GaugeValue, float64(a.Capacity), a.ID)
		ch <- prometheus.MustNewConstMetric(s.agentActive, prometheus.GaugeValue, boolValue(a.Status == core.AgentActive), a.ID)
	}
	for tag, depth := range snap.QueueDepth {
		ch <- prometheus.MustNewConstMetric(s.queueDepth, prometheus.GaugeValue, float64(depth), tag)
	}
	for state, n := range snap.States {
		ch <- prometheus.MustNewConstMetric(s.tasks, prometheus.GaugeValue, float64(n), string(state))
	}
	ch <- prometheus.MustNewConstMetric(s.inFlight, prometheus.GaugeValue, float64(snap.Metrics.InFlight))
	for name, status := range snap.Components {
		ch <- prometheus.MustNewConstMetric(s.component, prometheus.GaugeValue, boolValue(status == core.ComponentHealthy), name)
	}
	ch <- prometheus.MustNewConstMetric(s.eventsDropped, prometheus.CounterValue, float64(snap.Metrics.EventsDropped))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
