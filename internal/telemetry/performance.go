package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// PerformanceMonitor samples process and host resource usage into gauges.
type PerformanceMonitor struct {
	collector *Collector
	interval  time.Duration
	startTime time.Time
	lastGC    uint32
}

// NewPerformanceMonitor creates a monitor sampling every interval (10s when
// zero).
func NewPerformanceMonitor(collector *Collector, interval time.Duration) *PerformanceMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PerformanceMonitor{
		collector: collector,
		interval:  interval,
		startTime: time.Now(),
	}
}

// Run samples until ctx is done.
func (pm *PerformanceMonitor) Run(ctx context.Context) error {
	if !pm.collector.Enabled() {
		return nil
	}
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()
	pm.Sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pm.Sample()
		}
	}
}

// Sample records one round of process and host metrics. Host probes that
// fail on this platform are skipped.
func (pm *PerformanceMonitor) Sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	labels := map[string]string{"component": "process"}

	pm.collector.Gauge("butler_memory_heap_bytes", float64(m.HeapAlloc), labels)
	pm.collector.Counter("butler_gc_cycles_total", float64(m.NumGC-pm.lastGC), labels)
	pm.lastGC = m.NumGC
	pm.collector.Gauge("butler_goroutines", float64(runtime.NumGoroutine()), labels)
	pm.collector.Gauge("butler_uptime_seconds", time.Since(pm.startTime).Seconds(), labels)

	host := map[string]string{"component": "host"}
	if vm, err := mem.VirtualMemory(); err == nil {
		pm.collector.Gauge("butler_host_memory_used_percent", vm.UsedPercent, host)
		pm.collector.Gauge("butler_host_memory_available_bytes", float64(vm.Available), host)
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		pm.collector.Gauge("butler_host_cpu_percent", pct[0], host)
	}
	if n, err := cpu.Counts(true); err == nil {
		pm.collector.Gauge("butler_host_cpu_cores", float64(n), host)
	}
}

// TimerScope represents a scoped timer for measuring durations
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope creates a new timer scope on the global collector
func NewTimerScope(name string, labels map[string]string) *TimerScope {
	return &TimerScope{
		startTime: time.Now(),
		name:      name,
		labels:    labels,
		collector: GetGlobal(),
	}
}

// End completes the timer and records the duration. Extra labels are merged
// in, which lets callers attach the outcome once it is known.
func (ts *TimerScope) End(extra map[string]string) time.Duration {
	duration := time.Since(ts.startTime)
	labels := make(map[string]string, len(ts.labels)+len(extra))
	for k, v := range ts.labels {
		labels[k] = v
	}
	for k, v := range extra {
		labels[k] = v
	}
	ts.collector.Timer(ts.name, duration, labels)
	return duration
}
