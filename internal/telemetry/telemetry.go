package telemetry

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Collector records metrics into a Prometheus registry. Metric vectors are
// created on first use; the label names of that first call fix the vector's
// labels, and later calls with a different label set are dropped.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewCollector creates a collector backed by a fresh registry. An enabled
// collector also exports Go runtime and process metrics.
func NewCollector(enabled bool) *Collector {
	reg := prometheus.NewRegistry()
	if enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Collector{
		enabled:    enabled,
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool { return c.enabled }

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Register adds a custom collector, such as one built with NewStatusCollector.
func (c *Collector) Register(col prometheus.Collector) error {
	return c.registry.Register(col)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	if !c.enabled || value < 0 {
		return
	}
	keys := labelNames(labels)
	c.mu.Lock()
	vec, ok := c.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help(name, Counter)}, keys)
		if !c.register(name, vec) {
			c.mu.Unlock()
			return
		}
		c.counters[name] = vec
	}
	c.mu.Unlock()

	m, err := vec.GetMetricWith(labels)
	if err != nil {
		log.Debug().Err(err).Str("metric", name).Msg("Dropping counter sample")
		return
	}
	m.Add(value)
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	keys := labelNames(labels)
	c.mu.Lock()
	vec, ok := c.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help(name, Gauge)}, keys)
		if !c.register(name, vec) {
			c.mu.Unlock()
			return
		}
		c.gauges[name] = vec
	}
	c.mu.Unlock()

	m, err := vec.GetMetricWith(labels)
	if err != nil {
		log.Debug().Err(err).Str("metric", name).Msg("Dropping gauge sample")
		return
	}
	m.Set(value)
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.observe(name, value, labels, prometheus.ExponentialBuckets(1, 4, 12), Histogram)
}

// Timer records a duration in seconds
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.observe(name, duration.Seconds(), labels, prometheus.DefBuckets, Timer)
}

func (c *Collector) observe(name string, value float64, labels map[string]string, buckets []float64, kind MetricType) {
	if !c.enabled {
		return
	}
	keys := labelNames(labels)
	c.mu.Lock()
	vec, ok := c.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help(name, kind), Buckets: buckets}, keys)
		if !c.register(name, vec) {
			c.mu.Unlock()
			return
		}
		c.histograms[name] = vec
	}
	c.mu.Unlock()

	m, err := vec.GetMetricWith(labels)
	if err != nil {
		log.Debug().Err(err).Str("metric", name).Msg("Dropping histogram sample")
		return
	}
	m.Observe(value)
}

// register must be called with c.mu held.
func (c *Collector) register(name string, col prometheus.Collector) bool {
	if err := c.registry.Register(col); err != nil {
		log.Debug().Err(err).Str("metric", name).Msg("Metric registration failed")
		return false
	}
	return true
}

func labelNames(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func help(name string, kind MetricType) string {
	return string(kind) + " " + strings.ReplaceAll(name, "_", " ")
}

var globalCollector atomic.Pointer[Collector]

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) *Collector {
	c := NewCollector(enabled)
	globalCollector.Store(c)
	return c
}

// GetGlobal returns the global collector, a disabled one until InitGlobal runs.
func GetGlobal() *Collector {
	if c := globalCollector.Load(); c != nil {
		return c
	}
	globalCollector.CompareAndSwap(nil, NewCollector(false))
	return globalCollector.Load()
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// HistogramGlobal records a histogram using the global collector
func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}
