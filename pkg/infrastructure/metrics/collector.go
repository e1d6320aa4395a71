// Package metrics provides metrics collection for the connection pool.
package metrics

import (
	"strings"
	"sync"
	"time"
)

// Metric names recorded by the pool and its sessions.
const (
	PoolConnects       = "pool_connects_total"
	PoolConnectErrors  = "pool_connect_errors_total"
	PoolAcquires       = "pool_acquires_total"
	PoolReleases       = "pool_releases_total"
	PoolSwaps          = "pool_swaps_total"
	PoolFreeConns      = "pool_free_connections"
	PoolDialSeconds    = "pool_dial_duration_seconds"
	SessionRetries     = "session_retries_total"
	SessionExhaustions = "session_retry_exhausted_total"
	SessionStatements  = "session_statement_duration_seconds"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// RecordGauge records a gauge metric value.
	RecordGauge(name string, value float64, labels ...string)

	// StartTimer starts a timer for measuring duration.
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	// Stop stops the timer and returns the duration in seconds.
	Stop() float64
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

// IncrementCounter does nothing.
func (n *NoOpCollector) IncrementCounter(name string, labels ...string) {}

// RecordHistogram does nothing.
func (n *NoOpCollector) RecordHistogram(name string, value float64, labels ...string) {}

// RecordGauge does nothing.
func (n *NoOpCollector) RecordGauge(name string, value float64, labels ...string) {}

// StartTimer returns a no-op timer.
func (n *NoOpCollector) StartTimer(name string) Timer {
	return &noOpTimer{start: time.Now()}
}

// noOpTimer is a no-op implementation of Timer.
type noOpTimer struct {
	start time.Time
}

// Stop returns the elapsed time in seconds.
func (t *noOpTimer) Stop() float64 {
	return time.Since(t.start).Seconds()
}

// MemoryCollector keeps metric values in memory. It backs tests.
type MemoryCollector struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	samples  map[string][]float64
}

// NewMemoryCollector creates an empty in-memory collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		samples:  make(map[string][]float64),
	}
}

// IncrementCounter increments the counter identified by name and labels.
func (m *MemoryCollector) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[seriesKey(name, labels)]++
}

// RecordHistogram appends an observation.
func (m *MemoryCollector) RecordHistogram(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seriesKey(name, labels)
	m.samples[key] = append(m.samples[key], value)
}

// RecordGauge sets the gauge identified by name and labels.
func (m *MemoryCollector) RecordGauge(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[seriesKey(name, labels)] = value
}

// StartTimer starts a wall-clock timer.
func (m *MemoryCollector) StartTimer(name string) Timer {
	return &noOpTimer{start: time.Now()}
}

// Counter returns the current value of a counter series.
func (m *MemoryCollector) Counter(name string, labels ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

// Gauge returns the current value of a gauge series.
func (m *MemoryCollector) Gauge(name string, labels ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[seriesKey(name, labels)]
}

// Observations returns how many histogram samples a series holds.
func (m *MemoryCollector) Observations(name string, labels ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples[seriesKey(name, labels)])
}

func seriesKey(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "{" + strings.Join(labels, ",") + "}"
}
