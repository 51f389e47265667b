// Package perf collects timing and resource metrics, flushes periodic
// aggregates to the performance stream, and warns on slow operations and
// high memory use.
package perf

import (
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/blastworks/standlog/internal/logstream"
)

const (
	DefaultSampleInterval  = 1 * time.Second
	DefaultLogInterval     = 60 * time.Second
	DefaultSlowOpThreshold = 500 * time.Millisecond
	DefaultMemoryCeilingMB = 500.0

	stopTimeout = 2 * time.Second
)

// Options tunes a Monitor. Both intervals are required; the thresholds
// default when zero.
type Options struct {
	SampleInterval  time.Duration
	LogInterval     time.Duration
	SlowOpThreshold time.Duration
	MemoryCeilingMB float64
}

// Monitor aggregates metric samples and runs the background resource
// sampler. Resource metrics (memory_, cpu_, goroutine_ prefixes) accumulate
// for the whole session; everything else resets each flush window.
type Monitor struct {
	sink  logstream.Sink
	opts  Options
	clock func() time.Time

	mu        sync.Mutex
	metrics   map[string]*MetricStat
	units     map[string]string
	lastFlush time.Time

	stop chan struct{}
	done chan struct{}

	cpu cpuSampler
}

// New validates the intervals and builds a Monitor. Non-positive intervals
// are configuration mistakes and fail immediately.
func New(sink logstream.Sink, opts Options) (*Monitor, error) {
	if opts.SampleInterval <= 0 || opts.LogInterval <= 0 {
		return nil, fmt.Errorf("perf: intervals must be positive (sample=%v log=%v)",
			opts.SampleInterval, opts.LogInterval)
	}
	if opts.SlowOpThreshold == 0 {
		opts.SlowOpThreshold = DefaultSlowOpThreshold
	}
	if opts.MemoryCeilingMB == 0 {
		opts.MemoryCeilingMB = DefaultMemoryCeilingMB
	}

	m := &Monitor{
		sink:    sink,
		opts:    opts,
		clock:   time.Now,
		metrics: make(map[string]*MetricStat),
		units:   make(map[string]string),
	}
	m.lastFlush = m.clock()
	return m, nil
}

// Start launches the background resource sampler.
func (m *Monitor) Start() {
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.sampleLoop()
}

// Stop signals the sampler and joins it with a bounded timeout. A sampler
// that fails to stop is logged rather than blocking process exit.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	select {
	case <-m.done:
	case <-time.After(stopTimeout):
		log.Printf("perf: sampler did not stop within %v", stopTimeout)
	}
	m.stop = nil
}

// Measure starts a scoped timer for an operation. The returned func records
// the elapsed time under "<op>_time"; invoke it with defer so the sample is
// taken whether or not the wrapped work succeeds.
func (m *Monitor) Measure(operation string) func() {
	start := m.clock()
	return func() {
		elapsed := m.clock().Sub(start)
		m.RecordMetric(operation+"_time", float64(elapsed)/float64(time.Millisecond), "ms")
		if elapsed > m.opts.SlowOpThreshold {
			m.warn(fmt.Sprintf("slow operation: %s took %.1fms",
				operation, float64(elapsed)/float64(time.Millisecond)))
		}
	}
}

// RecordMetric folds one sample into the named stat. When the log interval
// has elapsed it also flushes an aggregate snapshot of all metrics and
// resets the non-resource ones to open a fresh window.
func (m *Monitor) RecordMetric(name string, value float64, unit string) {
	var flushSnapshot map[string]Snapshot

	m.mu.Lock()
	stat, ok := m.metrics[name]
	if !ok {
		stat = &MetricStat{Name: name}
		m.metrics[name] = stat
	}
	stat.Add(value)
	if unit != "" {
		m.units[name] = unit
	}

	now := m.clock()
	if now.Sub(m.lastFlush) >= m.opts.LogInterval {
		flushSnapshot = m.snapshotLocked()
		m.resetWindowLocked()
		m.lastFlush = now
	}
	m.mu.Unlock()

	if flushSnapshot != nil {
		m.flush(flushSnapshot)
	}
}

// isResourceMetric reports whether a metric survives window resets.
func isResourceMetric(name string) bool {
	return strings.HasPrefix(name, "memory_") ||
		strings.HasPrefix(name, "cpu_") ||
		strings.HasPrefix(name, "goroutine_")
}

func (m *Monitor) snapshotLocked() map[string]Snapshot {
	out := make(map[string]Snapshot, len(m.metrics))
	for name, stat := range m.metrics {
		out[name] = stat.snapshot(m.units[name])
	}
	return out
}

func (m *Monitor) resetWindowLocked() {
	for name := range m.metrics {
		if !isResourceMetric(name) {
			m.metrics[name] = &MetricStat{Name: name}
		}
	}
}

// flush writes the aggregate snapshot to the performance stream. A full
// queue just drops this summary; the stats themselves are intact in memory.
func (m *Monitor) flush(snapshot map[string]Snapshot) {
	err := m.sink.Enqueue(logstream.Record{
		Category: logstream.CategoryPerformance,
		Time:     m.clock(),
		Level:    logstream.LevelInfo,
		Message:  "metrics summary",
		Fields:   map[string]any{"metrics": snapshot},
	})
	if err != nil {
		log.Printf("perf: summary flush skipped: %v", err)
	}
}

func (m *Monitor) warn(msg string) {
	_ = m.sink.Enqueue(logstream.Record{
		Category: logstream.CategoryPerformance,
		Time:     m.clock(),
		Level:    logstream.LevelWarning,
		Message:  msg,
	})
}

// sampleLoop reads process resource usage at the sample interval and feeds
// it through RecordMetric like any other producer.
func (m *Monitor) sampleLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memMB := float64(ms.HeapAlloc) / (1024 * 1024)
	m.RecordMetric("memory_mb", memMB, "MB")
	m.RecordMetric("goroutine_count", float64(runtime.NumGoroutine()), "goroutines")

	// The first CPU reading has no prior interval to diff against.
	if pct, ok := m.cpu.sample(m.clock()); ok {
		m.RecordMetric("cpu_percent", pct, "%")
	}

	if memMB > m.opts.MemoryCeilingMB {
		m.warn(fmt.Sprintf("high memory usage: %.1fMB", memMB))
	}
}

// Statistics returns a point-in-time snapshot of every tracked metric.
func (m *Monitor) Statistics() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Health is the monitor's contribution to the supervisory health view.
type Health struct {
	Healthy    bool     `json:"healthy"`
	MemoryMB   float64  `json:"memory_mb"`
	Goroutines int      `json:"goroutines"`
	Metrics    int      `json:"metrics_tracked"`
	Issues     []string `json:"issues,omitempty"`
}

// Health samples current resource usage and flags ceiling violations.
func (m *Monitor) Health() Health {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memMB := float64(ms.HeapAlloc) / (1024 * 1024)

	m.mu.Lock()
	tracked := len(m.metrics)
	m.mu.Unlock()

	h := Health{
		Healthy:    true,
		MemoryMB:   memMB,
		Goroutines: runtime.NumGoroutine(),
		Metrics:    tracked,
	}
	if memMB > m.opts.MemoryCeilingMB {
		h.Healthy = false
		h.Issues = append(h.Issues, "high memory usage")
	}
	return h
}
