// Package watchdog tracks per-component heartbeats and reports components
// whose heartbeats stop. Detection is purely observational: it never blocks
// or cancels the monitored component, it reports and invokes callbacks.
package watchdog

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/blastworks/standlog/internal/events"
	"github.com/blastworks/standlog/internal/logstream"
)

const (
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultMinHeartbeat     = 1 * time.Second
	DefaultOperationHistory = 100

	stopTimeout = 2 * time.Second
)

// Callback is invoked when a component freezes. It runs on the poll
// goroutine, outside the detector's lock; long work belongs elsewhere.
type Callback func(component string, frozenFor time.Duration)

// eventRecorder is the slice of *events.Recorder the detector needs.
type eventRecorder interface {
	Record(kind events.Kind, details map[string]any, severity events.Severity) error
}

// Entry is the public view of one watchdog.
type Entry struct {
	Component     string        `json:"component"`
	Timeout       time.Duration `json:"timeout"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Active        bool          `json:"active"`
	Frozen        bool          `json:"frozen"`
	Freezes       int           `json:"freezes"`
}

type entry struct {
	Entry
	callback Callback
}

// Options tunes a Detector.
type Options struct {
	// PollInterval is how often the poll loop checks all entries.
	PollInterval time.Duration
	// MinHeartbeat is the configured minimum heartbeat interval; a
	// registration whose timeout does not exceed it is rejected.
	MinHeartbeat time.Duration
	// HistorySize bounds the recent-operation ring used in freeze dumps.
	HistorySize int
}

// Detector owns the watchdog table and the poll loop.
type Detector struct {
	sink   logstream.Sink
	events eventRecorder
	runDir string
	opts   Options
	clock  func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	onFreeze  []Callback
	freezes   int
	recovered int
	ops       *opHistory

	stop chan struct{}
	done chan struct{}
}

// New builds a Detector that dumps freeze diagnostics into runDir.
func New(sink logstream.Sink, rec eventRecorder, runDir string, opts Options) (*Detector, error) {
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MinHeartbeat == 0 {
		opts.MinHeartbeat = DefaultMinHeartbeat
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = DefaultOperationHistory
	}
	if opts.PollInterval < 0 || opts.MinHeartbeat < 0 {
		return nil, fmt.Errorf("watchdog: intervals must be positive (poll=%v min=%v)",
			opts.PollInterval, opts.MinHeartbeat)
	}
	return &Detector{
		sink:    sink,
		events:  rec,
		runDir:  runDir,
		opts:    opts,
		clock:   time.Now,
		entries: make(map[string]*entry),
		ops:     newOpHistory(opts.HistorySize),
	}, nil
}

// Register adds a watchdog for a component. The timeout must strictly
// exceed the configured minimum heartbeat interval, otherwise every normal
// gap between heartbeats would read as a freeze.
func (d *Detector) Register(component string, timeout time.Duration, cb Callback) error {
	if timeout <= d.opts.MinHeartbeat {
		return fmt.Errorf("watchdog: timeout %v for %q must exceed the minimum heartbeat interval %v",
			timeout, component, d.opts.MinHeartbeat)
	}
	d.mu.Lock()
	d.entries[component] = &entry{
		Entry: Entry{
			Component:     component,
			Timeout:       timeout,
			LastHeartbeat: d.clock(),
			Active:        true,
		},
		callback: cb,
	}
	d.mu.Unlock()
	return nil
}

// Heartbeat records liveness for a component. A heartbeat from a frozen
// component transitions it back to normal and emits one recovery event.
func (d *Detector) Heartbeat(component string) {
	d.mu.Lock()
	e, ok := d.entries[component]
	if !ok {
		d.mu.Unlock()
		return
	}
	now := d.clock()
	frozenFor := now.Sub(e.LastHeartbeat)
	wasFrozen := e.Frozen
	e.LastHeartbeat = now
	e.Frozen = false
	if wasFrozen {
		d.recovered++
	}
	d.mu.Unlock()

	if wasFrozen {
		_ = d.events.Record(events.KindFreezeRecovered, map[string]any{
			"component":  component,
			"frozen_for": frozenFor.Seconds(),
		}, events.SeverityWarning)
	}
}

// OnFreeze registers a global callback invoked for every freeze, after the
// component's own callback.
func (d *Detector) OnFreeze(cb Callback) {
	d.mu.Lock()
	d.onFreeze = append(d.onFreeze, cb)
	d.mu.Unlock()
}

// SetActive enables or disables polling for a component without losing its
// registration.
func (d *Detector) SetActive(component string, active bool) {
	d.mu.Lock()
	if e, ok := d.entries[component]; ok {
		e.Active = active
	}
	d.mu.Unlock()
}

// LogOperation appends to the bounded recent-operation history. The history
// feeds freeze dumps only; it never drives control flow.
func (d *Detector) LogOperation(name string, details map[string]any) {
	d.mu.Lock()
	d.ops.append(Operation{
		Time:    d.clock(),
		Name:    name,
		Details: details,
	})
	d.mu.Unlock()
}

// RecentOperations returns up to n most recent logged operations.
func (d *Detector) RecentOperations(n int) []Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ops.recent(n)
}

// Start launches the poll loop.
func (d *Detector) Start() {
	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.pollLoop()
}

// Stop signals the poll loop and joins it with a bounded timeout.
func (d *Detector) Stop() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	select {
	case <-d.done:
	case <-time.After(stopTimeout):
		log.Printf("watchdog: poll loop did not stop within %v", stopTimeout)
	}
	d.stop = nil
}

func (d *Detector) pollLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.checkAll()
		}
	}
}

// freezeAlert captures everything needed to report one freeze outside the
// lock.
type freezeAlert struct {
	component string
	frozenFor time.Duration
	freezeNum int
	callback  Callback
	globals   []Callback
}

// checkAll scans the table and transitions timed-out entries to frozen.
// Exactly one alert fires per continuous freeze episode: the NORMAL->FROZEN
// transition happens once, and only a recovering heartbeat can rearm it.
func (d *Detector) checkAll() {
	now := d.clock()
	var alerts []freezeAlert

	d.mu.Lock()
	for _, e := range d.entries {
		if !e.Active || e.Frozen {
			continue
		}
		elapsed := now.Sub(e.LastHeartbeat)
		if elapsed <= e.Timeout {
			continue
		}
		e.Frozen = true
		e.Freezes++
		d.freezes++
		alerts = append(alerts, freezeAlert{
			component: e.Component,
			frozenFor: elapsed,
			freezeNum: d.freezes,
			callback:  e.callback,
			globals:   append([]Callback(nil), d.onFreeze...),
		})
	}
	d.mu.Unlock()

	for _, a := range alerts {
		d.reportFreeze(a)
	}
}

func (d *Detector) reportFreeze(a freezeAlert) {
	_ = d.sink.Enqueue(logstream.Record{
		Category: logstream.CategoryErrors,
		Time:     d.clock(),
		Level:    logstream.LevelCritical,
		Message: fmt.Sprintf("FREEZE DETECTED: %s unresponsive for %.1fs (freeze #%d)",
			a.component, a.frozenFor.Seconds(), a.freezeNum),
	})
	_ = d.events.Record(events.KindFreezeDetected, map[string]any{
		"component":  a.component,
		"frozen_for": a.frozenFor.Seconds(),
		"freeze_num": a.freezeNum,
	}, events.SeverityCritical)

	if a.callback != nil {
		a.callback(a.component, a.frozenFor)
	}
	for _, cb := range a.globals {
		cb(a.component, a.frozenFor)
	}

	if path, err := d.dumpDiagnostics(a); err != nil {
		log.Printf("watchdog: diagnostics dump failed: %v", err)
	} else if path != "" {
		_ = d.sink.Enqueue(logstream.Record{
			Category: logstream.CategorySystem,
			Time:     d.clock(),
			Level:    logstream.LevelError,
			Message:  "freeze diagnostics dumped to " + path,
		})
	}
}

// Stats is the detector's read-only health view.
type Stats struct {
	Freezes   int              `json:"freezes"`
	Recovered int              `json:"recovered"`
	Entries   map[string]Entry `json:"entries"`
}

// Stats snapshots the watchdog table and counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := Stats{
		Freezes:   d.freezes,
		Recovered: d.recovered,
		Entries:   make(map[string]Entry, len(d.entries)),
	}
	for name, e := range d.entries {
		out.Entries[name] = e.Entry
	}
	return out
}

// Health reports whether any component is currently frozen.
type Health struct {
	Healthy   bool     `json:"healthy"`
	Frozen    []string `json:"frozen,omitempty"`
	Watchdogs int      `json:"watchdogs"`
}

func (d *Detector) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := Health{Healthy: true, Watchdogs: len(d.entries)}
	for name, e := range d.entries {
		if e.Active && e.Frozen {
			h.Healthy = false
			h.Frozen = append(h.Frozen, name)
		}
	}
	return h
}
