// Package health aggregates the subsystem's component views into a single
// supervisory snapshot. It is pull-based: callers ask, nothing is pushed.
package health

import (
	"time"

	"github.com/blastworks/standlog/internal/comlog"
	"github.com/blastworks/standlog/internal/logstream"
	"github.com/blastworks/standlog/internal/perf"
	"github.com/blastworks/standlog/internal/recovery"
	"github.com/blastworks/standlog/internal/watchdog"
)

// Component source interfaces. Each matches the concrete type's methods so
// wiring is zero-cost, while tests can substitute fakes.
type (
	streamSource interface {
		Stats() logstream.Stats
	}
	perfSource interface {
		Health() perf.Health
		Statistics() map[string]perf.Snapshot
	}
	watchdogSource interface {
		Health() watchdog.Health
		Stats() watchdog.Stats
	}
	recoverySource interface {
		Stats() map[recovery.Category]recovery.CategoryStats
	}
	commSource interface {
		Statistics() comlog.Stats
	}
)

// Snapshot is the combined health view. Healthy is the conjunction of every
// component's own verdict plus an open-circuit and queue-saturation check.
type Snapshot struct {
	Time     time.Time                                    `json:"time"`
	Healthy  bool                                         `json:"healthy"`
	Issues   []string                                     `json:"issues,omitempty"`
	Stream   logstream.Stats                              `json:"stream"`
	Perf     perf.Health                                  `json:"performance"`
	Metrics  map[string]perf.Snapshot                     `json:"metrics,omitempty"`
	Watchdog watchdog.Health                              `json:"watchdog"`
	Recovery map[recovery.Category]recovery.CategoryStats `json:"recovery"`
	Comm     comlog.Stats                                 `json:"communication"`
}

// Aggregator collects component views. Nil sources are skipped, so partial
// wiring during startup is safe.
type Aggregator struct {
	stream   streamSource
	perf     perfSource
	watchdog watchdogSource
	recovery recoverySource
	comm     commSource
	clock    func() time.Time
}

func New(stream streamSource, monitor perfSource, detector watchdogSource, engine recoverySource, comm commSource) *Aggregator {
	return &Aggregator{
		stream:   stream,
		perf:     monitor,
		watchdog: detector,
		recovery: engine,
		comm:     comm,
		clock:    time.Now,
	}
}

// Snapshot assembles the current view.
func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{Time: a.clock(), Healthy: true}

	if a.stream != nil {
		s.Stream = a.stream.Stats()
		if s.Stream.QueueCap > 0 && s.Stream.QueueDepth >= s.Stream.QueueCap {
			s.Healthy = false
			s.Issues = append(s.Issues, "log queue saturated")
		}
		if s.Stream.Rejected > 0 {
			s.Issues = append(s.Issues, "log records have been rejected")
		}
	}
	if a.perf != nil {
		s.Perf = a.perf.Health()
		s.Metrics = a.perf.Statistics()
		if !s.Perf.Healthy {
			s.Healthy = false
			s.Issues = append(s.Issues, s.Perf.Issues...)
		}
	}
	if a.watchdog != nil {
		s.Watchdog = a.watchdog.Health()
		if !s.Watchdog.Healthy {
			s.Healthy = false
			for _, name := range s.Watchdog.Frozen {
				s.Issues = append(s.Issues, "component frozen: "+name)
			}
		}
	}
	if a.recovery != nil {
		s.Recovery = a.recovery.Stats()
		for cat, cs := range s.Recovery {
			if cs.CircuitOpen {
				s.Healthy = false
				s.Issues = append(s.Issues, "recovery circuit open: "+string(cat))
			}
		}
	}
	if a.comm != nil {
		s.Comm = a.comm.Statistics()
	}
	return s
}
