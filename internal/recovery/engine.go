// Package recovery isolates transient faults from callers with per-category
// retry policies, circuit breaking, and escalation hooks.
package recovery

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/blastworks/standlog/internal/events"
	"github.com/blastworks/standlog/internal/logstream"
)

// Category is the closed taxonomy of recoverable error classes.
type Category string

const (
	CategoryConnectionLoss Category = "connection_loss"
	CategoryTimeout        Category = "timeout"
	CategoryParse          Category = "parse_failure"
	CategoryFileWrite      Category = "file_write"
	CategoryResource       Category = "resource_exhaustion"
	CategoryGeneric        Category = "generic"
)

const (
	DefaultFailureThreshold = 10
	DefaultCooldown         = 60 * time.Second
)

// Strategy attempts to repair the fault described by ctx. A nil error means
// the category has recovered.
type Strategy func(ctx map[string]any) error

// EscalateFunc is invoked when a category has exhausted its retries and its
// recovery strategy also failed: the component needs external intervention.
type EscalateFunc func(category Category, message string)

// Action is the immutable recovery policy for one category, registered once
// at construction.
type Action struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Base             float64
	Jitter           bool
	Cooldown         time.Duration
	FailureThreshold int
	Strategy         Strategy
	Escalate         EscalateFunc
}

// DefaultActions mirrors the acquisition service's per-category retry table.
// Strategies and escalation hooks are left nil for the host to fill in.
func DefaultActions() map[Category]Action {
	return map[Category]Action{
		CategoryTimeout:        {MaxAttempts: 5, InitialDelay: 500 * time.Millisecond},
		CategoryConnectionLoss: {MaxAttempts: 3, InitialDelay: time.Second},
		CategoryParse:          {MaxAttempts: 3, InitialDelay: 100 * time.Millisecond},
		CategoryFileWrite:      {MaxAttempts: 3, InitialDelay: 100 * time.Millisecond},
		CategoryResource:       {MaxAttempts: 2, InitialDelay: 2 * time.Second},
		CategoryGeneric:        {MaxAttempts: 3, InitialDelay: 500 * time.Millisecond},
	}
}

// breaker is one category's circuit state. openUntil is zero while closed.
type breaker struct {
	failures  int
	openUntil time.Time
}

// CategoryStats is the per-category read-only view.
type CategoryStats struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitOpen         bool      `json:"circuit_open"`
	OpenUntil           time.Time `json:"open_until,omitempty"`
	Recovered           int64     `json:"recovered"`
	Failed              int64     `json:"failed"`
	ShortCircuited      int64     `json:"short_circuited"`
	Escalations         int64     `json:"escalations"`
}

// Engine executes retry and recovery policy. Backoff sleeps block the
// calling goroutine; nothing here is fire-and-forget.
type Engine struct {
	sink   logstream.Sink
	events eventRecorder
	clock  func() time.Time
	wait   func(ctx context.Context, d time.Duration) error
	randFn func() float64

	mu       sync.Mutex
	actions  map[Category]Action
	breakers map[Category]*breaker
	stats    map[Category]*CategoryStats
}

type eventRecorder interface {
	Record(kind events.Kind, details map[string]any, severity events.Severity) error
}

// New registers the action table and validates it. Categories missing from
// actions fall back to the defaults; the generic category must resolve.
func New(sink logstream.Sink, rec eventRecorder, actions map[Category]Action) (*Engine, error) {
	merged := DefaultActions()
	for cat, a := range actions {
		merged[cat] = a
	}
	for cat, a := range merged {
		if a.MaxAttempts <= 0 {
			return nil, fmt.Errorf("recovery: %s: max attempts must be positive", cat)
		}
		if a.InitialDelay <= 0 {
			return nil, fmt.Errorf("recovery: %s: initial delay must be positive", cat)
		}
		if a.Base == 0 {
			a.Base = 2
		}
		if a.MaxDelay == 0 {
			a.MaxDelay = 10 * time.Second
		}
		if a.Cooldown == 0 {
			a.Cooldown = DefaultCooldown
		}
		if a.FailureThreshold == 0 {
			a.FailureThreshold = DefaultFailureThreshold
		}
		merged[cat] = a
	}

	e := &Engine{
		sink:   sink,
		events: rec,
		clock:  time.Now,
		randFn: rand.Float64,
		wait: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
		actions:  merged,
		breakers: make(map[Category]*breaker),
		stats:    make(map[Category]*CategoryStats),
	}
	for cat := range merged {
		e.breakers[cat] = &breaker{}
		e.stats[cat] = &CategoryStats{}
	}
	return e, nil
}

// resolve maps categories outside the registered taxonomy onto generic so
// their circuit state and policy share one home.
func (e *Engine) resolve(category Category) Category {
	if _, ok := e.actions[category]; !ok {
		return CategoryGeneric
	}
	return category
}

// RetryWithBackoff invokes op up to the category's MaxAttempts, sleeping
// between attempts with exponential backoff and jitter. The first success
// wins; on exhaustion the last error is routed into Recover and returned.
func (e *Engine) RetryWithBackoff(ctx context.Context, category Category, op func() error) error {
	category = e.resolve(category)
	a := e.actions[category]

	var lastErr error
	for attempt := 0; attempt < a.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			if attempt > 0 {
				e.logSystem(logstream.LevelInfo,
					fmt.Sprintf("%s: succeeded on retry %d", category, attempt+1))
			}
			return nil
		}
		lastErr = err

		e.logSystem(logstream.LevelWarning,
			fmt.Sprintf("%s: attempt %d/%d failed: %v", category, attempt+1, a.MaxAttempts, lastErr))

		if attempt < a.MaxAttempts-1 {
			if err := e.wait(ctx, e.backoffDelay(a, attempt)); err != nil {
				return fmt.Errorf("recovery: backoff interrupted: %w", err)
			}
		}
	}

	e.logError(fmt.Sprintf("%s: all %d attempts failed: %v", category, a.MaxAttempts, lastErr))
	e.recover(lastErr, category, nil, true)
	return fmt.Errorf("recovery: %s: %d attempts exhausted: %w", category, a.MaxAttempts, lastErr)
}

// backoffDelay computes min(initial * base^attempt, max), scaled by a jitter
// factor drawn uniformly from [0.5, 1.5) when jitter is enabled.
func (e *Engine) backoffDelay(a Action, attempt int) time.Duration {
	delay := float64(a.InitialDelay) * math.Pow(a.Base, float64(attempt))
	if delay > float64(a.MaxDelay) {
		delay = float64(a.MaxDelay)
	}
	if a.Jitter {
		delay *= 0.5 + e.randFn()
	}
	return time.Duration(delay)
}

// Recover runs the category's strategy under circuit-breaker policy and
// reports whether the category has recovered. An open circuit fails fast
// without invoking the strategy until its cooldown has elapsed.
func (e *Engine) Recover(err error, category Category, ctx map[string]any) bool {
	return e.recover(err, category, ctx, false)
}

func (e *Engine) recover(cause error, category Category, ctx map[string]any, exhausted bool) bool {
	category = e.resolve(category)
	a := e.actions[category]

	e.mu.Lock()
	br := e.breakers[category]
	st := e.stats[category]
	now := e.clock()
	if !br.openUntil.IsZero() && now.Before(br.openUntil) {
		st.ShortCircuited++
		e.mu.Unlock()
		e.logSystem(logstream.LevelWarning,
			fmt.Sprintf("%s: circuit open, failing fast", category))
		return false
	}
	strategy := a.Strategy
	e.mu.Unlock()

	e.logError(fmt.Sprintf("%s: recovering from: %v", category, cause))

	var strategyErr error
	if strategy == nil {
		strategyErr = fmt.Errorf("recovery: %s: no strategy registered", category)
	} else {
		// The strategy may reconnect, clean up disk, or otherwise do I/O;
		// it runs outside the lock.
		strategyErr = strategy(ctx)
	}

	e.mu.Lock()
	if strategyErr == nil {
		br.failures = 0
		br.openUntil = time.Time{}
		st.ConsecutiveFailures = 0
		st.CircuitOpen = false
		st.OpenUntil = time.Time{}
		st.Recovered++
		e.mu.Unlock()
		e.logSystem(logstream.LevelInfo, fmt.Sprintf("%s: recovery succeeded", category))
		return true
	}

	br.failures++
	failures := br.failures
	st.ConsecutiveFailures = br.failures
	st.Failed++
	opened := false
	if br.failures >= a.FailureThreshold {
		br.openUntil = e.clock().Add(a.Cooldown)
		st.CircuitOpen = true
		st.OpenUntil = br.openUntil
		opened = true
	}
	escalate := exhausted && a.Escalate != nil
	if escalate {
		st.Escalations++
	}
	e.mu.Unlock()

	e.logError(fmt.Sprintf("%s: recovery failed: %v", category, strategyErr))
	if opened {
		e.logSystem(logstream.LevelWarning,
			fmt.Sprintf("%s: circuit opened for %v", category, a.Cooldown))
		_ = e.events.Record(events.KindSensorFailure, map[string]any{
			"category": string(category),
			"failures": failures,
		}, events.SeverityError)
	}
	if escalate {
		a.Escalate(category, fmt.Sprintf("retries exhausted and recovery failed: %v", cause))
	}
	return false
}

// Stats snapshots every category's circuit state and counters.
func (e *Engine) Stats() map[Category]CategoryStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Category]CategoryStats, len(e.stats))
	for cat, st := range e.stats {
		s := *st
		// Present the circuit as closed once its cooldown has lapsed even
		// if no recover() call has observed that yet.
		if s.CircuitOpen && !e.clock().Before(s.OpenUntil) {
			s.CircuitOpen = false
		}
		out[cat] = s
	}
	return out
}

func (e *Engine) logSystem(level logstream.Level, msg string) {
	_ = e.sink.Enqueue(logstream.Record{
		Category: logstream.CategorySystem,
		Time:     e.clock(),
		Level:    level,
		Message:  msg,
	})
}

func (e *Engine) logError(msg string) {
	_ = e.sink.Enqueue(logstream.Record{
		Category: logstream.CategoryErrors,
		Time:     e.clock(),
		Level:    logstream.LevelError,
		Message:  msg,
	})
}
