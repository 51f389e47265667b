package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blastworks/standlog/internal/events"
	"github.com/blastworks/standlog/internal/logstream"
)

type nullSink struct{}

func (nullSink) Enqueue(rec logstream.Record) error { return nil }

type nullRecorder struct{}

func (nullRecorder) Record(kind events.Kind, details map[string]any, severity events.Severity) error {
	return nil
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, actions map[Category]Action) (*Engine, *fakeClock) {
	t.Helper()
	e, err := New(nullSink{}, nullRecorder{}, actions)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e.clock = clock.Now
	// Skip real sleeps in tests.
	e.wait = func(ctx context.Context, d time.Duration) error { return nil }
	return e, clock
}

func TestRetryWithBackoff_SucceedsAfterKFailures(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	const k = 3
	var calls int
	err := e.RetryWithBackoff(context.Background(), CategoryTimeout, func() error {
		calls++
		if calls <= k {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryWithBackoff: %v", err)
	}
	if calls != k+1 {
		t.Fatalf("operation invoked %d times, want %d", calls, k+1)
	}
}

func TestRetryWithBackoff_ExhaustsMaxAttempts(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	var calls int
	failed := errors.New("hard failure")
	err := e.RetryWithBackoff(context.Background(), CategoryConnectionLoss, func() error {
		calls++
		return failed
	})
	if err == nil {
		t.Fatal("expected failure after exhaustion")
	}
	if !errors.Is(err, failed) {
		t.Fatalf("error does not wrap cause: %v", err)
	}
	// connection_loss default is 3 attempts.
	if calls != 3 {
		t.Fatalf("operation invoked %d times, want 3", calls)
	}
}

func TestRetryWithBackoff_HonorsContextCancellation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.wait = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := e.RetryWithBackoff(ctx, CategoryTimeout, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("operation invoked %d times before cancellation, want 1", calls)
	}
}

func TestBackoffDelay_BoundedAndJittered(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	a := Action{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Base: 2}

	if got := e.backoffDelay(a, 0); got != 100*time.Millisecond {
		t.Errorf("attempt 0 delay = %v, want 100ms", got)
	}
	if got := e.backoffDelay(a, 2); got != 400*time.Millisecond {
		t.Errorf("attempt 2 delay = %v, want 400ms", got)
	}
	if got := e.backoffDelay(a, 10); got != time.Second {
		t.Errorf("attempt 10 delay = %v, want capped at 1s", got)
	}

	a.Jitter = true
	e.randFn = func() float64 { return 0 }
	if got := e.backoffDelay(a, 0); got != 50*time.Millisecond {
		t.Errorf("jitter floor delay = %v, want 50ms", got)
	}
	e.randFn = func() float64 { return 0.999 }
	if got := e.backoffDelay(a, 0); got >= 150*time.Millisecond {
		t.Errorf("jitter ceiling delay = %v, want < 150ms", got)
	}
}

func TestRecover_StrategySuccessResetsCircuit(t *testing.T) {
	var strategyCalls int
	actions := map[Category]Action{
		CategoryFileWrite: {
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Strategy: func(ctx map[string]any) error {
				strategyCalls++
				return nil
			},
		},
	}
	e, _ := newTestEngine(t, actions)

	if !e.Recover(errors.New("disk hiccup"), CategoryFileWrite, nil) {
		t.Fatal("expected recovery to succeed")
	}
	if strategyCalls != 1 {
		t.Fatalf("strategy invoked %d times, want 1", strategyCalls)
	}
	st := e.Stats()[CategoryFileWrite]
	if st.ConsecutiveFailures != 0 || st.CircuitOpen || st.Recovered != 1 {
		t.Fatalf("stats = %+v, want reset circuit and 1 recovery", st)
	}
}

func TestCircuitBreaker_OpensAfterThresholdAndFailsFast(t *testing.T) {
	var strategyCalls int
	actions := map[Category]Action{
		CategoryTimeout: {
			MaxAttempts:      5,
			InitialDelay:     time.Millisecond,
			FailureThreshold: 10,
			Cooldown:         time.Minute,
			Strategy: func(ctx map[string]any) error {
				strategyCalls++
				return errors.New("still broken")
			},
		},
	}
	e, clock := newTestEngine(t, actions)

	cause := errors.New("read timeout")
	for i := 0; i < 10; i++ {
		if e.Recover(cause, CategoryTimeout, nil) {
			t.Fatalf("recovery %d unexpectedly succeeded", i)
		}
	}
	if strategyCalls != 10 {
		t.Fatalf("strategy invoked %d times, want 10", strategyCalls)
	}
	st := e.Stats()[CategoryTimeout]
	if !st.CircuitOpen {
		t.Fatalf("circuit should be open: %+v", st)
	}

	// Open circuit fails fast without touching the strategy.
	if e.Recover(cause, CategoryTimeout, nil) {
		t.Fatal("open circuit should fail fast")
	}
	if strategyCalls != 10 {
		t.Fatalf("strategy invoked during open circuit: %d calls", strategyCalls)
	}

	// After cooldown the next call re-attempts the strategy exactly once;
	// its failure reopens the circuit.
	clock.Advance(61 * time.Second)
	if e.Recover(cause, CategoryTimeout, nil) {
		t.Fatal("recovery should still fail")
	}
	if strategyCalls != 11 {
		t.Fatalf("strategy invoked %d times after cooldown, want 11", strategyCalls)
	}
	if st := e.Stats()[CategoryTimeout]; !st.CircuitOpen {
		t.Fatalf("circuit should have reopened: %+v", st)
	}
}

func TestCircuitBreaker_ClosesOnSuccessAfterCooldown(t *testing.T) {
	var healthy bool
	actions := map[Category]Action{
		CategoryConnectionLoss: {
			MaxAttempts:      3,
			InitialDelay:     time.Millisecond,
			FailureThreshold: 2,
			Cooldown:         time.Second,
			Strategy: func(ctx map[string]any) error {
				if healthy {
					return nil
				}
				return errors.New("down")
			},
		},
	}
	e, clock := newTestEngine(t, actions)

	cause := errors.New("link lost")
	e.Recover(cause, CategoryConnectionLoss, nil)
	e.Recover(cause, CategoryConnectionLoss, nil)
	if st := e.Stats()[CategoryConnectionLoss]; !st.CircuitOpen {
		t.Fatalf("circuit should be open: %+v", st)
	}

	healthy = true
	clock.Advance(2 * time.Second)
	if !e.Recover(cause, CategoryConnectionLoss, nil) {
		t.Fatal("recovery should succeed after cooldown")
	}
	st := e.Stats()[CategoryConnectionLoss]
	if st.CircuitOpen || st.ConsecutiveFailures != 0 {
		t.Fatalf("circuit should be fully reset: %+v", st)
	}
}

func TestEscalation_FiresOnlyOnExhaustion(t *testing.T) {
	var escalations []string
	actions := map[Category]Action{
		CategoryResource: {
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			Strategy: func(ctx map[string]any) error {
				return errors.New("no memory to free")
			},
			Escalate: func(category Category, message string) {
				escalations = append(escalations, string(category))
			},
		},
	}
	e, _ := newTestEngine(t, actions)

	// Direct Recover (not exhaustion) must not escalate.
	e.Recover(errors.New("oom"), CategoryResource, nil)
	if len(escalations) != 0 {
		t.Fatalf("unexpected escalation on direct recover: %v", escalations)
	}

	// Exhausting retries escalates once.
	err := e.RetryWithBackoff(context.Background(), CategoryResource, func() error {
		return errors.New("oom")
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if len(escalations) != 1 || escalations[0] != string(CategoryResource) {
		t.Fatalf("escalations = %v, want one for resource_exhaustion", escalations)
	}
	if got := e.Stats()[CategoryResource].Escalations; got != 1 {
		t.Fatalf("escalation counter = %d, want 1", got)
	}
}

func TestNew_RejectsInvalidActions(t *testing.T) {
	_, err := New(nullSink{}, nullRecorder{}, map[Category]Action{
		CategoryGeneric: {MaxAttempts: 0, InitialDelay: time.Second},
	})
	if err == nil {
		t.Fatal("expected rejection of zero max attempts")
	}
	_, err = New(nullSink{}, nullRecorder{}, map[Category]Action{
		CategoryGeneric: {MaxAttempts: 3, InitialDelay: -time.Second},
	})
	if err == nil {
		t.Fatal("expected rejection of negative delay")
	}
}

func TestUnknownCategoryUsesGenericPolicy(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	var calls int
	err := e.RetryWithBackoff(context.Background(), Category("mystery"), func() error {
		calls++
		return errors.New("odd")
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	// generic default is 3 attempts.
	if calls != 3 {
		t.Fatalf("operation invoked %d times, want 3", calls)
	}
}
