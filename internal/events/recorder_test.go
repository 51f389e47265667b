package events

import (
	"testing"

	"github.com/blastworks/standlog/internal/logstream"
)

type captureSink struct {
	records []logstream.Record
	err     error
}

func (s *captureSink) Enqueue(rec logstream.Record) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) kinds() []string {
	var out []string
	for _, rec := range s.records {
		out = append(out, rec.Fields["event_type"].(string))
	}
	return out
}

func TestRecorder_ThresholdDedup(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink)

	// normal -> warning -> warning -> danger -> danger
	feed := []float64{10, 55, 56, 95, 96}
	for _, v := range feed {
		if err := r.CheckThreshold("pt1", "Chamber Pressure", v, 50, 90, "PSI"); err != nil {
			t.Fatalf("CheckThreshold(%v): %v", v, err)
		}
	}

	// normal start emits nothing, first warning emits, repeated warning
	// deduped, first danger emits, repeated danger always emits.
	want := []string{"threshold_warning", "threshold_danger", "threshold_danger"}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRecorder_ThresholdReturnToNormal(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink)

	values := []float64{95, 10, 10}
	for _, v := range values {
		if err := r.CheckThreshold("tc1", "Nozzle Temp", v, 50, 90, "C"); err != nil {
			t.Fatalf("CheckThreshold(%v): %v", v, err)
		}
	}

	want := []string{"threshold_danger", "sensor_normal"}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRecorder_CriticalAlwaysEmitted(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink)

	for i := 0; i < 3; i++ {
		if err := r.RecordThreshold("pt2", "Tank Pressure", 120, 100, ZoneCritical, "PSI"); err != nil {
			t.Fatalf("RecordThreshold: %v", err)
		}
	}
	if len(sink.records) != 3 {
		t.Fatalf("critical entries must never be deduplicated: got %d records", len(sink.records))
	}
	for _, rec := range sink.records {
		if rec.Category != logstream.CategoryErrors {
			t.Fatalf("critical threshold should route to errors, got %s", rec.Category)
		}
	}
}

func TestRecorder_ConnectionEventsNotDeduped(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink)

	for i := 0; i < 4; i++ {
		if err := r.RecordConnection("disconnect", map[string]any{"port": "/dev/ttyUSB0"}); err != nil {
			t.Fatalf("RecordConnection: %v", err)
		}
	}
	if len(sink.records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(sink.records))
	}
}

func TestRecorder_PerKindSequence(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink)

	if err := r.RecordModeChange("serial", "simulator", "link lost"); err != nil {
		t.Fatalf("RecordModeChange: %v", err)
	}
	if err := r.RecordModeChange("simulator", "serial", "link restored"); err != nil {
		t.Fatalf("RecordModeChange: %v", err)
	}
	if err := r.RecordConnection("connect", nil); err != nil {
		t.Fatalf("RecordConnection: %v", err)
	}

	if got := r.Sequence(KindModeChange); got != 2 {
		t.Fatalf("mode_change sequence = %d, want 2", got)
	}
	if got := r.Sequence(KindSerialConnect); got != 1 {
		t.Fatalf("serial_connect sequence = %d, want 1", got)
	}
	if got := sink.records[1].Fields["sequence"].(uint64); got != 2 {
		t.Fatalf("second mode_change carries sequence %d, want 2", got)
	}
}

func TestRecorder_ValveStateTracking(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink)

	if err := r.RecordValve("v1", "Main Oxidizer", true, "operator", true); err != nil {
		t.Fatalf("RecordValve: %v", err)
	}
	// Failed operation must not commit the new state.
	if err := r.RecordValve("v1", "Main Oxidizer", false, "auto", false); err != nil {
		t.Fatalf("RecordValve: %v", err)
	}
	if err := r.RecordValve("v1", "Main Oxidizer", false, "operator", true); err != nil {
		t.Fatalf("RecordValve: %v", err)
	}

	first := sink.records[0].Fields["details"].(map[string]any)
	if first["previous_state"] != "unknown" {
		t.Fatalf("first operation previous_state = %v, want unknown", first["previous_state"])
	}
	failed := sink.records[1]
	if failed.Fields["event_type"] != "valve_error" {
		t.Fatalf("failed operation kind = %v, want valve_error", failed.Fields["event_type"])
	}
	third := sink.records[2].Fields["details"].(map[string]any)
	if third["previous_state"] != "open" {
		t.Fatalf("state committed by failed operation: previous_state = %v, want open", third["previous_state"])
	}
}

func TestRecorder_BackpressureSurfaced(t *testing.T) {
	sink := &captureSink{err: logstream.ErrQueueFull}
	r := NewRecorder(sink)

	if err := r.Record(KindStartup, nil, SeverityInfo); err != logstream.ErrQueueFull {
		t.Fatalf("expected ErrQueueFull to surface, got %v", err)
	}
}
