// Package events records discrete, typed domain events through the log
// router, deduplicating continuous threshold state so only zone changes
// (and every danger/critical entry) produce records.
package events

import (
	"sync"
	"time"

	"github.com/blastworks/standlog/internal/logstream"
)

// Kind is the closed taxonomy of domain events.
type Kind string

const (
	KindSerialConnect    Kind = "serial_connect"
	KindSerialDisconnect Kind = "serial_disconnect"
	KindSerialError      Kind = "serial_error"
	KindSerialReconnect  Kind = "serial_reconnect"

	KindThresholdWarning Kind = "threshold_warning"
	KindThresholdDanger  Kind = "threshold_danger"
	KindSensorNormal     Kind = "sensor_normal"
	KindSensorFailure    Kind = "sensor_failure"

	KindValveOpen  Kind = "valve_open"
	KindValveClose Kind = "valve_close"
	KindValveError Kind = "valve_error"

	KindModeChange      Kind = "mode_change"
	KindFreezeDetected  Kind = "freeze_detected"
	KindFreezeRecovered Kind = "freeze_recovered"
	KindStartup         Kind = "startup"
	KindShutdown        Kind = "shutdown"

	KindClientConnect    Kind = "client_connect"
	KindClientDisconnect Kind = "client_disconnect"
	KindClientThrottled  Kind = "client_throttled"
	KindClientRecovered  Kind = "client_recovered"
)

// Severity of a recorded event. Error and Critical events are routed to the
// errors stream so operators find them without grepping the event stream.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Zone classifies a sensor reading against its thresholds.
type Zone string

const (
	ZoneNormal   Zone = "normal"
	ZoneWarning  Zone = "warning"
	ZoneDanger   Zone = "danger"
	ZoneCritical Zone = "critical"
)

// Recorder assigns per-kind sequence numbers and forwards structured events
// to the router. It owns the per-sensor zone table and per-valve state used
// for change detection.
type Recorder struct {
	sink  logstream.Sink
	clock func() time.Time

	mu     sync.Mutex
	seq    map[Kind]uint64
	zones  map[string]Zone
	valves map[string]bool
}

// NewRecorder creates a Recorder that persists through sink.
func NewRecorder(sink logstream.Sink) *Recorder {
	return &Recorder{
		sink:   sink,
		clock:  time.Now,
		seq:    make(map[Kind]uint64),
		zones:  make(map[string]Zone),
		valves: make(map[string]bool),
	}
}

// Record persists one event unconditionally. The returned error is the
// router's backpressure signal; callers may degrade on it.
func (r *Recorder) Record(kind Kind, details map[string]any, severity Severity) error {
	r.mu.Lock()
	r.seq[kind]++
	seq := r.seq[kind]
	now := r.clock()
	r.mu.Unlock()

	fields := map[string]any{
		"event_type": string(kind),
		"sequence":   seq,
	}
	if len(details) > 0 {
		fields["details"] = details
	}

	cat := logstream.CategoryEvents
	if severity == SeverityError || severity == SeverityCritical {
		cat = logstream.CategoryErrors
	}
	return r.sink.Enqueue(logstream.Record{
		Category: cat,
		Time:     now,
		Level:    logstream.Level(severity),
		Message:  string(kind),
		Fields:   fields,
	})
}

// CheckThreshold classifies value against the sensor's warning and danger
// thresholds and records a threshold event only on zone changes. Danger and
// critical entries are always recorded, even without a change: escalations
// must never be silenced by deduplication.
func (r *Recorder) CheckThreshold(sensorID, sensorName string, value, warning, danger float64, unit string) error {
	zone := ZoneNormal
	switch {
	case value >= danger:
		zone = ZoneDanger
	case value >= warning:
		zone = ZoneWarning
	}
	threshold := warning
	if zone == ZoneDanger {
		threshold = danger
	}
	return r.RecordThreshold(sensorID, sensorName, value, threshold, zone, unit)
}

// RecordThreshold applies the zone-change dedup policy for an already
// classified reading. Callers with an explicit critical band use this
// directly with ZoneCritical.
func (r *Recorder) RecordThreshold(sensorID, sensorName string, value, threshold float64, zone Zone, unit string) error {
	r.mu.Lock()
	previous, ok := r.zones[sensorID]
	if !ok {
		previous = ZoneNormal
	}
	escalation := zone == ZoneDanger || zone == ZoneCritical
	changed := zone != previous
	if changed {
		r.zones[sensorID] = zone
	}
	r.mu.Unlock()

	if !changed && !escalation {
		return nil
	}

	kind, severity := classifyZone(zone)
	return r.Record(kind, map[string]any{
		"sensor_id":    sensorID,
		"sensor_name":  sensorName,
		"value":        value,
		"threshold":    threshold,
		"zone":         string(zone),
		"unit":         unit,
		"state_change": string(previous) + " -> " + string(zone),
	}, severity)
}

func classifyZone(zone Zone) (Kind, Severity) {
	switch zone {
	case ZoneCritical:
		return KindThresholdDanger, SeverityError
	case ZoneDanger:
		return KindThresholdDanger, SeverityWarning
	case ZoneWarning:
		return KindThresholdWarning, SeverityWarning
	default:
		return KindSensorNormal, SeverityInfo
	}
}

// RecordConnection records a connection-state event. Connection events are
// discrete actions, never deduplicated.
func (r *Recorder) RecordConnection(event string, details map[string]any) error {
	kinds := map[string]Kind{
		"connect":    KindSerialConnect,
		"disconnect": KindSerialDisconnect,
		"error":      KindSerialError,
		"reconnect":  KindSerialReconnect,
	}
	kind, ok := kinds[event]
	if !ok {
		kind = KindSerialError
	}
	severity := SeverityInfo
	if event == "error" {
		severity = SeverityError
	}
	return r.Record(kind, details, severity)
}

// RecordModeChange records a data-source mode switch (serial <-> simulator).
func (r *Recorder) RecordModeChange(from, to, reason string) error {
	return r.Record(KindModeChange, map[string]any{
		"from_mode": from,
		"to_mode":   to,
		"reason":    reason,
	}, SeverityInfo)
}

// RecordValve records a valve operation. Valve state is only committed on a
// successful operation so the next record reports the true previous state.
func (r *Recorder) RecordValve(valveID, valveName string, open bool, source string, success bool) error {
	r.mu.Lock()
	previous, known := r.valves[valveID]
	if success {
		r.valves[valveID] = open
	}
	r.mu.Unlock()

	kind := KindValveClose
	if open {
		kind = KindValveOpen
	}
	severity := SeverityInfo
	if !success {
		kind = KindValveError
		severity = SeverityError
	}

	prevState := "unknown"
	if known {
		prevState = "closed"
		if previous {
			prevState = "open"
		}
	}
	newState := "closed"
	if open {
		newState = "open"
	}
	return r.Record(kind, map[string]any{
		"valve_id":       valveID,
		"valve_name":     valveName,
		"new_state":      newState,
		"previous_state": prevState,
		"command_source": source,
		"success":        success,
	}, severity)
}

// Sequence returns the number of events recorded for a kind this session.
func (r *Recorder) Sequence(kind Kind) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq[kind]
}
