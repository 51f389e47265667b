// Package comlog provides protocol-level diagnostic logging for the serial
// link: hex dumps, per-direction sequence and timing, bounded history, and
// error statistics. It never participates in actual message decoding.
package comlog

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/blastworks/standlog/internal/logstream"
)

// DefaultBufferSize bounds each direction's circular history.
const DefaultBufferSize = 1000

// Entry is one buffered transmit or receive.
type Entry struct {
	Seq       uint64        `json:"seq"`
	Time      time.Time     `json:"time"`
	SinceLast time.Duration `json:"since_last"` // gap to previous message, same direction
	RTT       time.Duration `json:"rtt"`        // receive only: time since most recent send
	Hex       string        `json:"hex"`
	ASCII     string        `json:"ascii"`
	Length    int           `json:"length"`
	ParsedOK  bool          `json:"parsed_ok"`
	Note      string        `json:"note,omitempty"`
}

// ErrorKind selects which protocol-error counter to bump.
type ErrorKind string

const (
	ErrorJSONParse ErrorKind = "json_parse"
	ErrorMalformed ErrorKind = "malformed"
	ErrorChecksum  ErrorKind = "checksum"
)

// Logger records both directions of serial traffic.
type Logger struct {
	sink  logstream.Sink
	clock func() time.Time

	mu     sync.Mutex
	tx, rx *ring
	txSeq  uint64
	rxSeq  uint64
	lastTx time.Time
	lastRx time.Time

	totalTx    uint64
	totalRx    uint64
	timeouts   uint64
	jsonErrors uint64
	malformed  uint64
	checksum   uint64
	reconnects uint64
}

// New creates a Logger with the given per-direction buffer size (0 means
// DefaultBufferSize).
func New(sink logstream.Sink, bufferSize int) *Logger {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Logger{
		sink:  sink,
		clock: time.Now,
		tx:    newRing(bufferSize),
		rx:    newRing(bufferSize),
	}
}

// LogSent records data written to the serial device. note is an optional
// command description.
func (l *Logger) LogSent(data []byte, note string) error {
	l.mu.Lock()
	now := l.clock()
	l.txSeq++
	l.totalTx++
	e := Entry{
		Seq:    l.txSeq,
		Time:   now,
		Hex:    hex.EncodeToString(data),
		ASCII:  safeASCII(data),
		Length: len(data),
		Note:   note,
	}
	if !l.lastTx.IsZero() {
		e.SinceLast = now.Sub(l.lastTx)
	}
	l.lastTx = now
	l.tx.append(e)
	l.mu.Unlock()

	return l.summary("TX", e)
}

// LogReceived records data read from the serial device; parsed reports
// whether the caller's decoder accepted it. Round-trip time is measured
// against the most recent send.
func (l *Logger) LogReceived(data []byte, parsed bool) error {
	l.mu.Lock()
	now := l.clock()
	l.rxSeq++
	l.totalRx++
	e := Entry{
		Seq:      l.rxSeq,
		Time:     now,
		Hex:      hex.EncodeToString(data),
		ASCII:    safeASCII(data),
		Length:   len(data),
		ParsedOK: parsed,
	}
	if !l.lastRx.IsZero() {
		e.SinceLast = now.Sub(l.lastRx)
	}
	if !l.lastTx.IsZero() {
		e.RTT = now.Sub(l.lastTx)
	}
	l.lastRx = now
	l.rx.append(e)
	l.mu.Unlock()

	return l.summary("RX", e)
}

// summary forwards a one-line digest to the serial stream. Overflowing hex
// is truncated; the full dump stays in the circular buffer.
func (l *Logger) summary(direction string, e Entry) error {
	hexDump := e.Hex
	if len(hexDump) > 100 {
		hexDump = hexDump[:100]
	}
	fields := map[string]any{
		"direction": direction,
		"seq":       e.Seq,
		"length":    e.Length,
		"hex":       hexDump,
	}
	if e.RTT > 0 {
		fields["rtt_ms"] = float64(e.RTT) / float64(time.Millisecond)
	}
	if direction == "RX" {
		fields["parsed"] = e.ParsedOK
	}
	if e.Note != "" {
		fields["note"] = e.Note
	}
	return l.sink.Enqueue(logstream.Record{
		Category: logstream.CategorySerial,
		Time:     e.Time,
		Level:    logstream.LevelInfo,
		Message:  fmt.Sprintf("%s[%d] %d bytes", direction, e.Seq, e.Length),
		Fields:   fields,
	})
}

// LogTimeout counts a read timeout and records it.
func (l *Logger) LogTimeout(duration time.Duration, context string) {
	l.mu.Lock()
	l.timeouts++
	now := l.clock()
	l.mu.Unlock()

	msg := fmt.Sprintf("TIMEOUT after %.1fs", duration.Seconds())
	if context != "" {
		msg += ": " + context
	}
	_ = l.sink.Enqueue(logstream.Record{
		Category: logstream.CategorySerial,
		Time:     now,
		Level:    logstream.LevelWarning,
		Message:  msg,
	})
}

// LogProtocolError counts a protocol-level failure and records the
// offending bytes.
func (l *Logger) LogProtocolError(kind ErrorKind, data []byte, cause error) {
	l.mu.Lock()
	switch kind {
	case ErrorJSONParse:
		l.jsonErrors++
	case ErrorChecksum:
		l.checksum++
	default:
		l.malformed++
	}
	now := l.clock()
	l.mu.Unlock()

	ascii := safeASCII(data)
	if len(ascii) > 100 {
		ascii = ascii[:100]
	}
	_ = l.sink.Enqueue(logstream.Record{
		Category: logstream.CategorySerial,
		Time:     now,
		Level:    logstream.LevelError,
		Message:  fmt.Sprintf("PROTOCOL ERROR [%s]: %v", kind, cause),
		Fields:   map[string]any{"kind": string(kind), "data": ascii},
	})
}

// LogReconnection records the outcome of a reconnect attempt sequence.
func (l *Logger) LogReconnection(attempts int, success bool) {
	l.mu.Lock()
	if success {
		l.reconnects++
	}
	now := l.clock()
	l.mu.Unlock()

	level := logstream.LevelInfo
	msg := fmt.Sprintf("RECONNECTED after %d attempts", attempts)
	if !success {
		level = logstream.LevelError
		msg = fmt.Sprintf("RECONNECTION FAILED after %d attempts", attempts)
	}
	_ = l.sink.Enqueue(logstream.Record{
		Category: logstream.CategorySerial,
		Time:     now,
		Level:    level,
		Message:  msg,
	})
}

// Stats is the logger's read-only statistics view.
type Stats struct {
	TotalSent       uint64  `json:"total_sent"`
	TotalReceived   uint64  `json:"total_received"`
	Timeouts        uint64  `json:"timeouts"`
	JSONParseErrors uint64  `json:"json_parse_errors"`
	Malformed       uint64  `json:"malformed_messages"`
	ChecksumErrors  uint64  `json:"checksum_errors"`
	Reconnections   uint64  `json:"reconnections"`
	ErrorRate       float64 `json:"error_rate"`
	MinRTTMs        float64 `json:"min_rtt_ms"`
	AvgRTTMs        float64 `json:"avg_rtt_ms"`
	MaxRTTMs        float64 `json:"max_rtt_ms"`
}

// Statistics derives counters plus round-trip aggregates over the buffered
// receive window. ErrorRate is protocol errors per received message.
func (l *Logger) Statistics() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		TotalSent:       l.totalTx,
		TotalReceived:   l.totalRx,
		Timeouts:        l.timeouts,
		JSONParseErrors: l.jsonErrors,
		Malformed:       l.malformed,
		ChecksumErrors:  l.checksum,
		Reconnections:   l.reconnects,
	}
	if l.totalRx > 0 {
		errs := l.jsonErrors + l.malformed + l.checksum
		s.ErrorRate = float64(errs) / float64(l.totalRx)
	}

	var count int
	var sum time.Duration
	for _, e := range l.rx.items() {
		if e.RTT <= 0 {
			continue
		}
		ms := float64(e.RTT) / float64(time.Millisecond)
		if count == 0 || ms < s.MinRTTMs {
			s.MinRTTMs = ms
		}
		if ms > s.MaxRTTMs {
			s.MaxRTTMs = ms
		}
		sum += e.RTT
		count++
	}
	if count > 0 {
		s.AvgRTTMs = float64(sum) / float64(time.Millisecond) / float64(count)
	}
	return s
}

// Recent returns up to n newest entries per direction, oldest first.
func (l *Logger) Recent(n int) (tx, rx []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tx.recent(n), l.rx.recent(n)
}

// safeASCII renders bytes with printable ASCII verbatim and everything else
// escaped as \xNN.
func safeASCII(data []byte) string {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b >= 32 && b <= 126 {
			out = append(out, b)
			continue
		}
		out = append(out, fmt.Sprintf("\\x%02x", b)...)
	}
	return string(out)
}
