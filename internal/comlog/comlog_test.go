package comlog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

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

// fixedClock steps by a constant amount each call.
type fixedClock struct {
	now  time.Time
	step time.Duration
}

func (c *fixedClock) tick() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func newLogger(t *testing.T, size int) (*Logger, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	l := New(sink, size)
	clk := &fixedClock{now: time.Unix(1000, 0), step: 10 * time.Millisecond}
	l.clock = clk.tick
	return l, sink
}

func TestSequencesPerDirection(t *testing.T) {
	l, _ := newLogger(t, 0)

	for i := 0; i < 3; i++ {
		if err := l.LogSent([]byte("ping"), ""); err != nil {
			t.Fatalf("LogSent: %v", err)
		}
	}
	if err := l.LogReceived([]byte("pong"), true); err != nil {
		t.Fatalf("LogReceived: %v", err)
	}

	tx, rx := l.Recent(10)
	if len(tx) != 3 || tx[2].Seq != 3 {
		t.Fatalf("tx entries = %d, last seq = %d, want 3/3", len(tx), tx[len(tx)-1].Seq)
	}
	if len(rx) != 1 || rx[0].Seq != 1 {
		t.Fatalf("rx entries = %d, seq = %d, want 1/1", len(rx), rx[0].Seq)
	}
	if rx[0].RTT <= 0 {
		t.Fatal("expected receive to carry an RTT measured from the last send")
	}
}

func TestSafeASCIIEscapesControlBytes(t *testing.T) {
	got := safeASCII([]byte{'O', 'K', 0x00, 0x1b, 0xff, '!'})
	want := `OK\x00\x1b\xff!`
	if got != want {
		t.Fatalf("safeASCII = %q, want %q", got, want)
	}
}

func TestStatisticsAndErrorRate(t *testing.T) {
	l, _ := newLogger(t, 0)

	if err := l.LogSent([]byte("cmd"), "read sensors"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := l.LogReceived([]byte(`{"v":1}`), true); err != nil {
			t.Fatal(err)
		}
	}
	l.LogProtocolError(ErrorJSONParse, []byte("{oops"), errors.New("bad json"))
	l.LogProtocolError(ErrorMalformed, []byte{0x00}, errors.New("garbage"))
	l.LogTimeout(2*time.Second, "awaiting telemetry")
	l.LogReconnection(3, true)

	s := l.Statistics()
	if s.TotalSent != 1 || s.TotalReceived != 4 {
		t.Fatalf("counts = %d/%d, want 1/4", s.TotalSent, s.TotalReceived)
	}
	if s.JSONParseErrors != 1 || s.Malformed != 1 || s.Timeouts != 1 || s.Reconnections != 1 {
		t.Fatalf("unexpected error counters: %+v", s)
	}
	if want := 2.0 / 4.0; s.ErrorRate != want {
		t.Fatalf("ErrorRate = %v, want %v", s.ErrorRate, want)
	}
	if s.MinRTTMs <= 0 || s.MaxRTTMs < s.MinRTTMs || s.AvgRTTMs < s.MinRTTMs || s.AvgRTTMs > s.MaxRTTMs {
		t.Fatalf("inconsistent RTT aggregates: %+v", s)
	}
}

func TestRingDiscardsOldest(t *testing.T) {
	l, _ := newLogger(t, 5)

	for i := 0; i < 12; i++ {
		if err := l.LogSent([]byte{byte(i)}, ""); err != nil {
			t.Fatal(err)
		}
	}
	tx, _ := l.Recent(100)
	if len(tx) != 5 {
		t.Fatalf("buffered = %d, want 5", len(tx))
	}
	if tx[0].Seq != 8 || tx[4].Seq != 12 {
		t.Fatalf("window = [%d..%d], want [8..12]", tx[0].Seq, tx[4].Seq)
	}
	if s := l.Statistics(); s.TotalSent != 12 {
		t.Fatalf("TotalSent = %d, want 12 despite eviction", s.TotalSent)
	}
}

func TestSummaryRecords(t *testing.T) {
	l, sink := newLogger(t, 0)

	if err := l.LogSent([]byte("hello"), "greeting"); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("records = %d, want 1", len(sink.records))
	}
	rec := sink.records[0]
	if rec.Category != logstream.CategorySerial {
		t.Fatalf("category = %q, want serial", rec.Category)
	}
	if !strings.HasPrefix(rec.Message, "TX[1]") {
		t.Fatalf("message = %q", rec.Message)
	}
	if rec.Fields["note"] != "greeting" {
		t.Fatalf("note field = %v", rec.Fields["note"])
	}
}

func TestSinkErrorSurfaced(t *testing.T) {
	sink := &captureSink{err: logstream.ErrQueueFull}
	l := New(sink, 0)

	if err := l.LogSent([]byte("x"), ""); !errors.Is(err, logstream.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	// The entry is still buffered locally even when the stream rejects it.
	tx, _ := l.Recent(1)
	if len(tx) != 1 {
		t.Fatal("expected entry to remain in the local buffer")
	}
}

func TestDumpToFile(t *testing.T) {
	l, _ := newLogger(t, 0)
	if err := l.LogSent([]byte("abc"), ""); err != nil {
		t.Fatal(err)
	}
	if err := l.LogReceived([]byte("def"), true); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "comm_dump.json")
	if err := l.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var dump struct {
		Stats    Stats   `json:"statistics"`
		Sent     []Entry `json:"sent"`
		Received []Entry `json:"received"`
	}
	if err := json.Unmarshal(data, &dump); err != nil {
		t.Fatalf("dump is not valid JSON: %v", err)
	}
	if len(dump.Sent) != 1 || len(dump.Received) != 1 {
		t.Fatalf("dump entries = %d/%d, want 1/1", len(dump.Sent), len(dump.Received))
	}
	if dump.Stats.TotalSent != 1 {
		t.Fatalf("dump stats TotalSent = %d, want 1", dump.Stats.TotalSent)
	}
}

func TestAnalyzeProtocol(t *testing.T) {
	cases := []struct {
		name    string
		data    []byte
		framing Framing
		valid   bool
		ending  string
	}{
		{"valid json crlf", []byte("{\"temp\":21.5}\r\n"), FramingJSON, true, "CRLF"},
		{"broken json", []byte("{\"temp\":\n"), FramingJSON, false, "LF"},
		{"json array", []byte(`[1,2,3]`), FramingJSON, true, ""},
		{"nmea", []byte("$GPGGA,123519,4807.038,N\r\n"), FramingNMEA, false, "CRLF"},
		{"at command", []byte("AT+CSQ\r"), FramingAT, false, "CR"},
		{"stx etx", []byte{0x02, 'D', 'A', 'T', 'A', 0x03}, FramingSTX, false, ""},
		{"unknown", []byte("hello world"), FramingUnknown, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := AnalyzeProtocol(tc.data)
			if a.Framing != tc.framing {
				t.Fatalf("framing = %q, want %q", a.Framing, tc.framing)
			}
			if a.ValidJSON != tc.valid {
				t.Fatalf("valid json = %v, want %v", a.ValidJSON, tc.valid)
			}
			if a.LineEnding != tc.ending {
				t.Fatalf("line ending = %q, want %q", a.LineEnding, tc.ending)
			}
		})
	}

	if a := AnalyzeProtocol(nil); a.Framing != FramingUnknown {
		t.Fatalf("empty input framing = %q, want UNKNOWN", a.Framing)
	}
	if a := AnalyzeProtocol([]byte{0x02, 0x00, 0x03}); !a.Binary {
		t.Fatal("expected control bytes to be flagged binary")
	}
}
