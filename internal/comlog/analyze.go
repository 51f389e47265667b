package comlog

import (
	"bytes"

	"github.com/valyala/fastjson"
)

// Framing identifies the wire format of a captured message.
type Framing string

const (
	FramingJSON    Framing = "JSON"
	FramingNMEA    Framing = "NMEA"
	FramingAT      Framing = "AT_COMMAND"
	FramingSTX     Framing = "STX_ETX"
	FramingUnknown Framing = "UNKNOWN"
)

// Analysis describes what AnalyzeProtocol could infer from raw bytes.
type Analysis struct {
	Framing    Framing `json:"framing"`
	ValidJSON  bool    `json:"valid_json"`
	LineEnding string  `json:"line_ending,omitempty"` // CRLF, LF or CR
	Binary     bool    `json:"binary"`
}

// AnalyzeProtocol inspects a raw message and classifies its framing. It is
// diagnostic only; the acquisition path never depends on its verdict.
func AnalyzeProtocol(data []byte) Analysis {
	a := Analysis{Framing: FramingUnknown}
	if len(data) == 0 {
		return a
	}

	switch {
	case bytes.HasSuffix(data, []byte("\r\n")):
		a.LineEnding = "CRLF"
	case bytes.HasSuffix(data, []byte("\n")):
		a.LineEnding = "LF"
	case bytes.HasSuffix(data, []byte("\r")):
		a.LineEnding = "CR"
	}

	trimmed := bytes.TrimRight(data, "\r\n")
	for _, b := range trimmed {
		if b < 32 && b != '\t' {
			a.Binary = true
			break
		}
	}

	switch {
	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
		a.Framing = FramingJSON
		a.ValidJSON = fastjson.ValidateBytes(trimmed) == nil
	case bytes.HasPrefix(trimmed, []byte("$")):
		a.Framing = FramingNMEA
	case bytes.HasPrefix(trimmed, []byte("AT")):
		a.Framing = FramingAT
	case len(trimmed) >= 2 && trimmed[0] == 0x02 && trimmed[len(trimmed)-1] == 0x03:
		a.Framing = FramingSTX
	}
	return a
}
