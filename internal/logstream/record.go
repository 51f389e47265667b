// Package logstream persists structured records into per-category
// append-only streams inside a per-run directory. Producers enqueue onto a
// bounded queue; one consumer goroutine performs all disk writes.
package logstream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category identifies one append-only output stream within a Run.
type Category string

const (
	CategoryEvents      Category = "events"
	CategoryErrors      Category = "errors"
	CategoryPerformance Category = "performance"
	CategorySerial      Category = "serial"
	CategoryData        Category = "data"
	CategorySystem      Category = "system"

	// categoryShutdown is the internal sentinel pushed by Shutdown.
	categoryShutdown Category = "__shutdown"
)

// Categories lists every stream a Run provisions, in creation order.
var Categories = []Category{
	CategoryEvents,
	CategoryErrors,
	CategoryPerformance,
	CategorySerial,
	CategoryData,
	CategorySystem,
}

// Level is the severity attached to a record.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Record is a single structured entry bound for a category stream.
type Record struct {
	Category Category
	Time     time.Time
	Level    Level
	Message  string
	Fields   map[string]any
}

// Sink accepts records for durable persistence. *Router is the canonical
// implementation; consumers hold the interface so tests can substitute fakes.
type Sink interface {
	Enqueue(rec Record) error
}

// jsonCategories render as newline-delimited JSON objects. The system and
// errors streams stay line-oriented text for operator eyeballing.
var jsonCategories = map[Category]bool{
	CategoryEvents:      true,
	CategoryPerformance: true,
	CategorySerial:      true,
	CategoryData:        true,
}

// line renders the record as a single output line without the trailing newline.
// Text categories still carry structured fields, serialized after the message,
// so an error record loses nothing by being routed away from the event stream.
func (rec *Record) line() ([]byte, error) {
	if !jsonCategories[rec.Category] {
		text := fmt.Sprintf("%s [%s] %s",
			rec.Time.Format("2006-01-02 15:04:05.000"), rec.Level, rec.Message)
		if len(rec.Fields) > 0 {
			fields, err := json.Marshal(rec.Fields)
			if err != nil {
				return nil, fmt.Errorf("marshal record fields: %w", err)
			}
			text += " " + string(fields)
		}
		return []byte(text), nil
	}

	obj := make(map[string]any, len(rec.Fields)+3)
	for k, v := range rec.Fields {
		obj[k] = v
	}
	obj["timestamp"] = rec.Time.UTC().Format(time.RFC3339Nano)
	obj["level"] = string(rec.Level)
	obj["message"] = rec.Message

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}
