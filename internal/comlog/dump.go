package comlog

import (
	"encoding/json"
	"fmt"
	"os"
)

// DumpToFile writes both direction buffers and derived statistics to path
// as indented JSON, for post-test inspection.
func (l *Logger) DumpToFile(path string) error {
	l.mu.Lock()
	dump := struct {
		Stats    Stats   `json:"statistics"`
		Sent     []Entry `json:"sent"`
		Received []Entry `json:"received"`
	}{
		Sent:     l.tx.items(),
		Received: l.rx.items(),
	}
	l.mu.Unlock()
	dump.Stats = l.Statistics()

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("encode comm dump: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write comm dump: %w", err)
	}
	return nil
}
