package watchdog

import "time"

// Operation is one entry in the freeze-diagnostic history.
type Operation struct {
	Time    time.Time      `json:"time"`
	Name    string         `json:"name"`
	Details map[string]any `json:"details,omitempty"`
}

// opHistory is a fixed-capacity circular buffer of recent operations.
// Callers hold the detector lock.
type opHistory struct {
	ops   []Operation
	start int
	size  int
}

func newOpHistory(capacity int) *opHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &opHistory{ops: make([]Operation, capacity)}
}

func (h *opHistory) append(op Operation) {
	idx := (h.start + h.size) % len(h.ops)
	h.ops[idx] = op
	if h.size < len(h.ops) {
		h.size++
		return
	}
	h.start = (h.start + 1) % len(h.ops)
}

// recent returns up to n operations, oldest first.
func (h *opHistory) recent(n int) []Operation {
	if n > h.size || n <= 0 {
		n = h.size
	}
	out := make([]Operation, n)
	for i := 0; i < n; i++ {
		idx := (h.start + h.size - n + i) % len(h.ops)
		out[i] = h.ops[idx]
	}
	return out
}
