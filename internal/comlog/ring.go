package comlog

// ring is a fixed-capacity circular buffer of entries. Callers hold the
// logger's lock.
type ring struct {
	entries []Entry
	start   int
	size    int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{entries: make([]Entry, capacity)}
}

func (r *ring) append(e Entry) {
	idx := (r.start + r.size) % len(r.entries)
	r.entries[idx] = e
	if r.size < len(r.entries) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.entries)
}

// items returns the buffered entries, oldest first.
func (r *ring) items() []Entry {
	out := make([]Entry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// recent returns up to n newest entries, oldest first.
func (r *ring) recent(n int) []Entry {
	if n > r.size || n <= 0 {
		n = r.size
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = r.entries[(r.start+r.size-n+i)%len(r.entries)]
	}
	return out
}
