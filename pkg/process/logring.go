package process

import (
	"sync"
	"time"
)

// DefaultRingSize is the per-instance log buffer capacity in lines.
const DefaultRingSize = 500

// LogEntry is one captured output line, tagged with the instance it came
// from and the time it was read.
type LogEntry struct {
	When time.Time
	ID   string
	Text string
}

func (e LogEntry) String() string {
	return e.When.Format("2006/01/02 15:04:05") + " [" + e.ID + "] " + e.Text
}

// LogRing is a bounded ring of output lines. Writers never block on readers:
// appends take the lock only long enough to place one entry, and reads copy
// a snapshot out.
type LogRing struct {
	mu    sync.Mutex
	id    string
	buf   []LogEntry
	next  int
	wrapd bool
}

func NewLogRing(id string, size int) *LogRing {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &LogRing{id: id, buf: make([]LogEntry, size)}
}

// Append adds a line, evicting the oldest once the ring is full.
func (r *LogRing) Append(text string) {
	r.mu.Lock()
	r.buf[r.next] = LogEntry{When: time.Now(), ID: r.id, Text: text}
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.wrapd = true
	}
	r.mu.Unlock()
}

// Tail returns up to max entries, oldest first. max <= 0 means all.
func (r *LogRing) Tail(max int) []LogEntry {
	r.mu.Lock()
	var out []LogEntry
	if r.wrapd {
		out = make([]LogEntry, 0, len(r.buf))
		out = append(out, r.buf[r.next:]...)
		out = append(out, r.buf[:r.next]...)
	} else {
		out = make([]LogEntry, r.next)
		copy(out, r.buf[:r.next])
	}
	r.mu.Unlock()
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
