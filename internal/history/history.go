// Package history keeps a short trail of idle transitions for diagnostics.
package history

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultSize is the number of records kept by New(0).
const DefaultSize = 100

// Code identifies what kind of transition a record describes.
type Code int

const (
	CodeNone Code = iota
	CodeNormal
	CodeLightIdle
	CodeLightMaintenance
	CodeDeepIdle
	CodeDeepMaintenance
)

func (c Code) String() string {
	switch c {
	case CodeNormal:
		return "normal"
	case CodeLightIdle:
		return "light-idle"
	case CodeLightMaintenance:
		return "light-maint"
	case CodeDeepIdle:
		return "deep-idle"
	case CodeDeepMaintenance:
		return "deep-maint"
	default:
		return "none"
	}
}

// Record is one entry of the history.
type Record struct {
	Code   Code
	Time   time.Time
	Reason string
}

// History is a fixed-size ring of records. A record whose code equals the
// most recent one is dropped, so the ring only holds code changes.
type History struct {
	mu      sync.RWMutex
	records []Record
	head    int // next write position
	size    int
}

// New creates a history holding at most capacity records.
func New(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &History{records: make([]Record, capacity)}
}

// Add appends a record unless it repeats the latest code. It reports whether
// the record was stored.
func (h *History) Add(code Code, at time.Time, reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size > 0 && h.latestLocked().Code == code {
		return false
	}

	h.records[h.head] = Record{Code: code, Time: at, Reason: reason}
	h.head = (h.head + 1) % len(h.records)
	if h.size < len(h.records) {
		h.size++
	}
	return true
}

func (h *History) latestLocked() Record {
	idx := (h.head - 1 + len(h.records)) % len(h.records)
	return h.records[idx]
}

// Latest returns the newest record, if any.
func (h *History) Latest() (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return Record{}, false
	}
	return h.latestLocked(), true
}

// Records returns the stored records, newest first.
func (h *History) Records() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Record, 0, h.size)
	for i := 1; i <= h.size; i++ {
		idx := (h.head - i + len(h.records)) % len(h.records)
		out = append(out, h.records[idx])
	}
	return out
}

// Len returns the number of stored records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Dump writes the records newest first, with times relative to now.
func (h *History) Dump(w io.Writer, now time.Time) {
	for _, r := range h.Records() {
		fmt.Fprintf(w, "    %12s -%v", r.Code, now.Sub(r.Time).Truncate(time.Millisecond))
		if r.Reason != "" {
			fmt.Fprintf(w, " (%s)", r.Reason)
		}
		fmt.Fprintln(w)
	}
}
