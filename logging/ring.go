package logging

import (
	"sync"
	"time"
)

// DefaultRingSize is the bounded FIFO capacity of recent entries.
const DefaultRingSize = 500

// Entry is one structured log record. The same shape feeds the ring
// buffer, the SSE tail, and the json emission mode.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Category   string         `json:"category"`
	Message    string         `json:"message"`
	RequestID  string         `json:"requestId,omitempty"`
	EndpointID string         `json:"endpointId,omitempty"`
	Method     string         `json:"method,omitempty"`
	Path       string         `json:"path,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Error      *ErrorDetail   `json:"error,omitempty"`
	Data       map[string]any `json:"data,omitempty"`

	level Level
}

// ErrorDetail carries a structured error on an entry.
type ErrorDetail struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// EntryFilter selects entries from the ring or the SSE tail. Zero fields
// match everything.
type EntryFilter struct {
	MinLevel   Level
	Category   Category
	RequestID  string
	EndpointID string
}

// Matches reports whether an entry passes the filter.
func (f EntryFilter) Matches(e Entry) bool {
	if e.level < f.MinLevel {
		return false
	}
	if f.Category != "" && Category(e.Category) != f.Category {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if f.EndpointID != "" && e.EndpointID != f.EndpointID {
		return false
	}
	return true
}

// Ring is a bounded FIFO of the most recent entries. Appends come from
// every request handler concurrently; reads come from admin queries.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRing creates a ring with the given capacity.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]Entry, size)}
}

// Append adds an entry, evicting the oldest when full.
func (r *Ring) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Query returns the matching entries, oldest first. A limit of 0 returns
// everything retained.
func (r *Ring) Query(f EntryFilter, limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Entry
	if r.full {
		ordered = append(ordered, r.entries[r.next:]...)
		ordered = append(ordered, r.entries[:r.next]...)
	} else {
		ordered = append(ordered, r.entries[:r.next]...)
	}

	matched := make([]Entry, 0, len(ordered))
	for _, e := range ordered {
		if f.Matches(e) {
			matched = append(matched, e)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Clear drops every retained entry.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		r.entries[i] = Entry{}
	}
	r.next = 0
	r.full = false
}

// Len reports how many entries are retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}
