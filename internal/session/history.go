package session

import (
	"encoding/json"
	"sync"
	"time"
)

// History entry kinds.
const (
	EntryUserInput         = "user_input"
	EntryAssistantResponse = "assistant_response"
	EntryToolStart         = "tool_start"
	EntryUserQuestion      = "user_question"
	EntryResult            = "result"
)

// Entry is one replayable conversation item. Entries are immutable once
// inserted and never persisted to disk.
type Entry struct {
	Kind       string
	MessageID  string
	Content    string
	Tool       string
	Input      json.RawMessage
	CostUSD    float64
	DurationMS int64
	Timestamp  time.Time
}

// History is a bounded ring of entries. When full, appends drop the oldest
// entry.
type History struct {
	mu      sync.Mutex
	cap     int
	entries []Entry
}

// NewHistory creates a history bounded to max entries.
func NewHistory(max int) *History {
	if max <= 0 {
		max = 100
	}
	return &History{cap: max}
}

// Append inserts an entry, evicting the oldest when the ring is full.
func (h *History) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) >= h.cap {
		n := copy(h.entries, h.entries[len(h.entries)-h.cap+1:])
		h.entries = h.entries[:n]
	}
	h.entries = append(h.entries, e)
}

// Entries returns a copy of the ring contents in insertion order.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the current entry count.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
