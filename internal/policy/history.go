package policy

import (
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// DefaultHistorySize is the number of execution records kept in memory.
const DefaultHistorySize = 1000

// ExecutionRecord is one executed action and its outcome.
type ExecutionRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Action    ActionType    `json:"action"`
	Requester string        `json:"requester"`
	Tier      Tier          `json:"tier"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Context   model.Params  `json:"context,omitempty"`
}

// History is a fixed-capacity ring of execution records. When full, the
// oldest record is overwritten; order is never changed.
type History struct {
	mu    sync.Mutex
	buf   []ExecutionRecord
	start int
	n     int
}

// NewHistory creates a ring with room for size records.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]ExecutionRecord, size)}
}

// Append adds r, evicting the oldest record when at capacity.
func (h *History) Append(r ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = r
		h.n++
		return
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// Snapshot returns records oldest first.
func (h *History) Snapshot() []ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ExecutionRecord, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Since returns records at or after t, oldest first.
func (h *History) Since(t time.Time) []ExecutionRecord {
	var out []ExecutionRecord
	for _, r := range h.Snapshot() {
		if !r.Timestamp.Before(t) {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of records held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// Cap returns the ring capacity.
func (h *History) Cap() int {
	return len(h.buf)
}
