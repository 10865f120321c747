package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ChunkStatus is the state of one chunk at snapshot time.
type ChunkStatus struct {
	Index   int     `json:"index"`
	Percent float64 `json:"percent"`
	Done    bool    `json:"done"`
}

type slot struct {
	percent float64
	done    bool
}

// Tracker records per-chunk completion for one file. Each slot is written by
// the worker that owns the chunk and read by reporters.
type Tracker struct {
	name      string
	mu        sync.Mutex
	slots     []slot
	remaining int
	allDone   chan struct{}
}

// NewTracker returns a tracker with n slots for the named file.
func NewTracker(name string, n int) *Tracker {
	if n < 0 {
		n = 0
	}
	t := &Tracker{
		name:      name,
		slots:     make([]slot, n),
		remaining: n,
		allDone:   make(chan struct{}),
	}
	if n == 0 {
		close(t.allDone)
	}
	return t
}

// Len returns the number of slots.
func (t *Tracker) Len() int {
	return len(t.slots)
}

// Update sets chunk i to received/total. A slot never moves backwards, so
// concurrent callers with increasing values cannot be reordered into a drop.
func (t *Tracker) Update(i int, received, total int64) {
	pct := 100.0
	if total > 0 {
		pct = float64(received) * 100 / float64(total)
	}
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.slots) {
		return
	}
	if pct > t.slots[i].percent {
		t.slots[i].percent = pct
	}
}

// MarkDone marks chunk i complete. Repeated calls are no-ops.
func (t *Tracker) MarkDone(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.slots) || t.slots[i].done {
		return
	}
	t.slots[i].percent = 100
	t.slots[i].done = true
	t.remaining--
	if t.remaining == 0 {
		close(t.allDone)
	}
}

// AllDone reports whether every chunk is done.
func (t *Tracker) AllDone() bool {
	select {
	case <-t.allDone:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once every chunk is done.
func (t *Tracker) Done() <-chan struct{} {
	return t.allDone
}

// Wait blocks until every chunk is done or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.allDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of all slots taken under the lock.
func (t *Tracker) Snapshot() []ChunkStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ChunkStatus, len(t.slots))
	for i, s := range t.slots {
		out[i] = ChunkStatus{Index: i, Percent: s.percent, Done: s.done}
	}
	return out
}

// Overall returns the mean completion over all chunks.
func (t *Tracker) Overall() float64 {
	snap := t.Snapshot()
	if len(snap) == 0 {
		return 100
	}
	var sum float64
	for _, s := range snap {
		sum += s.Percent
	}
	return sum / float64(len(snap))
}

func (t *Tracker) String() string {
	return Format(t.name, t.Snapshot())
}

// Format renders one line per chunk.
func Format(name string, snap []ChunkStatus) string {
	var b strings.Builder
	for i, s := range snap {
		if i > 0 {
			b.WriteByte('\n')
		}
		if s.Done {
			fmt.Fprintf(&b, "%s part %d downloaded successfully", name, s.Index+1)
		} else {
			fmt.Fprintf(&b, "Downloading %s part %d: %.2f%%", name, s.Index+1, s.Percent)
		}
	}
	return b.String()
}
