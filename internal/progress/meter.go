package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of the bytes moved for one file.
type Stats struct {
	BytesDone int64         `json:"bytes_done"`
	Total     int64         `json:"total"`
	RateBps   float64       `json:"rate_bps"`
	ETA       time.Duration `json:"eta"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Meter sums bytes reported by all chunk workers of a file and keeps an
// exponentially smoothed rate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter starts a meter for total bytes.
func NewMeter(total int64) *Meter {
	return NewMeterWithNow(total, time.Now)
}

// NewMeterWithNow starts a meter with a custom time source (for tests).
func NewMeterWithNow(total int64, now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	started := now()
	return &Meter{
		total:     total,
		startedAt: started,
		lastAt:    started,
		alpha:     0.2,
		now:       now,
	}
}

// Add records n more bytes.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.done += n
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.done-m.lastDone) / dt
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastDone = m.done
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		Elapsed:   m.now().Sub(m.startedAt),
	}
	if m.rateBps > 0 && m.total > m.done {
		s.ETA = time.Duration(float64(m.total-m.done) / m.rateBps * float64(time.Second))
	}
	return s
}
