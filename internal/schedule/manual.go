package schedule

import (
	"sort"
	"sync"
	"time"
)

// Manual is a virtual clock. Callbacks only run from Advance, on the caller's
// goroutine, in due-time order (ties broken by registration order).
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	m     *Manual
	at    time.Duration
	seq   uint64
	f     func()
	state int // 0 pending, 1 fired, 2 stopped
}

// NewManual returns a clock at zero
func NewManual() *Manual {
	return &Manual{}
}

// AfterFunc implements Scheduler
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{m: m, at: m.now + d, seq: m.seq, f: f}
	m.pending = append(m.pending, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.state != 0 {
		return false
	}
	t.state = 2
	t.m.remove(t)
	return true
}

func (m *Manual) remove(t *manualTimer) {
	for i, p := range m.pending {
		if p == t {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// next pops the earliest timer due at or before limit
func (m *Manual) next(limit time.Duration) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].at != m.pending[j].at {
			return m.pending[i].at < m.pending[j].at
		}
		return m.pending[i].seq < m.pending[j].seq
	})
	t := m.pending[0]
	if t.at > limit {
		return nil
	}
	m.pending = m.pending[1:]
	t.state = 1
	if t.at > m.now {
		m.now = t.at
	}
	return t
}

// Advance moves the clock forward by d, firing every callback that becomes
// due. Callbacks scheduled by fired callbacks also run if they fall inside
// the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	limit := m.now + d
	m.mu.Unlock()

	for {
		t := m.next(limit)
		if t == nil {
			break
		}
		t.f()
	}

	m.mu.Lock()
	m.now = limit
	m.mu.Unlock()
}

// Elapsed is the virtual time since creation
func (m *Manual) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending is the number of callbacks not yet fired or stopped
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// NextIn reports how long until the earliest pending callback
func (m *Manual) NextIn() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return 0, false
	}
	min := m.pending[0].at
	for _, t := range m.pending[1:] {
		if t.at < min {
			min = t.at
		}
	}
	return min - m.now, true
}
