package sched

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler with a virtual clock, mainly for tests.
// Go runs its function synchronously; nothing runs until RunPending or Advance is called.
type Manual struct {
	mux    *sync.Mutex
	queue  []func()
	timers []*manualTimer
	now    time.Duration
	seq    int
}

type manualTimer struct {
	at      time.Duration
	seq     int
	f       func()
	stopped bool
}

// Stop implements Timer interface
func (mt *manualTimer) Stop() {
	mt.stopped = true
}

// NewManual returns a new Manual scheduler at virtual time zero
func NewManual() *Manual {
	return &Manual{mux: new(sync.Mutex)}
}

// Post implements Scheduler interface
func (m *Manual) Post(f func()) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.queue = append(m.queue, f)
}

// Go implements Scheduler interface
func (m *Manual) Go(f func()) {
	f()
}

// AfterFunc implements Scheduler interface
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// RunPending runs queued functions, including the ones queued while running, until the queue is empty
func (m *Manual) RunPending() {
	for {
		m.mux.Lock()
		batch := m.queue
		m.queue = nil
		m.mux.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, f := range batch {
			f()
		}
	}
}

// Now returns the virtual time elapsed since creation
func (m *Manual) Now() time.Duration {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.now
}

// Advance moves the virtual clock forward by d, firing due timers in deadline order;
// queued functions are run before and after each timer.
func (m *Manual) Advance(d time.Duration) {
	m.mux.Lock()
	target := m.now + d
	m.mux.Unlock()
	m.RunPending()
	for {
		m.mux.Lock()
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].at == m.timers[j].at {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].at < m.timers[j].at
		})
		var next *manualTimer
		for len(m.timers) > 0 {
			if m.timers[0].stopped {
				m.timers = m.timers[1:]
				continue
			}
			if m.timers[0].at <= target {
				next = m.timers[0]
				m.timers = m.timers[1:]
			}
			break
		}
		if next == nil {
			m.now = target
			m.mux.Unlock()
			return
		}
		m.now = next.at
		m.mux.Unlock()
		next.stopped = true
		next.f()
		m.RunPending()
	}
}

// PendingTimers returns the number of armed timers
func (m *Manual) PendingTimers() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}
