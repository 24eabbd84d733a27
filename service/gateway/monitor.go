package gateway

import (
	"sync"
	"time"
)

// Monitor evicts connections that stay silent for longer than a timeout.
// Each connection owns one timer; a generation number makes a timer that
// fires after Reset or Cancel a no-op.
type Monitor struct {
	timeout  time.Duration
	onExpire func(id string)

	mu     sync.Mutex
	seq    uint64
	timers map[string]*monitorEntry
}

type monitorEntry struct {
	gen   uint64
	timer *time.Timer
}

// NewMonitor returns a monitor calling onExpire for every connection that
// times out. timeout <= 0 disables it.
func NewMonitor(timeout time.Duration, onExpire func(id string)) *Monitor {
	return &Monitor{
		timeout:  timeout,
		onExpire: onExpire,
		timers:   make(map[string]*monitorEntry),
	}
}

// Arm starts, or restarts, the countdown for id.
func (m *Monitor) Arm(id string) {
	if m.timeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armLocked(id)
}

// Reset restarts the countdown of an armed connection and reports whether
// one was armed.
func (m *Monitor) Reset(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[id]; !ok {
		return false
	}
	m.armLocked(id)
	return true
}

// Cancel stops the countdown. Cancelling an unknown id is a no-op.
func (m *Monitor) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.timers[id]; ok {
		e.timer.Stop()
		delete(m.timers, id)
	}
}

// Len is the number of armed connections.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels every countdown.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Monitor) armLocked(id string) {
	if e, ok := m.timers[id]; ok {
		e.timer.Stop()
	}
	m.seq++
	gen := m.seq
	m.timers[id] = &monitorEntry{
		gen:   gen,
		timer: time.AfterFunc(m.timeout, func() { m.fire(id, gen) }),
	}
}

func (m *Monitor) fire(id string, gen uint64) {
	m.mu.Lock()
	e, ok := m.timers[id]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	m.mu.Unlock()

	if m.onExpire != nil {
		m.onExpire(id)
	}
}
