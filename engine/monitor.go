package engine

import (
	"sync"
	"time"

	"github.com/wfnet/engine/event"
)

// idleMonitor watches the last-activity timestamps of live cases and
// announces CASE_IDLE_TIMEOUT once per idle period.  A case that becomes
// active again re-arms its notification.  The monitor never unloads on
// its own; eviction stays an explicit host decision.
type idleMonitor struct {
	eng      *Engine
	timeout  time.Duration
	interval time.Duration

	mu       sync.Mutex
	notified map[string]time.Time // last activity seen at notification

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newIdleMonitor(eng *Engine, timeout, interval time.Duration) *idleMonitor {
	if interval <= 0 {
		interval = timeout / 4
		if interval < time.Second {
			interval = time.Second
		}
	}
	return &idleMonitor{
		eng:      eng,
		timeout:  timeout,
		interval: interval,
		notified: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *idleMonitor) start() {
	go m.run()
}

func (m *idleMonitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *idleMonitor) sweep() {

	now := time.Now()
	for _, caseID := range m.eng.CaseIDs() {

		c, err := m.eng.GetCase(caseID)
		if err != nil {
			continue
		}
		lastActive := c.LastActive()
		if now.Sub(lastActive) < m.timeout {
			continue
		}

		m.mu.Lock()
		notifiedAt, already := m.notified[caseID]
		if already && notifiedAt.Equal(lastActive) {
			m.mu.Unlock()
			continue // still the same idle period
		}
		m.notified[caseID] = lastActive
		m.mu.Unlock()

		m.eng.announcer.Announce(caseID, event.New(event.CaseIdleTimeout, caseID))
	}
}

// touch clears the notification state after case activity.
func (m *idleMonitor) touch(caseID string) {
	m.mu.Lock()
	delete(m.notified, caseID)
	m.mu.Unlock()
}

func (m *idleMonitor) forget(caseID string) {
	m.mu.Lock()
	delete(m.notified, caseID)
	m.mu.Unlock()
}

func (m *idleMonitor) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}
