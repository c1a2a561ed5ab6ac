package logring

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager owns one Ring per session and retires them grace after the
// owning session reaches a terminal state, per spec.md §3's LogEvent
// lifecycle note ("LogEvents exist for the lifetime of the Session plus
// a configurable grace window").
type Manager struct {
	mu       sync.Mutex
	rings    map[string]*Ring
	retireAt map[string]time.Time
	grace    time.Duration
	capacity int
	byteCeil int64
	log      *logrus.Entry

	stop chan struct{}
}

// NewManager creates a Manager. Call Run in a goroutine to sweep expired
// rings; call Stop to end that goroutine.
func NewManager(capacity int, byteCeil int64, grace time.Duration, log *logrus.Entry) *Manager {
	return &Manager{
		rings:    make(map[string]*Ring),
		retireAt: make(map[string]time.Time),
		grace:    grace,
		capacity: capacity,
		byteCeil: byteCeil,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Create allocates a fresh Ring for sessionID, replacing any retired ring
// that may still be lingering in its grace window (a restarted session
// reuses the same id and gets a clean ring).
func (m *Manager) Create(sessionID string) *Ring {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := New(sessionID, m.capacity, m.byteCeil)
	m.rings[sessionID] = r
	delete(m.retireAt, sessionID)
	return r
}

// Get returns the ring for sessionID, if any (including ones in their
// grace window).
func (m *Manager) Get(sessionID string) (*Ring, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[sessionID]
	return r, ok
}

// MarkTerminal schedules sessionID's ring for retirement after the grace
// window, matching the retention-grace requirement in spec.md §4.2.
func (m *Manager) MarkTerminal(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rings[sessionID]; !ok {
		return
	}
	m.retireAt[sessionID] = time.Now().Add(m.grace)
}

// Run sweeps expired rings until Stop is called.
func (m *Manager) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	var expired []string

	m.mu.Lock()
	for id, at := range m.retireAt {
		if now.After(at) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.mu.Lock()
		r := m.rings[id]
		delete(m.rings, id)
		delete(m.retireAt, id)
		m.mu.Unlock()

		if r != nil {
			r.Retire()
			m.log.WithField("session_id", id).Debug("log ring retired after grace window")
		}
	}
}

// Stop ends the sweep goroutine.
func (m *Manager) Stop() {
	close(m.stop)
}
