// Package health classifies partner liveness from message arrival age.
package health

import (
	"sync"
	"time"
)

// Status is the partner connection state surfaced to the runner.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusStale        Status = "stale"
	StatusDisconnected Status = "disconnected"
	StatusPaused       Status = "paused"
)

// Monitor derives partner health from the age of the most recent
// snapshot or heartbeat. Age under staleAfter is connected, under
// disconnectAfter is stale, anything older is disconnected. A set
// paused flag wins over every age class.
type Monitor struct {
	staleAfter      time.Duration
	disconnectAfter time.Duration
	extendedAfter   time.Duration
	escalate        func()

	mu        sync.Mutex
	lastSeen  time.Time
	paused    bool
	escalated bool
	finished  bool
}

// NewMonitor builds a monitor with the given thresholds. escalate runs
// at most once per continuous silence when the age reaches
// extendedAfter, and is re-armed as soon as partner data resumes. A nil
// escalate disables the prompt.
func NewMonitor(staleAfter, disconnectAfter, extendedAfter time.Duration, escalate func()) *Monitor {
	return &Monitor{
		staleAfter:      staleAfter,
		disconnectAfter: disconnectAfter,
		extendedAfter:   extendedAfter,
		escalate:        escalate,
	}
}

// Observe records a partner arrival and its paused flag. Any arrival
// re-arms the extended-disconnect prompt.
func (m *Monitor) Observe(at time.Time, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.lastSeen) {
		m.lastSeen = at
	}
	m.paused = paused
	m.escalated = false
}

// Tick reclassifies the partner as of now. Called on each heartbeat
// tick; fires the escalation callback when a disconnection has lasted
// into the extended window.
func (m *Monitor) Tick(now time.Time) Status {
	m.mu.Lock()
	if m.lastSeen.IsZero() {
		m.lastSeen = now
	}
	if m.paused {
		m.mu.Unlock()
		return StatusPaused
	}
	age := now.Sub(m.lastSeen)
	var status Status
	var fire bool
	switch {
	case age < m.staleAfter:
		status = StatusConnected
	case age < m.disconnectAfter:
		status = StatusStale
	default:
		status = StatusDisconnected
		if age >= m.extendedAfter && !m.escalated && !m.finished && m.escalate != nil {
			m.escalated = true
			fire = true
		}
	}
	m.mu.Unlock()
	if fire {
		m.escalate()
	}
	return status
}

// PartnerFinished permanently disables the extended-disconnect prompt
// for this run. A partner who ended their run stops sending data; that
// silence is not a lost connection.
func (m *Monitor) PartnerFinished() {
	m.mu.Lock()
	m.finished = true
	m.mu.Unlock()
}

// Finished reports whether the partner has explicitly ended their run.
func (m *Monitor) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// Reset rebases the monitor for a new run starting at now.
func (m *Monitor) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = now
	m.paused = false
	m.escalated = false
	m.finished = false
}
