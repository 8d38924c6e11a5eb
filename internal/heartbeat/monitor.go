// Package heartbeat tracks client liveness.
//
// Monitor holds no lock and reads no clock: the caller passes the current
// time to every call and serialises access. In the server the hub goroutine
// owns the Monitor and drives Sweep from its ticker.
package heartbeat

import (
	"sort"
	"time"
)

type entry struct {
	lastHeartbeat time.Time
	alive         bool
}

// Monitor keeps the last heartbeat time and liveness flag per connection.
type Monitor struct {
	entries map[string]*entry
}

func New() *Monitor {
	return &Monitor{entries: make(map[string]*entry)}
}

// Track starts tracking id as alive with a heartbeat at now. Tracking an id
// that is already present resets it.
func (m *Monitor) Track(id string, now time.Time) {
	m.entries[id] = &entry{lastHeartbeat: now, alive: true}
}

// Forget stops tracking id.
func (m *Monitor) Forget(id string) {
	delete(m.entries, id)
}

// RecordHeartbeat marks id alive as of now. It reports false for ids that
// are not tracked.
func (m *Monitor) RecordHeartbeat(id string, now time.Time) bool {
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	e.lastHeartbeat = now
	e.alive = true
	return true
}

// Sweep marks every connection silent for longer than timeout as dead and
// returns the ids that changed state, sorted. Connections already dead are
// not returned again.
func (m *Monitor) Sweep(now time.Time, timeout time.Duration) []string {
	var expired []string
	for id, e := range m.entries {
		if !e.alive {
			continue
		}
		if now.Sub(e.lastHeartbeat) > timeout {
			e.alive = false
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

func (m *Monitor) IsAlive(id string) bool {
	e, ok := m.entries[id]
	return ok && e.alive
}

// LastHeartbeat returns the last recorded heartbeat for id.
func (m *Monitor) LastHeartbeat(id string) (time.Time, bool) {
	e, ok := m.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.lastHeartbeat, true
}

// AliveCount returns the number of tracked connections currently alive.
func (m *Monitor) AliveCount() int {
	n := 0
	for _, e := range m.entries {
		if e.alive {
			n++
		}
	}
	return n
}

// Len returns the number of tracked connections.
func (m *Monitor) Len() int {
	return len(m.entries)
}
