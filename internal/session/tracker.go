package session

import "sync"

// Presence is one live connection's station membership.
type Presence struct {
	ConnID    string
	SessionID string
	StationID string
}

// Tracker owns the connection → station map that feeds the user-count
// reconciliation sweep and the session sweep's liveness check. It is an
// explicit owned map, constructed fresh per process, never a global.
type Tracker struct {
	mu    sync.RWMutex
	conns map[string]Presence
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]Presence)}
}

// Track records that a connection is watching a station, replacing any
// previous station for the same connection.
func (t *Tracker) Track(connID, sessionID, stationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[connID] = Presence{ConnID: connID, SessionID: sessionID, StationID: stationID}
}

// Drop removes a connection.
func (t *Tracker) Drop(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connID)
}

// Snapshot returns a copy of every tracked presence.
func (t *Tracker) Snapshot() []Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Presence, 0, len(t.conns))
	for _, p := range t.conns {
		out = append(out, p)
	}
	return out
}

// SessionLive reports whether any live connection references the session.
func (t *Tracker) SessionLive(sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.conns {
		if p.SessionID == sessionID {
			return true
		}
	}
	return false
}
