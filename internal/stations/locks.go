package stations

import "sync"

// stationLocks serializes mutations per station id. Every transition is a
// read-modify-write against the store; without this, concurrent vote-skip
// count checks (and every other check-then-set) could interleave.
// Cross-station operations never contend.
type stationLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newStationLocks() *stationLocks {
	return &stationLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the station's mutex and returns its unlock function.
func (l *stationLocks) acquire(stationID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[stationID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[stationID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// release drops a station's lock entry once the station is gone, so the map
// does not grow with station churn. A mutex already held stays valid for its
// current owner.
func (l *stationLocks) release(stationID string) {
	l.mu.Lock()
	delete(l.locks, stationID)
	l.mu.Unlock()
}
