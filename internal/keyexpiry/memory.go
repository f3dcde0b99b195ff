package keyexpiry

import (
	"context"
	"sync"
	"time"
)

// Memory is a single-process Bus backed by timers. It is the implementation
// used by tests and by deployments that run everything in one process.
type Memory struct {
	mu       sync.Mutex
	pending  map[string]*memEntry
	handlers []ExpiryHandler
}

type memEntry struct {
	timer  *time.Timer
	fireAt time.Time
}

func NewMemory() *Memory {
	return &Memory{pending: make(map[string]*memEntry)}
}

func (m *Memory) ScheduleOnce(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.pending[key]; ok {
		if time.Now().Before(old.fireAt) {
			return ErrAlreadyScheduled
		}
		// Past its fire time but the callback has not run yet. Stop it so
		// the stale timer cannot consume the fresh entry below.
		old.timer.Stop()
	}

	e := &memEntry{fireAt: time.Now().Add(ttl)}
	e.timer = time.AfterFunc(ttl, func() { m.expire(key, e) })
	m.pending[key] = e
	return nil
}

func (m *Memory) Cancel(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pending[key]; ok {
		e.timer.Stop()
		delete(m.pending, key)
	}
	return nil
}

func (m *Memory) OnExpiry(h ExpiryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Memory) expire(key string, e *memEntry) {
	m.mu.Lock()
	// The timer may race a Cancel or a re-arm; dispatch only if this timer's
	// own entry is still the pending one.
	if m.pending[key] != e {
		m.mu.Unlock()
		return
	}
	delete(m.pending, key)
	handlers := make([]ExpiryHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(key)
	}
}
