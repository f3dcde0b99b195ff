package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is a process-local Bus. Handlers for a topic run synchronously in
// subscription order, so a single publisher observes per-topic ordering.
type Memory struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]Handler)}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	m.mu.RLock()
	handlers := make([]Handler, len(m.subs[topic]))
	copy(handlers, m.subs[topic])
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, data)
	}
	return nil
}

func (m *Memory) Subscribe(topic string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = append(m.subs[topic], h)
	return nil
}
