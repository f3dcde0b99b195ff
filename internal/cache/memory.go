package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process Hash for tests and single-process runs.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) HGetAll(_ context.Context, table string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.tables[table]))
	for k, v := range m.tables[table] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HGet(_ context.Context, table, key string, out any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.tables[table][key]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (m *Memory) HSet(_ context.Context, table, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[table] == nil {
		m.tables[table] = make(map[string]json.RawMessage)
	}
	m.tables[table][key] = data
	return nil
}

func (m *Memory) HDel(_ context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], key)
	return nil
}
