package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Memory is an in-process DocumentStore used by tests and single-process
// runs. Documents are held as decoded JSON maps; reads and writes go
// through a JSON round trip so typed structs behave exactly as they do
// against the real database.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]map[string]any
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]map[string]any)}
}

func (m *Memory) Find(ctx context.Context, collection string, filter Filter, results any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]map[string]any, 0)
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			matched = append(matched, doc)
		}
	}
	return decode(matched, results)
}

func (m *Memory) FindOne(ctx context.Context, collection string, filter Filter, out any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			return decode(doc, out)
		}
	}
	return ErrNotFound
}

func (m *Memory) Insert(ctx context.Context, collection string, doc any) error {
	asMap, err := toMap(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = append(m.collections[collection], asMap)
	return nil
}

func (m *Memory) UpdateOne(ctx context.Context, collection string, filter Filter, set map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range m.collections[collection] {
		if !matches(doc, filter) {
			continue
		}
		for field, value := range set {
			normalized, err := normalize(value)
			if err != nil {
				return err
			}
			doc[field] = normalized
		}
		return nil
	}
	return ErrNotFound
}

func (m *Memory) DeleteOne(ctx context.Context, collection string, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	for i, doc := range docs {
		if matches(doc, filter) {
			m.collections[collection] = append(docs[:i], docs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func matches(doc map[string]any, filter Filter) bool {
	for field, want := range filter {
		normalized, err := normalize(want)
		if err != nil {
			return false
		}
		if !reflect.DeepEqual(doc[field], normalized) {
			return false
		}
	}
	return true
}

// normalize pushes a value through JSON so equality checks compare decoded
// representations (numbers become float64, structs become maps).
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toMap(doc any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("document is not an object: %w", err)
	}
	return out, nil
}

func decode(src, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
