package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSKV backs the hash cache with one JetStream KV bucket per table, so
// every process sharing the NATS backbone sees the same snapshots. Buckets
// are created lazily on first use.
type NATSKV struct {
	js     nats.JetStreamContext
	prefix string

	mu      sync.Mutex
	buckets map[string]nats.KeyValue
}

func NewNATSKV(js nats.JetStreamContext, prefix string) *NATSKV {
	return &NATSKV{js: js, prefix: prefix, buckets: make(map[string]nats.KeyValue)}
}

func (c *NATSKV) bucket(table string) (nats.KeyValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kv, ok := c.buckets[table]; ok {
		return kv, nil
	}
	name := c.prefix + strings.ToUpper(table)
	kv, err := c.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  name,
		History: 1,
		Storage: nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache bucket %s: %w", name, err)
	}
	c.buckets[table] = kv
	return kv, nil
}

func (c *NATSKV) HGetAll(_ context.Context, table string) (map[string]json.RawMessage, error) {
	kv, err := c.bucket(table)
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("list %s keys: %w", table, err)
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		entry, err := kv.Get(key)
		if err != nil {
			continue // deleted since listing
		}
		out[key] = json.RawMessage(entry.Value())
	}
	return out, nil
}

func (c *NATSKV) HGet(_ context.Context, table, key string, out any) error {
	kv, err := c.bucket(table)
	if err != nil {
		return err
	}
	entry, err := kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return json.Unmarshal(entry.Value(), out)
}

func (c *NATSKV) HSet(_ context.Context, table, key string, value any) error {
	kv, err := c.bucket(table)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, key, err)
	}
	if _, err := kv.Put(key, data); err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}
	return nil
}

func (c *NATSKV) HDel(_ context.Context, table, key string) error {
	kv, err := c.bucket(table)
	if err != nil {
		return err
	}
	err = kv.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}
	return nil
}
