// Package cache is the shared hash-table cache holding warm station
// snapshots and session records. Values are JSON documents keyed by
// (table, key). The cache is never authoritative: losing it entirely only
// costs read latency until the next store read repopulates it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by HGet when the key is absent.
var ErrNotFound = errors.New("cache: key not found")

// Hash is the table/key/value contract.
type Hash interface {
	// HGetAll returns every entry of a table as raw JSON values.
	HGetAll(ctx context.Context, table string) (map[string]json.RawMessage, error)

	// HGet decodes table[key] into out, or returns ErrNotFound.
	HGet(ctx context.Context, table, key string, out any) error

	HSet(ctx context.Context, table, key string, value any) error

	// HDel removes table[key]; deleting an absent key is a no-op.
	HDel(ctx context.Context, table, key string) error
}
