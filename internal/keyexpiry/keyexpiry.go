// Package keyexpiry provides a shared key store where a key can be armed
// once with a TTL and every process learns, via a broadcast, when a key's
// TTL has elapsed. It is the primitive under the notification scheduler:
// the keys are ephemeral and must never be treated as authoritative state.
package keyexpiry

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyScheduled is returned by ScheduleOnce when the key is already
// armed with an unexpired TTL. First writer wins.
var ErrAlreadyScheduled = errors.New("keyexpiry: key already scheduled")

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers treat it as degraded mode, not a fatal condition.
var ErrUnavailable = errors.New("keyexpiry: bus unavailable")

// ExpiryHandler is invoked with the expired key. Handlers receive every
// expiry system-wide, not just keys armed by this process, and must filter
// by key themselves.
type ExpiryHandler func(key string)

// Bus is the TTL-key contract.
type Bus interface {
	// ScheduleOnce arms key to expire after ttl. Fails with
	// ErrAlreadyScheduled if the key exists with an unexpired TTL.
	ScheduleOnce(ctx context.Context, key string, ttl time.Duration) error

	// Cancel removes the key if present. Cancelling an absent key is a
	// no-op. Cancellation is best effort: a key past its fire point may
	// still be dispatched.
	Cancel(ctx context.Context, key string) error

	// OnExpiry registers a process-wide handler for every expired key.
	OnExpiry(h ExpiryHandler)
}
