// Package notifications schedules named deadlines on the shared key-expiry
// bus and dispatches local callbacks when they fire. A deadline is unique by
// name and the first writer wins: re-requesting a pending deadline never
// resets it. Subscriptions are process-local and rebuilt at startup; any
// process subscribed to a name reacts to its expiry, whichever process
// armed it.
package notifications

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cyborgflashtime/MusareNode/internal/keyexpiry"
)

// ErrSchedulerUnavailable reports that the bus could not be reached. The
// mutation that requested the deadline must continue: the reconciliation
// sweep covers the gap until the bus recovers.
var ErrSchedulerUnavailable = errors.New("notifications: scheduler unavailable")

type subscription struct {
	originalName string
	key          string
	fire         func()
}

// Scheduler maps logical deadline names to bus keys and local callbacks.
type Scheduler struct {
	bus keyexpiry.Bus

	mu   sync.Mutex
	subs []subscription

	scheduled metric.Int64Counter
	fired     metric.Int64Counter
}

func New(bus keyexpiry.Bus) *Scheduler {
	meter := otel.Meter("notifications")
	scheduled, _ := meter.Int64Counter("notifications_scheduled_total",
		metric.WithDescription("Total deadline schedule requests"))
	fired, _ := meter.Int64Counter("notifications_fired_total",
		metric.WithDescription("Total deadline callbacks dispatched"))

	s := &Scheduler{bus: bus, scheduled: scheduled, fired: fired}
	bus.OnExpiry(s.dispatch)
	return s
}

// deriveKey hashes a human-readable deadline name into the fixed-width
// opaque key stored on the bus. Collision avoidance only, not a security
// boundary.
func deriveKey(name string) string {
	sum := md5.Sum([]byte("_notification:" + name + "_"))
	return hex.EncodeToString(sum[:])
}

// Schedule arms the named deadline and registers onFire for it. If a
// deadline with this name is already pending the call leaves the original
// fire time untouched. A nil onFire arms the deadline without subscribing.
func (s *Scheduler) Schedule(ctx context.Context, name string, delay time.Duration, onFire func()) error {
	if onFire != nil {
		s.Subscribe(name, onFire, true)
	}

	err := s.bus.ScheduleOnce(ctx, deriveKey(name), delay)
	if errors.Is(err, keyexpiry.ErrAlreadyScheduled) {
		slog.Debug("Deadline already pending, keeping original fire time", "name", name)
		return nil
	}
	if err != nil {
		slog.Warn("Deadline bus unavailable, scheduling degraded to no-op", "name", name, "error", err)
		return fmt.Errorf("%w: %v", ErrSchedulerUnavailable, err)
	}
	s.scheduled.Add(ctx, 1)
	return nil
}

// Subscribe registers a callback for a deadline name without arming it.
// With unique set, a second subscription for the same name is ignored,
// which keeps repeated initialization from stacking duplicate handlers.
func (s *Scheduler) Subscribe(name string, onFire func(), unique bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unique {
		for _, sub := range s.subs {
			if sub.originalName == name {
				return
			}
		}
	}
	s.subs = append(s.subs, subscription{originalName: name, key: deriveKey(name), fire: onFire})
}

// Unsubscribe drops every subscription for the name.
func (s *Scheduler) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.originalName != name {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
}

// Unschedule cancels the named deadline. Local subscriptions stay in place;
// they simply will not fire for the cancelled key. Cancellation is best
// effort: consumers must treat a late fire as a hint and re-validate state.
func (s *Scheduler) Unschedule(ctx context.Context, name string) error {
	if err := s.bus.Cancel(ctx, deriveKey(name)); err != nil {
		slog.Warn("Deadline cancel failed", "name", name, "error", err)
		return fmt.Errorf("%w: %v", ErrSchedulerUnavailable, err)
	}
	return nil
}

// dispatch runs every local callback whose derived key matches the expired
// key. Ordering among multiple subscribers of one name is unspecified.
func (s *Scheduler) dispatch(expiredKey string) {
	s.mu.Lock()
	var matched []func()
	for _, sub := range s.subs {
		if sub.key == expiredKey && sub.fire != nil {
			matched = append(matched, sub.fire)
		}
	}
	s.mu.Unlock()

	if len(matched) == 0 {
		return
	}
	s.fired.Add(context.Background(), int64(len(matched)))
	for _, fire := range matched {
		fire()
	}
}
