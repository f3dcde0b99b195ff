package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cyborgflashtime/MusareNode/internal/keyexpiry"
)

// fakeBus records schedule calls and lets tests fire keys by hand.
type fakeBus struct {
	mu       sync.Mutex
	armed    map[string]time.Duration
	handlers []keyexpiry.ExpiryHandler
	fail     error
}

func newFakeBus() *fakeBus {
	return &fakeBus{armed: make(map[string]time.Duration)}
}

func (f *fakeBus) ScheduleOnce(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if _, ok := f.armed[key]; ok {
		return keyexpiry.ErrAlreadyScheduled
	}
	f.armed[key] = ttl
	return nil
}

func (f *fakeBus) Cancel(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	delete(f.armed, key)
	return nil
}

func (f *fakeBus) OnExpiry(h keyexpiry.ExpiryHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *fakeBus) fire(key string) {
	f.mu.Lock()
	delete(f.armed, key)
	handlers := append([]keyexpiry.ExpiryHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(key)
	}
}

func (f *fakeBus) armedTTL(key string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ttl, ok := f.armed[key]
	return ttl, ok
}

func TestSchedule_FirstWriterWins(t *testing.T) {
	bus := newFakeBus()
	s := New(bus)
	ctx := context.Background()

	if err := s.Schedule(ctx, "s1.nextSong", 5*time.Second, nil); err != nil {
		t.Fatalf("first Schedule failed: %v", err)
	}
	// A second request for the same name must not reset the fire time.
	if err := s.Schedule(ctx, "s1.nextSong", time.Second, nil); err != nil {
		t.Fatalf("second Schedule returned %v, want nil (no-op)", err)
	}

	ttl, ok := bus.armedTTL(deriveKey("s1.nextSong"))
	if !ok {
		t.Fatal("deadline not armed")
	}
	if ttl != 5*time.Second {
		t.Errorf("armed ttl = %v, want original 5s", ttl)
	}
}

func TestSchedule_DispatchMatchesByName(t *testing.T) {
	bus := newFakeBus()
	s := New(bus)
	ctx := context.Background()

	var firedA, firedB int
	if err := s.Schedule(ctx, "a.nextSong", time.Second, func() { firedA++ }); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := s.Schedule(ctx, "b.nextSong", time.Second, func() { firedB++ }); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	bus.fire(deriveKey("a.nextSong"))
	if firedA != 1 || firedB != 0 {
		t.Errorf("after firing a: firedA=%d firedB=%d, want 1 and 0", firedA, firedB)
	}

	// Unknown keys are someone else's deadlines and must be ignored.
	bus.fire(deriveKey("c.nextSong"))
	if firedA != 1 || firedB != 0 {
		t.Errorf("unrelated key dispatched local callbacks: firedA=%d firedB=%d", firedA, firedB)
	}
}

func TestSubscribe_Unique(t *testing.T) {
	bus := newFakeBus()
	s := New(bus)

	var fired int
	s.Subscribe("s1.nextSong", func() { fired++ }, true)
	s.Subscribe("s1.nextSong", func() { fired++ }, true) // ignored

	bus.fire(deriveKey("s1.nextSong"))
	if fired != 1 {
		t.Errorf("fired %d times, want 1 (duplicate unique subscription must be ignored)", fired)
	}
}

func TestSubscribe_NonUniqueStacks(t *testing.T) {
	bus := newFakeBus()
	s := New(bus)

	var fired int
	s.Subscribe("s1.nextSong", func() { fired++ }, false)
	s.Subscribe("s1.nextSong", func() { fired++ }, false)

	bus.fire(deriveKey("s1.nextSong"))
	if fired != 2 {
		t.Errorf("fired %d times, want 2", fired)
	}
}

func TestUnsubscribe_StopsDispatchAndAllowsResubscribe(t *testing.T) {
	bus := newFakeBus()
	s := New(bus)

	var fired int
	s.Subscribe("s1.nextSong", func() { fired++ }, true)
	s.Unsubscribe("s1.nextSong")

	bus.fire(deriveKey("s1.nextSong"))
	if fired != 0 {
		t.Errorf("fired %d times after Unsubscribe, want 0", fired)
	}

	// A station recreated under the same id subscribes anew; unique must not
	// treat the dropped subscription as still present.
	s.Subscribe("s1.nextSong", func() { fired++ }, true)
	bus.fire(deriveKey("s1.nextSong"))
	if fired != 1 {
		t.Errorf("fired %d times after resubscribe, want 1", fired)
	}
}

func TestUnschedule_CancelsKeyButKeepsSubscription(t *testing.T) {
	bus := newFakeBus()
	s := New(bus)
	ctx := context.Background()

	var fired int
	if err := s.Schedule(ctx, "s1.nextSong", time.Second, func() { fired++ }); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := s.Unschedule(ctx, "s1.nextSong"); err != nil {
		t.Fatalf("Unschedule failed: %v", err)
	}
	if _, ok := bus.armedTTL(deriveKey("s1.nextSong")); ok {
		t.Error("key still armed after Unschedule")
	}

	// Re-arming later still reaches the surviving subscription.
	if err := s.Schedule(ctx, "s1.nextSong", time.Second, nil); err != nil {
		t.Fatalf("rearm failed: %v", err)
	}
	bus.fire(deriveKey("s1.nextSong"))
	if fired != 1 {
		t.Errorf("fired %d times after rearm, want 1", fired)
	}
}

func TestSchedule_DegradedMode(t *testing.T) {
	bus := newFakeBus()
	bus.fail = keyexpiry.ErrUnavailable
	s := New(bus)

	err := s.Schedule(context.Background(), "s1.nextSong", time.Second, nil)
	if err == nil {
		t.Fatal("expected ErrSchedulerUnavailable")
	}
	// Degraded mode must be detectable so callers can log and continue.
	if !errors.Is(err, ErrSchedulerUnavailable) {
		t.Errorf("error %v does not wrap ErrSchedulerUnavailable", err)
	}
}
