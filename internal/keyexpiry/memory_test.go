package keyexpiry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemory_ScheduleOnce_FirstWriterWins(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	if err := bus.ScheduleOnce(ctx, "k1", time.Minute); err != nil {
		t.Fatalf("first ScheduleOnce failed: %v", err)
	}
	err := bus.ScheduleOnce(ctx, "k1", time.Second)
	if !errors.Is(err, ErrAlreadyScheduled) {
		t.Errorf("expected ErrAlreadyScheduled, got %v", err)
	}
}

func TestMemory_ExpiryDispatch(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	fired := make(chan string, 2)
	bus.OnExpiry(func(key string) { fired <- key })

	if err := bus.ScheduleOnce(ctx, "k1", 20*time.Millisecond); err != nil {
		t.Fatalf("ScheduleOnce failed: %v", err)
	}

	select {
	case key := <-fired:
		if key != "k1" {
			t.Errorf("fired key = %q, want k1", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}

	// Once fired, the key is gone and may be rearmed.
	if err := bus.ScheduleOnce(ctx, "k1", time.Minute); err != nil {
		t.Errorf("rearm after fire failed: %v", err)
	}
}

func TestMemory_AllHandlersReceiveEveryKey(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	var a, b atomic.Int32
	bus.OnExpiry(func(string) { a.Add(1) })
	bus.OnExpiry(func(string) { b.Add(1) })

	if err := bus.ScheduleOnce(ctx, "k2", 10*time.Millisecond); err != nil {
		t.Fatalf("ScheduleOnce failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.Load() == 0 || b.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("handlers not all invoked: a=%d b=%d", a.Load(), b.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemory_RearmOverDueKeySurvivesStaleTimer(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	fired := make(chan string, 2)
	bus.OnExpiry(func(key string) { fired <- key })

	// An entry past its fire time whose callback has not run yet.
	stale := &memEntry{fireAt: time.Now().Add(-time.Second), timer: time.NewTimer(time.Hour)}
	bus.mu.Lock()
	bus.pending["k4"] = stale
	bus.mu.Unlock()

	if err := bus.ScheduleOnce(ctx, "k4", 30*time.Millisecond); err != nil {
		t.Fatalf("rearm over due key failed: %v", err)
	}

	// The stale callback finally runs. It must neither dispatch nor unseat
	// the fresh entry.
	bus.expire("k4", stale)
	select {
	case key := <-fired:
		t.Fatalf("stale timer dispatched %q", key)
	default:
	}
	if err := bus.ScheduleOnce(ctx, "k4", time.Minute); !errors.Is(err, ErrAlreadyScheduled) {
		t.Fatalf("fresh entry was lost, ScheduleOnce returned %v", err)
	}

	select {
	case key := <-fired:
		if key != "k4" {
			t.Errorf("fired key = %q, want k4", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fresh deadline never fired")
	}
}

func TestMemory_Cancel(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	fired := make(chan string, 1)
	bus.OnExpiry(func(key string) { fired <- key })

	if err := bus.ScheduleOnce(ctx, "k3", 30*time.Millisecond); err != nil {
		t.Fatalf("ScheduleOnce failed: %v", err)
	}
	if err := bus.Cancel(ctx, "k3"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	// Cancelling an absent key is a no-op.
	if err := bus.Cancel(ctx, "missing"); err != nil {
		t.Errorf("Cancel of absent key returned %v", err)
	}

	select {
	case key := <-fired:
		t.Errorf("cancelled key %q still fired", key)
	case <-time.After(100 * time.Millisecond):
	}

	// Cancelled keys may be rearmed immediately.
	if err := bus.ScheduleOnce(ctx, "k3", time.Minute); err != nil {
		t.Errorf("rearm after cancel failed: %v", err)
	}
}
