package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cyborgflashtime/MusareNode/internal/cache"
	"github.com/cyborgflashtime/MusareNode/internal/clock"
)

func newTestManager() (*Manager, *clock.Mock) {
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	return NewManager(cache.NewMemory(), []byte("test-secret"), clk), clk
}

func TestManager_CreateAndResolve(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	created, token, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.UserID != "u1" || created.SessionID == "" {
		t.Fatalf("unexpected session %+v", created)
	}

	resolved, err := m.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.SessionID != created.SessionID || resolved.UserID != "u1" {
		t.Errorf("resolved %+v, want %+v", resolved, created)
	}
}

func TestManager_ResolveRejectsGarbageAndRemoved(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	if _, err := m.Resolve(ctx, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token: got %v, want ErrInvalidToken", err)
	}

	_, token, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s, err := m.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := m.Remove(ctx, s.SessionID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := m.Resolve(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("removed session: got %v, want ErrInvalidToken", err)
	}
}

func TestManager_RefreshAdvancesRefreshDate(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager()

	s, token, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clk.Advance(48 * time.Hour)
	if err := m.Refresh(ctx, s); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	refreshed, err := m.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if refreshed.RefreshDate <= s.RefreshDate {
		t.Errorf("refreshDate not advanced: %d -> %d", s.RefreshDate, refreshed.RefreshDate)
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()

	tr.Track("c1", "sess1", "s1")
	tr.Track("c2", "sess2", "s1")
	tr.Track("c1", "sess1", "s2") // moves c1 to another station

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot has %d entries, want 2", len(snap))
	}

	if !tr.SessionLive("sess1") {
		t.Error("sess1 should be live")
	}
	tr.Drop("c1")
	if tr.SessionLive("sess1") {
		t.Error("sess1 still live after its only connection dropped")
	}
	if !tr.SessionLive("sess2") {
		t.Error("sess2 should still be live")
	}
}
