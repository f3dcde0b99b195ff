package transport

import (
	"context"
	"sort"
	"testing"
)

func TestMemory_JoinBroadcastLeave(t *testing.T) {
	rooms := NewMemory()
	ctx := context.Background()

	var got1, got2 []Delivery
	rooms.Register("c1", func(d Delivery) { got1 = append(got1, d) })
	rooms.Register("c2", func(d Delivery) { got2 = append(got2, d) })

	rooms.Join("c1", "station.s1")
	rooms.Join("c2", "station.s1")
	rooms.Join("c2", "station.s2")

	if err := rooms.Broadcast(ctx, "station.s1", "event:stations.pause", nil); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if len(got1) != 1 || len(got2) != 1 {
		t.Fatalf("deliveries: c1=%d c2=%d, want 1 each", len(got1), len(got2))
	}
	if got1[0].Event != "event:stations.pause" {
		t.Errorf("event = %q", got1[0].Event)
	}

	rooms.Leave("c1", "station.s1")
	if err := rooms.Broadcast(ctx, "station.s1", "event:stations.resume", nil); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if len(got1) != 1 {
		t.Errorf("c1 received %d deliveries after leaving, want 1", len(got1))
	}
	if len(got2) != 2 {
		t.Errorf("c2 received %d deliveries, want 2", len(got2))
	}
}

func TestMemory_LeaveAll(t *testing.T) {
	rooms := NewMemory()

	rooms.Join("c1", "station.s1")
	rooms.Join("c1", "station.s2")
	rooms.Join("c2", "station.s1")

	affected := rooms.LeaveAll("c1")
	sort.Strings(affected)
	if len(affected) != 2 || affected[0] != "station.s1" || affected[1] != "station.s2" {
		t.Errorf("LeaveAll returned %v", affected)
	}
	if rooms.InRoom("c1", "station.s1") {
		t.Error("c1 still in station.s1 after LeaveAll")
	}
	if !rooms.InRoom("c2", "station.s1") {
		t.Error("c2 dropped from station.s1 by someone else's LeaveAll")
	}

	members := rooms.Members("station.s1")
	if len(members) != 1 || members[0] != "c2" {
		t.Errorf("Members = %v, want [c2]", members)
	}
}
