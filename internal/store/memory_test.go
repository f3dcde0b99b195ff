package store

import (
	"context"
	"errors"
	"testing"
)

type doc struct {
	ID    string `json:"_id"`
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

func TestMemory_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.Insert(ctx, "things", doc{ID: "a", Kind: "official", Count: 1}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := s.Insert(ctx, "things", doc{ID: "b", Kind: "community", Count: 2}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	var got doc
	if err := s.FindOne(ctx, "things", Filter{"_id": "b"}, &got); err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if got.Kind != "community" || got.Count != 2 {
		t.Errorf("FindOne returned %+v", got)
	}

	if err := s.UpdateOne(ctx, "things", Filter{"_id": "b"}, map[string]any{"count": 7}); err != nil {
		t.Fatalf("UpdateOne failed: %v", err)
	}
	if err := s.FindOne(ctx, "things", Filter{"_id": "b"}, &got); err != nil {
		t.Fatalf("FindOne after update failed: %v", err)
	}
	if got.Count != 7 {
		t.Errorf("count = %d after update, want 7", got.Count)
	}

	var all []doc
	if err := s.Find(ctx, "things", Filter{}, &all); err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Find returned %d docs, want 2", len(all))
	}

	if err := s.DeleteOne(ctx, "things", Filter{"_id": "a"}); err != nil {
		t.Fatalf("DeleteOne failed: %v", err)
	}
	err := s.FindOne(ctx, "things", Filter{"_id": "a"}, &got)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemory_FilterByField(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, d := range []doc{
		{ID: "a", Kind: "official"},
		{ID: "b", Kind: "community"},
		{ID: "c", Kind: "community"},
	} {
		if err := s.Insert(ctx, "things", d); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	var community []doc
	if err := s.Find(ctx, "things", Filter{"kind": "community"}, &community); err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(community) != 2 {
		t.Errorf("Find by kind returned %d docs, want 2", len(community))
	}

	err := s.UpdateOne(ctx, "things", Filter{"_id": "missing"}, map[string]any{"kind": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateOne on missing doc returned %v, want ErrNotFound", err)
	}
}
