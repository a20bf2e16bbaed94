package messages

import (
	"context"
	"testing"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
)

func TestMemoryStoreAppendAssignsID(t *testing.T) {
	store := NewMemoryStore()
	msg := &models.Message{ThreadID: "t1", SenderType: models.SenderUser, SenderID: "u1", Content: "hi"}

	if err := store.Append(context.Background(), msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("expected ID to be assigned")
	}
	if msg.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be assigned")
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "missing"); err != errs.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListByThreadOrdersByCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &models.Message{ID: "m1", ThreadID: "t1", SenderType: models.SenderUser, SenderID: "u1", Content: "first"}
	second := &models.Message{ID: "m2", ThreadID: "t1", SenderType: models.SenderAgent, SenderID: "a1", Content: "second"}
	other := &models.Message{ID: "m3", ThreadID: "t2", SenderType: models.SenderUser, SenderID: "u1", Content: "other thread"}

	for _, m := range []*models.Message{second, first, other} {
		if err := store.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Force a deterministic order independent of wall-clock granularity.
	first.CreatedAt = second.CreatedAt.Add(-1)
	store.rows[first.ID] = first
	store.rows[second.ID] = second

	got, err := store.ListByThread(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("ListByThread: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("expected m1 then m2, got %s then %s", got[0].ID, got[1].ID)
	}
}

func TestMemoryStoreListByThreadRespectsLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := &models.Message{ThreadID: "t1", SenderType: models.SenderUser, SenderID: "u1", Content: "msg"}
		if err := store.Append(ctx, msg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.ListByThread(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("ListByThread: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(got))
	}
}
