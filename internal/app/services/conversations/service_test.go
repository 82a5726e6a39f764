package conversations

import (
	"context"
	"errors"
	"testing"

	"github.com/duochat/relay/internal/app/domain/profile"
	"github.com/duochat/relay/internal/app/storage/memory"
)

func newService(t *testing.T, users ...string) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	for _, u := range users {
		if _, err := store.CreateProfile(context.Background(), profile.Profile{UserID: u, Nickname: "nick_" + u}); err != nil {
			t.Fatalf("seed profile %s: %v", u, err)
		}
	}
	return New(store, store, nil), store
}

func TestOpenIsIdempotent(t *testing.T) {
	svc, _ := newService(t, "u1", "u2")
	ctx := context.Background()

	first, err := svc.Open(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Opening from the other side returns the same record.
	second, err := svc.Open(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same conversation, got %s and %s", first.ID, second.ID)
	}
}

func TestOpenCanonicalOrder(t *testing.T) {
	svc, _ := newService(t, "zed", "ann")

	c, err := svc.Open(context.Background(), "zed", "ann")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if c.ParticipantA != "ann" || c.ParticipantB != "zed" {
		t.Fatalf("pair not canonical: %s, %s", c.ParticipantA, c.ParticipantB)
	}
}

func TestOpenSelfRejected(t *testing.T) {
	svc, _ := newService(t, "u1")

	if _, err := svc.Open(context.Background(), "u1", "u1"); err == nil {
		t.Fatal("expected error for self conversation")
	}
}

func TestOpenUnknownPeer(t *testing.T) {
	svc, _ := newService(t, "u1")

	if _, err := svc.Open(context.Background(), "u1", "ghost"); err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestGetEnforcesMembership(t *testing.T) {
	svc, _ := newService(t, "u1", "u2", "u3")
	ctx := context.Background()

	c, err := svc.Open(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := svc.Get(ctx, c.ID, "u3"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := svc.Get(ctx, c.ID, "u1"); err != nil {
		t.Fatalf("participant read failed: %v", err)
	}
}
