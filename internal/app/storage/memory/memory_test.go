package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/duochat/relay/internal/app/domain/conversation"
	"github.com/duochat/relay/internal/app/domain/message"
	"github.com/duochat/relay/internal/app/domain/profile"
	"github.com/duochat/relay/internal/app/domain/session"
	"github.com/duochat/relay/internal/app/storage"
)

func TestProfileNicknameUniqueness(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateProfile(ctx, profile.Profile{UserID: "u1", Nickname: "alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateProfile(ctx, profile.Profile{UserID: "u2", Nickname: "alice"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.CreateProfile(ctx, profile.Profile{UserID: "u1", Nickname: "other"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict for duplicate user, got %v", err)
	}
}

func TestUpdateProfileKeepsNickname(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, err := store.CreateProfile(ctx, profile.Profile{UserID: "u1", Nickname: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.UpdateProfile(ctx, profile.Profile{UserID: "u1", Nickname: "hacked", About: "hello"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Nickname != created.Nickname {
		t.Fatalf("nickname changed on update: %s", updated.Nickname)
	}
	if updated.About != "hello" {
		t.Fatalf("about not updated: %s", updated.About)
	}
}

func TestSearchProfiles(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, n := range []string{"alice", "albert", "bob"} {
		if _, err := store.CreateProfile(ctx, profile.Profile{UserID: "u-" + n, Nickname: n}); err != nil {
			t.Fatalf("create %s: %v", n, err)
		}
	}

	got, err := store.SearchProfiles(ctx, "al", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Nickname != "albert" || got[1].Nickname != "alice" {
		t.Fatalf("unexpected order: %s, %s", got[0].Nickname, got[1].Nickname)
	}
}

func TestConversationPairUniqueness(t *testing.T) {
	store := New()
	ctx := context.Background()

	c, err := store.CreateConversation(ctx, conversation.Conversation{ParticipantA: "u1", ParticipantB: "u2"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == "" {
		t.Fatal("expected generated id")
	}

	if _, err := store.CreateConversation(ctx, conversation.Conversation{ParticipantA: "u1", ParticipantB: "u2"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	byPair, err := store.GetConversationByPair(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("get by pair: %v", err)
	}
	if byPair.ID != c.ID {
		t.Fatalf("pair lookup mismatch: %s vs %s", byPair.ID, c.ID)
	}
}

func TestListConversationsOrdering(t *testing.T) {
	store := New()
	ctx := context.Background()

	c1, _ := store.CreateConversation(ctx, conversation.Conversation{ParticipantA: "u1", ParticipantB: "u2"})
	c2, _ := store.CreateConversation(ctx, conversation.Conversation{ParticipantA: "u1", ParticipantB: "u3"})

	now := time.Now().UTC()
	if err := store.SetLastMessage(ctx, c1.ID, message.Message{SenderID: "u2", Text: "old", CreatedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("set last: %v", err)
	}
	if err := store.SetLastMessage(ctx, c2.ID, message.Message{SenderID: "u3", Text: "new", CreatedAt: now}); err != nil {
		t.Fatalf("set last: %v", err)
	}

	list, err := store.ListConversations(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list))
	}
	if list[0].ID != c2.ID {
		t.Fatal("expected most recently active conversation first")
	}
	if list[0].LastMessage != "new" {
		t.Fatalf("last message pointer not denormalized: %q", list[0].LastMessage)
	}
}

func TestMessagePagination(t *testing.T) {
	store := New()
	ctx := context.Background()

	c, _ := store.CreateConversation(ctx, conversation.Conversation{ParticipantA: "u1", ParticipantB: "u2"})

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		_, err := store.CreateMessage(ctx, message.Message{
			ConversationID: c.ID,
			SenderID:       "u1",
			Text:           "msg",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	page, err := store.ListMessages(ctx, c.ID, time.Time{}, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page))
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Fatal("expected newest-first ordering")
	}

	older, err := store.ListMessages(ctx, c.ID, page[1].CreatedAt, 10)
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if len(older) != 3 {
		t.Fatalf("expected 3 older messages, got %d", len(older))
	}
}

func TestMessageRequiresConversation(t *testing.T) {
	store := New()
	_, err := store.CreateMessage(context.Background(), message.Message{ConversationID: "missing", SenderID: "u1", Text: "hi"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionPruning(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.CreateSession(ctx, session.Session{UserID: "u1", TokenHash: "live", ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateSession(ctx, session.Session{UserID: "u1", TokenHash: "dead", ExpiresAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	pruned, err := store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}
	if _, err := store.GetSessionByTokenHash(ctx, "live"); err != nil {
		t.Fatalf("live session lost: %v", err)
	}
	if _, err := store.GetSessionByTokenHash(ctx, "dead"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected dead session gone, got %v", err)
	}
}
