// Package storage defines the persistence interfaces consumed by the
// application services. Implementations live in the memory, postgres and
// supabase subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/duochat/relay/internal/app/domain/conversation"
	"github.com/duochat/relay/internal/app/domain/message"
	"github.com/duochat/relay/internal/app/domain/profile"
	"github.com/duochat/relay/internal/app/domain/session"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a uniqueness constraint is violated.
var ErrConflict = errors.New("already exists")

// ProfileStore persists user profiles.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
	UpdateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
	GetProfile(ctx context.Context, userID string) (profile.Profile, error)
	GetProfileByNickname(ctx context.Context, nickname string) (profile.Profile, error)
	SearchProfiles(ctx context.Context, prefix string, limit int) ([]profile.Profile, error)
}

// ConversationStore persists conversation records.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c conversation.Conversation) (conversation.Conversation, error)
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	GetConversationByPair(ctx context.Context, participantA, participantB string) (conversation.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error)
	SetLastMessage(ctx context.Context, id string, msg message.Message) error
}

// MessageStore persists messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, m message.Message) (message.Message, error)
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]message.Message, error)
}

// SessionStore persists session records for token revocation.
type SessionStore interface {
	CreateSession(ctx context.Context, s session.Session) (session.Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (session.Session, error)
	RevokeSession(ctx context.Context, tokenHash string, at time.Time) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}
