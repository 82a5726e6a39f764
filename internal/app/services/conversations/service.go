// Package conversations manages one-to-one conversation records.
package conversations

import (
	"context"
	"errors"
	"fmt"

	"github.com/duochat/relay/internal/app/domain/conversation"
	"github.com/duochat/relay/internal/app/storage"
	"github.com/duochat/relay/pkg/logger"
)

// ErrNotParticipant is returned when a user reads a conversation they are
// not a member of.
var ErrNotParticipant = errors.New("not a participant of this conversation")

// Service manages conversation records.
type Service struct {
	profiles storage.ProfileStore
	store    storage.ConversationStore
	log      *logger.Logger
}

// New constructs a conversation service.
func New(profiles storage.ProfileStore, store storage.ConversationStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("conversations")
	}
	return &Service{profiles: profiles, store: store, log: log}
}

// Open returns the conversation for the unordered pair (userID, peerID),
// creating it if it does not exist. Opening is idempotent: a concurrent
// create that loses the race falls back to the winner's record.
func (s *Service) Open(ctx context.Context, userID, peerID string) (conversation.Conversation, error) {
	a, b, err := conversation.CanonicalPair(userID, peerID)
	if err != nil {
		return conversation.Conversation{}, err
	}

	if s.profiles != nil {
		if _, err := s.profiles.GetProfile(ctx, peerID); err != nil {
			return conversation.Conversation{}, fmt.Errorf("peer validation failed: %w", err)
		}
	}

	existing, err := s.store.GetConversationByPair(ctx, a, b)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return conversation.Conversation{}, err
	}

	created, err := s.store.CreateConversation(ctx, conversation.Conversation{ParticipantA: a, ParticipantB: b})
	if errors.Is(err, storage.ErrConflict) {
		return s.store.GetConversationByPair(ctx, a, b)
	}
	if err != nil {
		return conversation.Conversation{}, err
	}

	s.log.WithField("conversation_id", created.ID).
		WithField("participant_a", a).
		WithField("participant_b", b).
		Info("conversation opened")
	return created, nil
}

// Get returns a conversation, enforcing that userID is a participant.
func (s *Service) Get(ctx context.Context, id, userID string) (conversation.Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if !c.HasParticipant(userID) {
		return conversation.Conversation{}, ErrNotParticipant
	}
	return c, nil
}

// ListForUser returns the user's conversations, most recently active first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	return s.store.ListConversations(ctx, userID)
}
