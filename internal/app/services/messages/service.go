// Package messages persists chat messages and maintains each conversation's
// denormalized last-message pointer.
package messages

import (
	"context"
	"errors"
	"time"

	"github.com/duochat/relay/internal/app/domain/message"
	"github.com/duochat/relay/internal/app/storage"
	"github.com/duochat/relay/pkg/logger"
)

const (
	historyLimitDefault = 50
	historyLimitMax     = 200
)

// ErrNotParticipant is returned when the sender is not a member of the
// conversation.
var ErrNotParticipant = errors.New("sender is not a participant of this conversation")

// Service appends and reads messages.
type Service struct {
	conversations storage.ConversationStore
	store         storage.MessageStore
	log           *logger.Logger
}

// New constructs a message service.
func New(conversations storage.ConversationStore, store storage.MessageStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("messages")
	}
	return &Service{conversations: conversations, store: store, log: log}
}

// Send validates, persists and returns the message, then updates the
// conversation's last-message pointer. ClientTS is the timestamp assigned by
// the sending client; a zero or far-future value falls back to server time.
func (s *Service) Send(ctx context.Context, conversationID, senderID, text string, clientTS time.Time) (message.Message, error) {
	text, err := message.ValidateText(text)
	if err != nil {
		return message.Message{}, err
	}

	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return message.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return message.Message{}, ErrNotParticipant
	}

	now := time.Now().UTC()
	if clientTS.IsZero() || clientTS.After(now.Add(time.Minute)) {
		clientTS = now
	}

	stored, err := s.store.CreateMessage(ctx, message.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		ClientTS:       clientTS.UTC(),
		CreatedAt:      now,
	})
	if err != nil {
		return message.Message{}, err
	}

	// The sidebar pointer is best-effort: the message itself is already
	// durable, so a failed update only stales the list until the next send.
	if err := s.conversations.SetLastMessage(ctx, conversationID, stored); err != nil {
		s.log.WithContext(ctx).WithError(err).
			WithField("conversation_id", conversationID).
			Warn("failed to update last-message pointer")
	}

	return stored, nil
}

// History returns messages newest-first, strictly older than before when it
// is non-zero. Membership is enforced against userID.
func (s *Service) History(ctx context.Context, conversationID, userID string, before time.Time, limit int) ([]message.Message, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}

	if limit <= 0 {
		limit = historyLimitDefault
	}
	if limit > historyLimitMax {
		limit = historyLimitMax
	}
	return s.store.ListMessages(ctx, conversationID, before, limit)
}
