// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It is intended for tests and prototyping and
// deliberately keeps the implementation simple.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duochat/relay/internal/app/domain/conversation"
	"github.com/duochat/relay/internal/app/domain/message"
	"github.com/duochat/relay/internal/app/domain/profile"
	"github.com/duochat/relay/internal/app/domain/session"
	"github.com/duochat/relay/internal/app/storage"
)

// Store is an in-memory persistence layer implementing every storage
// interface in one struct.
type Store struct {
	mu            sync.RWMutex
	profiles      map[string]profile.Profile           // by user id
	nicknames     map[string]string                    // nickname -> user id
	conversations map[string]conversation.Conversation // by id
	pairs         map[string]string                    // "a|b" -> conversation id
	messages      map[string][]message.Message         // by conversation id, append order
	sessions      map[string]session.Session           // by token hash
}

var (
	_ storage.ProfileStore      = (*Store)(nil)
	_ storage.ConversationStore = (*Store)(nil)
	_ storage.MessageStore      = (*Store)(nil)
	_ storage.SessionStore      = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		profiles:      make(map[string]profile.Profile),
		nicknames:     make(map[string]string),
		conversations: make(map[string]conversation.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string][]message.Message),
		sessions:      make(map[string]session.Session),
	}
}

// ProfileStore implementation ------------------------------------------------

func (s *Store) CreateProfile(_ context.Context, p profile.Profile) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profiles[p.UserID]; exists {
		return profile.Profile{}, storage.ErrConflict
	}
	if _, taken := s.nicknames[p.Nickname]; taken {
		return profile.Profile{}, storage.ErrConflict
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.profiles[p.UserID] = p
	s.nicknames[p.Nickname] = p.UserID
	return p, nil
}

func (s *Store) UpdateProfile(_ context.Context, p profile.Profile) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.profiles[p.UserID]
	if !ok {
		return profile.Profile{}, storage.ErrNotFound
	}

	p.Nickname = original.Nickname
	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.profiles[p.UserID] = p
	return p, nil
}

func (s *Store) GetProfile(_ context.Context, userID string) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return profile.Profile{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetProfileByNickname(_ context.Context, nickname string) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.nicknames[nickname]
	if !ok {
		return profile.Profile{}, storage.ErrNotFound
	}
	return s.profiles[userID], nil
}

func (s *Store) SearchProfiles(_ context.Context, prefix string, limit int) ([]profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []profile.Profile
	for nickname, userID := range s.nicknames {
		if strings.HasPrefix(nickname, prefix) {
			out = append(out, s.profiles[userID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ConversationStore implementation -------------------------------------------

func pairKey(a, b string) string {
	return a + "|" + b
}

func (s *Store) CreateConversation(_ context.Context, c conversation.Conversation) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(c.ParticipantA, c.ParticipantB)
	if _, exists := s.pairs[key]; exists {
		return conversation.Conversation{}, storage.ErrConflict
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	s.conversations[c.ID] = c
	s.pairs[key] = c.ID
	return c, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) GetConversationByPair(_ context.Context, participantA, participantB string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pairs[pairKey(participantA, participantB)]
	if !ok {
		return conversation.Conversation{}, storage.ErrNotFound
	}
	return s.conversations[id], nil
}

func (s *Store) ListConversations(_ context.Context, userID string) ([]conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []conversation.Conversation
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *Store) SetLastMessage(_ context.Context, id string, msg message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.LastMessage = msg.Text
	c.LastSenderID = msg.SenderID
	c.LastMessageAt = msg.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.conversations[id] = c
	return nil
}

// MessageStore implementation ------------------------------------------------

func (s *Store) CreateMessage(_ context.Context, m message.Message) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[m.ConversationID]; !ok {
		return message.Message{}, storage.ErrNotFound
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return m, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, before time.Time, limit int) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []message.Message
	for _, m := range s.messages[conversationID] {
		if before.IsZero() || m.CreatedAt.Before(before) {
			out = append(out, m)
		}
	}
	// Newest first, matching the thread pagination order.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SessionStore implementation ------------------------------------------------

func (s *Store) CreateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	s.sessions[sess.TokenHash] = sess
	return sess, nil
}

func (s *Store) GetSessionByTokenHash(_ context.Context, tokenHash string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[tokenHash]
	if !ok {
		return session.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *Store) RevokeSession(_ context.Context, tokenHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[tokenHash]
	if !ok {
		return storage.ErrNotFound
	}
	sess.RevokedAt = at
	s.sessions[tokenHash] = sess
	return nil
}

func (s *Store) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int
	for hash, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, hash)
			pruned++
		}
	}
	return pruned, nil
}
