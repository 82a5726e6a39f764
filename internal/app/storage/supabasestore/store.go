// Package supabasestore implements the storage interfaces on top of the
// hosted Supabase project's PostgREST API. This is the primary persistence
// backend: the relay holds no database of its own.
package supabasestore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/duochat/relay/internal/app/domain/conversation"
	"github.com/duochat/relay/internal/app/domain/message"
	"github.com/duochat/relay/internal/app/domain/profile"
	"github.com/duochat/relay/internal/app/domain/session"
	"github.com/duochat/relay/internal/app/storage"
	"github.com/duochat/relay/internal/supabase"
)

const (
	tableProfiles      = "profiles"
	tableConversations = "conversations"
	tableMessages      = "messages"
	tableSessions      = "relay_sessions"
)

// Store talks to Supabase via the shared client.
type Store struct {
	client *supabase.Client
}

var (
	_ storage.ProfileStore      = (*Store)(nil)
	_ storage.ConversationStore = (*Store)(nil)
	_ storage.MessageStore      = (*Store)(nil)
	_ storage.SessionStore      = (*Store)(nil)
)

// New creates a Store using the provided Supabase client.
func New(client *supabase.Client) *Store {
	return &Store{client: client}
}

// ProfileStore implementation ------------------------------------------------

func (s *Store) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	resp, err := s.client.From(tableProfiles).ExecuteInsert(ctx, p)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("create profile: %w", err)
	}
	if resp.StatusCode == http.StatusConflict {
		return profile.Profile{}, storage.ErrConflict
	}
	if err := resp.Error(); err != nil {
		return profile.Profile{}, err
	}
	return firstOf[profile.Profile](resp, p)
}

func (s *Store) UpdateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	update := map[string]any{
		"avatar_url": p.AvatarURL,
		"about":      p.About,
		"updated_at": time.Now().UTC(),
	}
	resp, err := s.client.From(tableProfiles).Eq("user_id", p.UserID).ExecuteUpdate(ctx, update)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("update profile: %w", err)
	}
	if err := resp.Error(); err != nil {
		return profile.Profile{}, err
	}

	var rows []profile.Profile
	if err := resp.JSON(&rows); err != nil {
		return profile.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if len(rows) == 0 {
		return profile.Profile{}, storage.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	return s.getProfileBy(ctx, "user_id", userID)
}

func (s *Store) GetProfileByNickname(ctx context.Context, nickname string) (profile.Profile, error) {
	return s.getProfileBy(ctx, "nickname", nickname)
}

func (s *Store) getProfileBy(ctx context.Context, column, value string) (profile.Profile, error) {
	resp, err := s.client.From(tableProfiles).Select("*").Eq(column, value).Single().Execute(ctx)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if resp.NotFound() {
		return profile.Profile{}, storage.ErrNotFound
	}
	if err := resp.Error(); err != nil {
		return profile.Profile{}, err
	}

	var p profile.Profile
	if err := resp.JSON(&p); err != nil {
		return profile.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

func (s *Store) SearchProfiles(ctx context.Context, prefix string, limit int) ([]profile.Profile, error) {
	resp, err := s.client.From(tableProfiles).
		Select("*").
		Like("nickname", prefix+"*").
		Order("nickname", true).
		Limit(limit).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var rows []profile.Profile
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	return rows, nil
}

// ConversationStore implementation -------------------------------------------

func (s *Store) CreateConversation(ctx context.Context, c conversation.Conversation) (conversation.Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	resp, err := s.client.From(tableConversations).ExecuteInsert(ctx, c)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if resp.StatusCode == http.StatusConflict {
		return conversation.Conversation{}, storage.ErrConflict
	}
	if err := resp.Error(); err != nil {
		return conversation.Conversation{}, err
	}
	return firstOf[conversation.Conversation](resp, c)
}

func (s *Store) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	resp, err := s.client.From(tableConversations).Select("*").Eq("id", id).Single().Execute(ctx)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if resp.NotFound() {
		return conversation.Conversation{}, storage.ErrNotFound
	}
	if err := resp.Error(); err != nil {
		return conversation.Conversation{}, err
	}

	var c conversation.Conversation
	if err := resp.JSON(&c); err != nil {
		return conversation.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversationByPair(ctx context.Context, participantA, participantB string) (conversation.Conversation, error) {
	resp, err := s.client.From(tableConversations).
		Select("*").
		Eq("participant_a", participantA).
		Eq("participant_b", participantB).
		Single().
		Execute(ctx)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("get conversation by pair: %w", err)
	}
	if resp.NotFound() {
		return conversation.Conversation{}, storage.ErrNotFound
	}
	if err := resp.Error(); err != nil {
		return conversation.Conversation{}, err
	}

	var c conversation.Conversation
	if err := resp.JSON(&c); err != nil {
		return conversation.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	resp, err := s.client.From(tableConversations).
		Select("*").
		Or(fmt.Sprintf("participant_a.eq.%s,participant_b.eq.%s", userID, userID)).
		Order("last_message_at", false).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var rows []conversation.Conversation
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return rows, nil
}

func (s *Store) SetLastMessage(ctx context.Context, id string, msg message.Message) error {
	update := map[string]any{
		"last_message":    msg.Text,
		"last_sender_id":  msg.SenderID,
		"last_message_at": msg.CreatedAt,
		"updated_at":      time.Now().UTC(),
	}
	resp, err := s.client.From(tableConversations).Eq("id", id).ExecuteUpdate(ctx, update)
	if err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	if err := resp.Error(); err != nil {
		return err
	}

	var rows []conversation.Conversation
	if err := resp.JSON(&rows); err != nil {
		return fmt.Errorf("decode conversations: %w", err)
	}
	if len(rows) == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MessageStore implementation ------------------------------------------------

func (s *Store) CreateMessage(ctx context.Context, m message.Message) (message.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	resp, err := s.client.From(tableMessages).ExecuteInsert(ctx, m)
	if err != nil {
		return message.Message{}, fmt.Errorf("create message: %w", err)
	}
	if err := resp.Error(); err != nil {
		return message.Message{}, err
	}
	return firstOf[message.Message](resp, m)
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]message.Message, error) {
	q := s.client.From(tableMessages).
		Select("*").
		Eq("conversation_id", conversationID).
		Order("created_at", false).
		Limit(limit)
	if !before.IsZero() {
		q = q.Lt("created_at", before.UTC().Format(time.RFC3339Nano))
	}

	resp, err := q.Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var rows []message.Message
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return rows, nil
}

// SessionStore implementation ------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	resp, err := s.client.From(tableSessions).ExecuteInsert(ctx, sess)
	if err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	if err := resp.Error(); err != nil {
		return session.Session{}, err
	}
	return firstOf[session.Session](resp, sess)
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (session.Session, error) {
	resp, err := s.client.From(tableSessions).Select("*").Eq("token_hash", tokenHash).Single().Execute(ctx)
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	if resp.NotFound() {
		return session.Session{}, storage.ErrNotFound
	}
	if err := resp.Error(); err != nil {
		return session.Session{}, err
	}

	var sess session.Session
	if err := resp.JSON(&sess); err != nil {
		return session.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

func (s *Store) RevokeSession(ctx context.Context, tokenHash string, at time.Time) error {
	resp, err := s.client.From(tableSessions).
		Eq("token_hash", tokenHash).
		ExecuteUpdate(ctx, map[string]string{"revoked_at": at.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if err := resp.Error(); err != nil {
		return err
	}

	var rows []session.Session
	if err := resp.JSON(&rows); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}
	if len(rows) == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	resp, err := s.client.From(tableSessions).
		Lt("expires_at", now.UTC().Format(time.RFC3339Nano)).
		ExecuteDelete(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	if err := resp.Error(); err != nil {
		return 0, err
	}

	var rows []session.Session
	if err := resp.JSON(&rows); err != nil {
		return 0, fmt.Errorf("decode sessions: %w", err)
	}
	return len(rows), nil
}

// firstOf prefers the representation returned by PostgREST, falling back to
// the locally assembled record when the body is empty.
func firstOf[T any](resp *supabase.Response, fallback T) (T, error) {
	var rows []T
	if err := resp.JSON(&rows); err != nil || len(rows) == 0 {
		return fallback, nil
	}
	return rows[0], nil
}
