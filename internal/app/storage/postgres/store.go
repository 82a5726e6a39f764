// Package postgres implements the storage interfaces backed by PostgreSQL,
// for self-hosted deployments that do not use the hosted Supabase backend.
// Schema lives under migrations/.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/duochat/relay/internal/app/domain/conversation"
	"github.com/duochat/relay/internal/app/domain/message"
	"github.com/duochat/relay/internal/app/domain/profile"
	"github.com/duochat/relay/internal/app/domain/session"
	"github.com/duochat/relay/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ storage.ProfileStore      = (*Store)(nil)
	_ storage.ConversationStore = (*Store)(nil)
	_ storage.MessageStore      = (*Store)(nil)
	_ storage.SessionStore      = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// --- ProfileStore -----------------------------------------------------------

func (s *Store) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, nickname, avatar_url, about, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.UserID, p.Nickname, p.AvatarURL, p.About, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return profile.Profile{}, storage.ErrConflict
		}
		return profile.Profile{}, err
	}
	return p, nil
}

func (s *Store) UpdateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	p.UpdatedAt = time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		UPDATE profiles
		SET avatar_url = $2, about = $3, updated_at = $4
		WHERE user_id = $1
		RETURNING nickname, created_at
	`, p.UserID, p.AvatarURL, p.About, p.UpdatedAt)
	if err := row.Scan(&p.Nickname, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return profile.Profile{}, storage.ErrNotFound
		}
		return profile.Profile{}, err
	}
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	return s.scanProfile(s.db.QueryRowContext(ctx, `
		SELECT user_id, nickname, avatar_url, about, created_at, updated_at
		FROM profiles WHERE user_id = $1
	`, userID))
}

func (s *Store) GetProfileByNickname(ctx context.Context, nickname string) (profile.Profile, error) {
	return s.scanProfile(s.db.QueryRowContext(ctx, `
		SELECT user_id, nickname, avatar_url, about, created_at, updated_at
		FROM profiles WHERE nickname = $1
	`, nickname))
}

func (s *Store) scanProfile(row *sql.Row) (profile.Profile, error) {
	var p profile.Profile
	err := row.Scan(&p.UserID, &p.Nickname, &p.AvatarURL, &p.About, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.Profile{}, storage.ErrNotFound
	}
	if err != nil {
		return profile.Profile{}, err
	}
	return p, nil
}

func (s *Store) SearchProfiles(ctx context.Context, prefix string, limit int) ([]profile.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, nickname, avatar_url, about, created_at, updated_at
		FROM profiles
		WHERE nickname LIKE $1 || '%'
		ORDER BY nickname
		LIMIT $2
	`, prefix, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []profile.Profile
	for rows.Next() {
		var p profile.Profile
		if err := rows.Scan(&p.UserID, &p.Nickname, &p.AvatarURL, &p.About, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- ConversationStore ------------------------------------------------------

func (s *Store) CreateConversation(ctx context.Context, c conversation.Conversation) (conversation.Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.ParticipantA, c.ParticipantB, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return conversation.Conversation{}, storage.ErrConflict
		}
		return conversation.Conversation{}, err
	}
	return c, nil
}

const conversationColumns = `
	id, participant_a, participant_b,
	COALESCE(last_message, ''), COALESCE(last_sender_id, ''),
	COALESCE(last_message_at, 'epoch'::timestamptz),
	created_at, updated_at
`

func (s *Store) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	return s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE id = $1
	`, id))
}

func (s *Store) GetConversationByPair(ctx context.Context, participantA, participantB string) (conversation.Conversation, error) {
	return s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE participant_a = $1 AND participant_b = $2
	`, participantA, participantB))
}

func (s *Store) scanConversation(row *sql.Row) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := row.Scan(
		&c.ID, &c.ParticipantA, &c.ParticipantB,
		&c.LastMessage, &c.LastSenderID, &c.LastMessageAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, storage.ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, err
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY last_message_at DESC NULLS LAST
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		var c conversation.Conversation
		if err := rows.Scan(
			&c.ID, &c.ParticipantA, &c.ParticipantB,
			&c.LastMessage, &c.LastSenderID, &c.LastMessageAt,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SetLastMessage(ctx context.Context, id string, msg message.Message) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message = $2, last_sender_id = $3, last_message_at = $4, updated_at = $5
		WHERE id = $1
	`, id, msg.Text, msg.SenderID, msg.CreatedAt, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- MessageStore -----------------------------------------------------------

func (s *Store) CreateMessage(ctx context.Context, m message.Message) (message.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, client_ts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.ConversationID, m.SenderID, m.Text, m.ClientTS, m.CreatedAt)
	if err != nil {
		return message.Message{}, err
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]message.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, text, client_ts, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC LIMIT $2
	`
	args := []any{conversationID, limit}
	if !before.IsZero() {
		query = `
			SELECT id, conversation_id, sender_id, text, client_ts, created_at
			FROM messages
			WHERE conversation_id = $1 AND created_at < $3
			ORDER BY created_at DESC LIMIT $2
		`
		args = append(args, before)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.ClientTS, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- SessionStore -----------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_sessions (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token_hash) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, sess.ID, sess.UserID, sess.TokenHash, sess.ExpiresAt, sess.CreatedAt)
	if err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (session.Session, error) {
	var sess session.Session
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked_at, created_at
		FROM relay_sessions WHERE token_hash = $1
	`, tokenHash).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.ExpiresAt, &revokedAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	if revokedAt.Valid {
		sess.RevokedAt = revokedAt.Time
	}
	return sess, nil
}

func (s *Store) RevokeSession(ctx context.Context, tokenHash string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE relay_sessions SET revoked_at = $2 WHERE token_hash = $1
	`, tokenHash, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM relay_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}
