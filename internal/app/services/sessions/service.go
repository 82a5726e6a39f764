// Package sessions records accepted tokens so they can be revoked before the
// identity provider's own expiry. Only a hash of the token is stored.
package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/duochat/relay/internal/app/domain/session"
	"github.com/duochat/relay/internal/app/storage"
	"github.com/duochat/relay/pkg/logger"
)

// Service manages session records.
type Service struct {
	store storage.SessionStore
	log   *logger.Logger
}

// New constructs a session service.
func New(store storage.SessionStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("sessions")
	}
	return &Service{store: store, log: log}
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Record stores a session for the token, expiring at expiresAt.
func (s *Service) Record(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.store.CreateSession(ctx, session.Session{
		UserID:    userID,
		TokenHash: HashToken(token),
		ExpiresAt: expiresAt,
	})
	return err
}

// Valid reports whether the token may still be used. Recording is opt-in:
// a token with no session record passes on its own JWT expiry; a recorded
// session rejects after revocation or expiry.
func (s *Service) Valid(ctx context.Context, token string) bool {
	sess, err := s.store.GetSessionByTokenHash(ctx, HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return true
	}
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("session lookup failed")
		return false
	}
	return !sess.Revoked() && !sess.Expired(time.Now().UTC())
}

// Revoke marks the token's session revoked. The record stays until its
// natural expiry so the revocation cannot be undone by the pruner.
func (s *Service) Revoke(ctx context.Context, token string) error {
	err := s.store.RevokeSession(ctx, HashToken(token), time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// PruneExpired removes sessions past their expiry. Wired to the cron
// scheduler by the application.
func (s *Service) PruneExpired(ctx context.Context) {
	pruned, err := s.store.DeleteExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		s.log.WithError(err).Warn("session prune failed")
		return
	}
	if pruned > 0 {
		s.log.WithField("pruned", pruned).Info("expired sessions removed")
	}
}
