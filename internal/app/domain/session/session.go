// Package session defines relay-side session records used for token
// revocation. Tokens themselves are issued by the identity provider; the
// relay only stores a hash.
package session

import "time"

// Session records an accepted access token. TokenHash is the hex-encoded
// SHA-256 of the raw token. A revoked session is kept until its natural
// expiry so the revocation outlives the token.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the session has passed its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Revoked reports whether the session has been explicitly revoked.
func (s Session) Revoked() bool {
	return !s.RevokedAt.IsZero()
}
