// Package middleware provides HTTP middleware for the relay.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/duochat/relay/pkg/logger"
)

// Claims are the identity provider's access-token claims. Subject carries
// the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserResolver resolves an access token to a user id by asking the identity
// provider, used when no JWT secret is configured locally.
type UserResolver interface {
	ResolveUser(ctx context.Context, accessToken string) (userID string, err error)
}

// SessionChecker reports whether a token is still usable. Tokens without a
// recorded session pass on their own expiry; recorded sessions reject after
// revocation.
type SessionChecker interface {
	Valid(ctx context.Context, token string) bool
}

// AuthMiddleware authenticates requests with identity-provider access
// tokens. Verification is local (HS256 with the provider's JWT secret) when
// a secret is configured, otherwise remote via the resolver.
type AuthMiddleware struct {
	jwtSecret []byte
	resolver  UserResolver
	sessions  SessionChecker
	logger    *logger.Logger
	skipPaths map[string]bool
}

// AuthConfig configures the middleware. One of JWTSecret or Resolver is
// required; Sessions is optional and enables revocation checks.
type AuthConfig struct {
	JWTSecret []byte
	Resolver  UserResolver
	Sessions  SessionChecker
	Logger    *logger.Logger
	SkipPaths []string
}

// NewAuthMiddleware creates authentication middleware.
func NewAuthMiddleware(cfg AuthConfig) (*AuthMiddleware, error) {
	if len(cfg.JWTSecret) == 0 && cfg.Resolver == nil {
		return nil, fmt.Errorf("either a JWT secret or a user resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("auth")
	}

	skip := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}

	return &AuthMiddleware{
		jwtSecret: cfg.JWTSecret,
		resolver:  cfg.Resolver,
		sessions:  cfg.Sessions,
		logger:    cfg.Logger,
		skipPaths: skip,
	}, nil
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, err := BearerToken(r)
		if err != nil {
			respondUnauthorized(w, err.Error())
			return
		}

		userID, err := m.Authenticate(r.Context(), token)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("token validation failed")
			respondUnauthorized(w, "invalid token")
			return
		}

		ctx := logger.WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate validates a raw token and returns the user id. Exposed so
// the websocket upgrade path can authenticate before switching protocols.
func (m *AuthMiddleware) Authenticate(ctx context.Context, token string) (string, error) {
	var userID string
	var err error
	if len(m.jwtSecret) > 0 {
		userID, err = m.validateLocal(token)
	} else {
		userID, err = m.resolver.ResolveUser(ctx, token)
	}
	if err != nil {
		return "", err
	}

	if m.sessions != nil && !m.sessions.Valid(ctx, token) {
		return "", fmt.Errorf("session revoked or expired")
	}
	return userID, nil
}

func (m *AuthMiddleware) validateLocal(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid claims")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// BearerToken extracts the bearer token from the Authorization header, or
// from the access_token query parameter for websocket handshakes where
// browsers cannot set headers.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", fmt.Errorf("invalid Authorization header format")
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("missing credentials")
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
