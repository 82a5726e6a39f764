package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/duochat/relay/pkg/logger"
)

var testSecret = []byte("test-jwt-secret")

func mintToken(t *testing.T, secret []byte, subject string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		Email: subject + "@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestAuth(t *testing.T, cfg AuthConfig) *AuthMiddleware {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("test")
	}
	m, err := NewAuthMiddleware(cfg)
	if err != nil {
		t.Fatalf("NewAuthMiddleware: %v", err)
	}
	return m
}

func echoUserID() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, logger.GetUserID(r.Context()))
	})
}

func TestAuthMiddlewareValidToken(t *testing.T) {
	m := newTestAuth(t, AuthConfig{JWTSecret: testSecret})
	handler := m.Handler(echoUserID())

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/me", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, "user-1", time.Hour))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "user-1" {
		t.Fatalf("user id = %q, want user-1", got)
	}
}

func TestAuthMiddlewareMissingToken(t *testing.T) {
	m := newTestAuth(t, AuthConfig{JWTSecret: testSecret})
	handler := m.Handler(echoUserID())

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/me", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddlewareExpiredToken(t *testing.T) {
	m := newTestAuth(t, AuthConfig{JWTSecret: testSecret})
	handler := m.Handler(echoUserID())

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/me", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, "user-1", -time.Minute))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddlewareWrongSecret(t *testing.T) {
	m := newTestAuth(t, AuthConfig{JWTSecret: testSecret})
	handler := m.Handler(echoUserID())

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/me", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, []byte("other-secret"), "user-1", time.Hour))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddlewareQueryParamToken(t *testing.T) {
	m := newTestAuth(t, AuthConfig{JWTSecret: testSecret})
	handler := m.Handler(echoUserID())

	token := mintToken(t, testSecret, "user-2", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/v1/ws?access_token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "user-2" {
		t.Fatalf("user id = %q, want user-2", got)
	}
}

func TestAuthMiddlewareSkipPaths(t *testing.T) {
	m := newTestAuth(t, AuthConfig{JWTSecret: testSecret, SkipPaths: []string{"/health"}})
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

type staticResolver struct {
	userID string
	err    error
}

func (r staticResolver) ResolveUser(ctx context.Context, accessToken string) (string, error) {
	return r.userID, r.err
}

func TestAuthMiddlewareRemoteResolver(t *testing.T) {
	m := newTestAuth(t, AuthConfig{Resolver: staticResolver{userID: "remote-user"}})
	handler := m.Handler(echoUserID())

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/me", nil)
	req.Header.Set("Authorization", "Bearer opaque-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "remote-user" {
		t.Fatalf("user id = %q, want remote-user", got)
	}
}

type deniedSessions struct{}

func (deniedSessions) Valid(ctx context.Context, token string) bool { return false }

func TestAuthMiddlewareRevokedSession(t *testing.T) {
	m := newTestAuth(t, AuthConfig{JWTSecret: testSecret, Sessions: deniedSessions{}})
	handler := m.Handler(echoUserID())

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/me", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, "user-1", time.Hour))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestNewAuthMiddlewareRequiresSecretOrResolver(t *testing.T) {
	if _, err := NewAuthMiddleware(AuthConfig{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestBearerTokenFormats(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "token abc")
	if _, err := BearerToken(req); err == nil {
		t.Fatal("expected error for non-bearer scheme")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer abc")
	token, err := BearerToken(req)
	if err != nil {
		t.Fatalf("BearerToken: %v", err)
	}
	if token != "abc" {
		t.Fatalf("token = %q, want abc", token)
	}
}
