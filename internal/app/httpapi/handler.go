// Package httpapi exposes the relay's REST surface: profiles,
// conversations, message history, session lifecycle, and the websocket
// upgrade endpoint.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/duochat/relay/internal/app/metrics"
	"github.com/duochat/relay/internal/app/services/conversations"
	"github.com/duochat/relay/internal/app/services/messages"
	"github.com/duochat/relay/internal/app/services/profiles"
	"github.com/duochat/relay/internal/app/services/sessions"
	"github.com/duochat/relay/internal/app/storage"
	"github.com/duochat/relay/internal/httputil"
	"github.com/duochat/relay/internal/relay"
	"github.com/duochat/relay/internal/supabase"
	"github.com/duochat/relay/pkg/logger"
)

// Authenticator validates a raw access token and returns the user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// AvatarStore persists avatar images in object storage.
type AvatarStore interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error
	PublicURL(bucket, path string) string
}

// PasswordAuthenticator exchanges email and password credentials for tokens.
type PasswordAuthenticator interface {
	SignIn(ctx context.Context, email, password string) (*supabase.AuthResponse, error)
}

// Handler serves the REST API and the websocket upgrade.
type Handler struct {
	profiles      *profiles.Service
	conversations *conversations.Service
	messages      *messages.Service
	sessions      *sessions.Service
	hub           *relay.Hub
	auth          Authenticator
	avatars       AvatarStore
	login         PasswordAuthenticator
	logger        *logger.Logger
}

// Config wires a Handler. Avatars and Login are optional; the matching
// endpoints report 501 when they are unset.
type Config struct {
	Profiles      *profiles.Service
	Conversations *conversations.Service
	Messages      *messages.Service
	Sessions      *sessions.Service
	Hub           *relay.Hub
	Auth          Authenticator
	Avatars       AvatarStore
	Login         PasswordAuthenticator
	Logger        *logger.Logger
}

// New creates the API handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("httpapi")
	}
	return &Handler{
		profiles:      cfg.Profiles,
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		sessions:      cfg.Sessions,
		hub:           cfg.Hub,
		auth:          cfg.Auth,
		avatars:       cfg.Avatars,
		login:         cfg.Login,
		logger:        cfg.Logger,
	}
}

// Register mounts all routes on the router. The caller wraps the router in
// the middleware chain; /healthz, /metrics, and /v1/login are expected to
// be on the auth skip list.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/login", h.handleLogin).Methods(http.MethodPost)

	v1.HandleFunc("/profiles", h.handleCreateProfile).Methods(http.MethodPost)
	v1.HandleFunc("/profiles", h.handleSearchProfiles).Methods(http.MethodGet).Queries("search", "{search}")
	v1.HandleFunc("/profiles/me", h.handleGetMe).Methods(http.MethodGet)
	v1.HandleFunc("/profiles/me", h.handleUpdateMe).Methods(http.MethodPatch)
	v1.HandleFunc("/profiles/me/avatar", h.handleUploadAvatar).Methods(http.MethodPut)
	v1.HandleFunc("/profiles/{nickname}", h.handleGetByNickname).Methods(http.MethodGet)

	v1.HandleFunc("/conversations", h.handleOpenConversation).Methods(http.MethodPost)
	v1.HandleFunc("/conversations", h.handleListConversations).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}", h.handleGetConversation).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/messages", h.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/messages", h.handleSendMessage).Methods(http.MethodPost)

	v1.HandleFunc("/sessions", h.handleRecordSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", h.handleLogout).Methods(http.MethodDelete)

	v1.HandleFunc("/ws", h.handleWS).Methods(http.MethodGet)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createProfileInput struct {
	Nickname string `json:"nickname"`
}

func (h *Handler) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var input createProfileInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	p, err := h.profiles.Create(r.Context(), userID, input.Nickname)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			httputil.WriteError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) handleGetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	p, err := h.profiles.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.NotFound(w, "profile not found")
			return
		}
		httputil.InternalError(w, "failed to load profile")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

type updateProfileInput struct {
	AvatarURL *string `json:"avatar_url"`
	About     *string `json:"about"`
}

func (h *Handler) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var input updateProfileInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	p, err := h.profiles.Update(r.Context(), userID, profiles.Patch{
		AvatarURL: input.AvatarURL,
		About:     input.About,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.NotFound(w, "profile not found")
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

const (
	avatarBucket   = "avatars"
	maxAvatarBytes = 1 << 20
)

var avatarExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
}

// handleUploadAvatar stores the raw image body in the avatar bucket and
// points the caller's profile at its public URL.
func (h *Handler) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	if h.avatars == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "avatar storage is not configured")
		return
	}

	contentType := r.Header.Get("Content-Type")
	ext, ok := avatarExtensions[contentType]
	if !ok {
		httputil.BadRequest(w, "avatar must be image/png, image/jpeg, or image/webp")
		return
	}

	data, truncated, err := httputil.ReadAllWithLimit(r.Body, maxAvatarBytes)
	if err != nil {
		httputil.BadRequest(w, "failed to read avatar body")
		return
	}
	if truncated {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "avatar exceeds 1 MiB")
		return
	}
	if len(data) == 0 {
		httputil.BadRequest(w, "avatar body is empty")
		return
	}

	path := userID + "." + ext
	if err := h.avatars.Upload(r.Context(), avatarBucket, path, data, contentType); err != nil {
		h.logger.WithError(err).Warn("avatar upload failed")
		httputil.InternalError(w, "failed to store avatar")
		return
	}

	publicURL := h.avatars.PublicURL(avatarBucket, path)
	p, err := h.profiles.Update(r.Context(), userID, profiles.Patch{AvatarURL: &publicURL})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.NotFound(w, "profile not found")
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

type loginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin proxies the identity provider's password grant so clients
// without a Supabase SDK can obtain a token pair from the relay.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.login == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "password login is not configured")
		return
	}
	var input loginInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	if input.Email == "" || input.Password == "" {
		httputil.BadRequest(w, "email and password are required")
		return
	}

	tokens, err := h.login.SignIn(r.Context(), input.Email, input.Password)
	if err != nil {
		h.logger.WithError(err).Warn("password grant rejected")
		httputil.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleGetByNickname(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	nickname := mux.Vars(r)["nickname"]
	p, err := h.profiles.GetByNickname(r.Context(), nickname)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.NotFound(w, "profile not found")
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) handleSearchProfiles(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	prefix := r.URL.Query().Get("search")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := h.profiles.Search(r.Context(), prefix, limit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, results)
}

type openConversationInput struct {
	PeerID string `json:"peer_id"`
}

func (h *Handler) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var input openConversationInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	conv, err := h.conversations.Open(r.Context(), userID, input.PeerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.NotFound(w, "peer profile not found")
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	convs, err := h.conversations.ListForUser(r.Context(), userID)
	if err != nil {
		httputil.InternalError(w, "failed to list conversations")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, convs)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	conv, err := h.conversations.Get(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		writeConversationError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	var before time.Time
	if s := r.URL.Query().Get("before"); s != "" {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			httputil.BadRequest(w, "before must be an RFC 3339 timestamp")
			return
		}
		before = parsed
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.messages.History(r.Context(), mux.Vars(r)["id"], userID, before, limit)
	if err != nil {
		writeConversationError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, history)
}

type sendMessageInput struct {
	Text     string    `json:"text"`
	ClientTS time.Time `json:"client_ts"`
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var input sendMessageInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	msg, err := h.messages.Send(r.Context(), mux.Vars(r)["id"], userID, input.Text, input.ClientTS)
	if err != nil {
		writeConversationError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, msg)
}

// handleRecordSession registers the presented token so it can be revoked
// at logout. The token has already been validated by the auth middleware.
func (h *Handler) handleRecordSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	expiresAt := tokenExpiry(token)
	if err := h.sessions.Record(r.Context(), userID, token, expiresAt); err != nil {
		httputil.InternalError(w, "failed to record session")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"expires_at": expiresAt.Format(time.RFC3339),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := h.sessions.Revoke(r.Context(), token); err != nil {
		httputil.InternalError(w, "failed to revoke session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWS authenticates the handshake and hands the connection to the hub.
// Browsers cannot set headers on websocket requests, so the token may also
// arrive as the access_token query parameter.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	token, err := bearerToken(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, err.Error())
		return
	}
	userID, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		h.logger.WithError(err).Warn("websocket auth failed")
		httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	h.hub.ServeWS(w, r, userID)
}

func writeConversationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httputil.NotFound(w, "conversation not found")
	case errors.Is(err, conversations.ErrNotParticipant),
		errors.Is(err, messages.ErrNotParticipant):
		httputil.Forbidden(w, "not a participant of this conversation")
	default:
		httputil.BadRequest(w, err.Error())
	}
}

func bearerToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1], nil
		}
		return "", errors.New("invalid Authorization header format")
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", errors.New("missing credentials")
}

// tokenExpiry reads the exp claim without verifying the signature; the auth
// middleware already verified the token before this point.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Now().Add(time.Hour)
}
