// Package profiles manages user profile records layered on the identity
// provider's subjects.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/duochat/relay/internal/app/domain/profile"
	"github.com/duochat/relay/internal/app/storage"
	"github.com/duochat/relay/pkg/logger"
)

const searchLimitMax = 25

// Service manages profile creation, lookup and updates.
type Service struct {
	store storage.ProfileStore
	log   *logger.Logger
}

// New constructs a profile service.
func New(store storage.ProfileStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("profiles")
	}
	return &Service{store: store, log: log}
}

// Create registers the profile for a new user. Nickname is normalized,
// validated, and unique across all users.
func (s *Service) Create(ctx context.Context, userID, nickname string) (profile.Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return profile.Profile{}, fmt.Errorf("user_id is required")
	}

	nickname = profile.NormalizeNickname(nickname)
	if err := profile.ValidateNickname(nickname); err != nil {
		return profile.Profile{}, err
	}

	created, err := s.store.CreateProfile(ctx, profile.Profile{UserID: userID, Nickname: nickname})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return profile.Profile{}, fmt.Errorf("nickname %q is taken: %w", nickname, err)
		}
		return profile.Profile{}, err
	}
	s.log.WithField("user_id", userID).WithField("nickname", nickname).Info("profile created")
	return created, nil
}

// Patch carries optional profile updates. Nil fields are left untouched.
type Patch struct {
	AvatarURL *string
	About     *string
}

// Update applies a patch to the caller's profile. Nickname is immutable.
func (s *Service) Update(ctx context.Context, userID string, patch Patch) (profile.Profile, error) {
	current, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return profile.Profile{}, err
	}

	if patch.AvatarURL != nil {
		raw := strings.TrimSpace(*patch.AvatarURL)
		if raw != "" {
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return profile.Profile{}, fmt.Errorf("avatar_url must be an http(s) URL")
			}
		}
		current.AvatarURL = raw
	}
	if patch.About != nil {
		about := strings.TrimSpace(*patch.About)
		if len(about) > 256 {
			return profile.Profile{}, fmt.Errorf("about must be at most 256 characters")
		}
		current.About = about
	}

	updated, err := s.store.UpdateProfile(ctx, current)
	if err != nil {
		return profile.Profile{}, err
	}
	s.log.WithField("user_id", userID).Info("profile updated")
	return updated, nil
}

// Get returns a profile by user id.
func (s *Service) Get(ctx context.Context, userID string) (profile.Profile, error) {
	return s.store.GetProfile(ctx, userID)
}

// GetByNickname returns a profile by nickname.
func (s *Service) GetByNickname(ctx context.Context, nickname string) (profile.Profile, error) {
	return s.store.GetProfileByNickname(ctx, profile.NormalizeNickname(nickname))
}

// Search finds profiles whose nickname starts with prefix, for the
// conversation picker.
func (s *Service) Search(ctx context.Context, prefix string, limit int) ([]profile.Profile, error) {
	prefix = profile.NormalizeNickname(prefix)
	if prefix == "" {
		return nil, fmt.Errorf("search prefix is required")
	}
	if limit <= 0 || limit > searchLimitMax {
		limit = searchLimitMax
	}
	return s.store.SearchProfiles(ctx, prefix, limit)
}
