// Package profile defines the user profile model layered on top of the
// identity provider's subject. Authentication itself stays with the provider;
// the profile only carries what the chat UI needs.
package profile

import (
	"fmt"
	"strings"
	"time"
)

// Profile is the locally managed identity of a chat user. UserID is the
// identity provider's subject id.
type Profile struct {
	UserID    string    `json:"user_id"`
	Nickname  string    `json:"nickname"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	About     string    `json:"about,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	// NicknameMinLen and NicknameMaxLen bound nickname length in runes.
	NicknameMinLen = 3
	NicknameMaxLen = 24
)

// ValidateNickname checks the nickname against the allowed form: lowercase
// letters, digits and underscore, starting with a letter.
func ValidateNickname(nickname string) error {
	n := len([]rune(nickname))
	if n < NicknameMinLen || n > NicknameMaxLen {
		return fmt.Errorf("nickname must be %d-%d characters", NicknameMinLen, NicknameMaxLen)
	}
	for i, r := range nickname {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_' && i > 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("nickname may only contain lowercase letters, digits and underscore, and must start with a letter")
		}
	}
	return nil
}

// NormalizeNickname lowercases and trims a nickname before validation.
func NormalizeNickname(nickname string) string {
	return strings.ToLower(strings.TrimSpace(nickname))
}
