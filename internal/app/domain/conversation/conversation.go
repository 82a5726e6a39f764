// Package conversation defines the one-to-one conversation model.
package conversation

import (
	"fmt"
	"time"
)

// Conversation pairs two participants. The last-message fields are
// denormalized so the sidebar list renders without loading message history.
// Participants are stored in canonical order: ParticipantA < ParticipantB.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	LastMessage   string    `json:"last_message,omitempty"`
	LastSenderID  string    `json:"last_sender_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CanonicalPair orders a participant pair deterministically so the unordered
// pair (a, b) always maps to the same stored row.
func CanonicalPair(a, b string) (string, string, error) {
	if a == "" || b == "" {
		return "", "", fmt.Errorf("both participants are required")
	}
	if a == b {
		return "", "", fmt.Errorf("cannot open a conversation with yourself")
	}
	if a > b {
		a, b = b, a
	}
	return a, b, nil
}

// HasParticipant reports whether userID is one of the two members.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Peer returns the other member of the conversation relative to userID.
func (c Conversation) Peer(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}
