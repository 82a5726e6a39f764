// Package message defines the chat message model.
package message

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxTextBytes caps the message payload size.
const MaxTextBytes = 4 << 10

var (
	// ErrEmptyText is returned when a message has no content after trimming.
	ErrEmptyText = errors.New("message text is required")

	// ErrTextTooLong is returned when a message exceeds MaxTextBytes.
	ErrTextTooLong = fmt.Errorf("message text exceeds %d bytes", MaxTextBytes)
)

// Message is a single chat message within a conversation. ClientTS is the
// timestamp assigned by the sending client and is used for thread ordering;
// CreatedAt is when the relay accepted the message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	ClientTS       time.Time `json:"client_ts"`
	CreatedAt      time.Time `json:"created_at"`
}

// ValidateText trims and checks the payload, returning the normalized text.
func ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if len(text) > MaxTextBytes {
		return "", ErrTextTooLong
	}
	return text, nil
}
