// Package protocol defines the websocket frame protocol spoken between the
// relay and its clients. It lives outside internal/ so client code in other
// modules can build and handle frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Frame types sent by clients.
const (
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FrameMessage = "message"
	FrameTyping  = "typing"
)

// Frame types sent by the server.
const (
	FrameJoined   = "joined"
	FramePresence = "presence"
	FrameError    = "error"
	FrameAck      = "ack"
)

// Error codes carried in error frames.
const (
	ErrCodeBadFrame   = "bad_frame"
	ErrCodeNotAllowed = "not_allowed"
	ErrCodeNotFound   = "not_found"
	ErrCodeInternal   = "internal"
)

// ClientFrame is a frame received from a client.
type ClientFrame struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text,omitempty"`
	ClientTS       time.Time `json:"client_ts,omitempty"`
	Ref            string    `json:"ref,omitempty"`
}

// ServerFrame is a frame sent to a client.
type ServerFrame struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
	Text           string    `json:"text,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Online         bool      `json:"online,omitempty"`
	Code           string    `json:"code,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Ref            string    `json:"ref,omitempty"`
}

// ParseClientFrame decodes a raw client frame. The type field is peeked
// first so malformed payloads still yield a usable error frame.
func ParseClientFrame(raw []byte) (ClientFrame, error) {
	if !gjson.ValidBytes(raw) {
		return ClientFrame{}, fmt.Errorf("frame is not valid JSON")
	}

	frameType := gjson.GetBytes(raw, "type").String()
	switch frameType {
	case FrameJoin, FrameLeave, FrameMessage, FrameTyping:
	case "":
		return ClientFrame{}, fmt.Errorf("frame has no type")
	default:
		return ClientFrame{}, fmt.Errorf("unknown frame type %q", frameType)
	}

	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ClientFrame{}, fmt.Errorf("decode %s frame: %w", frameType, err)
	}
	if frame.ConversationID == "" {
		return ClientFrame{}, fmt.Errorf("%s frame has no conversation_id", frameType)
	}
	return frame, nil
}
