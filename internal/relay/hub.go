// Package relay implements the realtime websocket layer: per-conversation
// rooms, frame routing, presence, and cross-node fan-out over Redis. The
// frame format itself lives in pkg/protocol so clients can share it.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duochat/relay/internal/app/domain/conversation"
	"github.com/duochat/relay/internal/app/domain/message"
	"github.com/duochat/relay/internal/app/metrics"
	"github.com/duochat/relay/internal/app/services/messages"
	"github.com/duochat/relay/internal/app/storage"
	"github.com/duochat/relay/pkg/logger"
	"github.com/duochat/relay/pkg/protocol"
)

// ConversationGuard checks that a user may access a conversation.
type ConversationGuard interface {
	Get(ctx context.Context, id, userID string) (conversation.Conversation, error)
}

// MessageSender persists an inbound chat message.
type MessageSender interface {
	Send(ctx context.Context, conversationID, senderID, text string, clientTS time.Time) (message.Message, error)
}

// Publisher fans a frame out to other relay nodes.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, frame protocol.ServerFrame) error
}

// PresenceStore mirrors room presence into shared storage so every node
// sees the same online set.
type PresenceStore interface {
	MarkOnline(ctx context.Context, conversationID, userID string) error
	MarkOffline(ctx context.Context, conversationID, userID string) error
	Online(ctx context.Context, conversationID string) ([]string, error)
}

// Config configures a Hub. Fanout and Presence are optional; without them
// the hub runs single-node with local presence only.
type Config struct {
	Conversations ConversationGuard
	Messages      MessageSender
	Fanout        Publisher
	Presence      PresenceStore
	Logger        *logger.Logger
}

// Hub owns all websocket clients on this node and routes frames between
// them, one room per conversation.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[*client]bool
	memberships map[*client]map[string]bool

	conversations ConversationGuard
	messages      MessageSender
	fanout        Publisher
	presence      PresenceStore
	logger        *logger.Logger
	upgrader      websocket.Upgrader
}

// NewHub creates a hub.
func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("relay")
	}
	return &Hub{
		rooms:         make(map[string]map[*client]bool),
		memberships:   make(map[*client]map[string]bool),
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		fanout:        cfg.Fanout,
		presence:      cfg.Presence,
		logger:        cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades an authenticated request and runs the connection until
// it closes. The caller must have verified the token and resolved userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan protocol.ServerFrame, sendBufferSize),
	}

	h.mu.Lock()
	h.memberships[c] = make(map[string]bool)
	h.mu.Unlock()
	metrics.ConnectionOpened()

	h.logger.WithField("user_id", userID).Info("client connected")

	go c.writePump()
	c.readPump()
}

// handleFrame routes one raw inbound frame from a client.
func (h *Hub) handleFrame(c *client, raw []byte) {
	frame, err := protocol.ParseClientFrame(raw)
	if err != nil {
		c.enqueue(errorFrame(protocol.ErrCodeBadFrame, err.Error(), ""))
		return
	}

	ctx := logger.WithUserID(context.Background(), c.userID)
	switch frame.Type {
	case protocol.FrameJoin:
		h.handleJoin(ctx, c, frame)
	case protocol.FrameLeave:
		h.handleLeave(ctx, c, frame)
	case protocol.FrameMessage:
		h.handleMessage(ctx, c, frame)
	case protocol.FrameTyping:
		h.handleTyping(ctx, c, frame)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *client, frame protocol.ClientFrame) {
	if _, err := h.conversations.Get(ctx, frame.ConversationID, c.userID); err != nil {
		c.enqueue(errorFrame(joinErrorCode(err), "cannot join conversation", frame.Ref))
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[frame.ConversationID]
	if !ok {
		room = make(map[*client]bool)
		h.rooms[frame.ConversationID] = room
		metrics.RoomOpened()
	}
	room[c] = true
	h.memberships[c][frame.ConversationID] = true
	h.mu.Unlock()

	c.enqueue(protocol.ServerFrame{Type: protocol.FrameJoined, ConversationID: frame.ConversationID, Ref: frame.Ref})

	if h.presence != nil {
		if err := h.presence.MarkOnline(ctx, frame.ConversationID, c.userID); err != nil {
			h.logger.WithError(err).Warn("presence mark online failed")
		}
		if online, err := h.presence.Online(ctx, frame.ConversationID); err == nil {
			for _, uid := range online {
				if uid != c.userID {
					c.enqueue(protocol.ServerFrame{
						Type:           protocol.FramePresence,
						ConversationID: frame.ConversationID,
						UserID:         uid,
						Online:         true,
					})
				}
			}
		}
	}

	h.broadcast(ctx, frame.ConversationID, protocol.ServerFrame{
		Type:           protocol.FramePresence,
		ConversationID: frame.ConversationID,
		UserID:         c.userID,
		Online:         true,
	}, c)
}

func (h *Hub) handleLeave(ctx context.Context, c *client, frame protocol.ClientFrame) {
	h.mu.Lock()
	joined := h.memberships[c][frame.ConversationID]
	if joined {
		delete(h.memberships[c], frame.ConversationID)
		h.removeFromRoomLocked(c, frame.ConversationID)
	}
	h.mu.Unlock()
	if !joined {
		return
	}
	h.announceLeft(ctx, frame.ConversationID, c)
}

func (h *Hub) handleMessage(ctx context.Context, c *client, frame protocol.ClientFrame) {
	msg, err := h.messages.Send(ctx, frame.ConversationID, c.userID, frame.Text, frame.ClientTS)
	if err != nil {
		metrics.MessageRelayed("rejected")
		c.enqueue(errorFrame(sendErrorCode(err), err.Error(), frame.Ref))
		return
	}
	metrics.MessageRelayed("delivered")

	c.enqueue(protocol.ServerFrame{
		Type:      protocol.FrameAck,
		MessageID: msg.ID,
		CreatedAt: msg.CreatedAt,
		Ref:       frame.Ref,
	})

	h.broadcast(ctx, msg.ConversationID, protocol.ServerFrame{
		Type:           protocol.FrameMessage,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
	}, c)
}

func (h *Hub) handleTyping(ctx context.Context, c *client, frame protocol.ClientFrame) {
	h.mu.RLock()
	joined := h.memberships[c][frame.ConversationID]
	h.mu.RUnlock()
	if !joined {
		c.enqueue(errorFrame(protocol.ErrCodeNotAllowed, "join the conversation first", frame.Ref))
		return
	}

	h.broadcast(ctx, frame.ConversationID, protocol.ServerFrame{
		Type:           protocol.FrameTyping,
		ConversationID: frame.ConversationID,
		UserID:         c.userID,
	}, c)
}

// broadcast delivers a frame to everyone in the local room except origin,
// then publishes it for other nodes.
func (h *Hub) broadcast(ctx context.Context, conversationID string, frame protocol.ServerFrame, origin *client) {
	h.deliverLocal(conversationID, frame, origin)

	if h.fanout != nil {
		if err := h.fanout.Publish(ctx, conversationID, frame); err != nil {
			h.logger.WithError(err).
				WithField("conversation_id", conversationID).
				Warn("fan-out publish failed")
		}
	}
}

// DeliverRemote delivers a frame received from another node to the local
// room. The fan-out subscriber calls this.
func (h *Hub) DeliverRemote(conversationID string, frame protocol.ServerFrame) {
	h.deliverLocal(conversationID, frame, nil)
}

func (h *Hub) deliverLocal(conversationID string, frame protocol.ServerFrame, skip *client) {
	h.mu.RLock()
	room := h.rooms[conversationID]
	targets := make([]*client, 0, len(room))
	for member := range room {
		if member != skip {
			targets = append(targets, member)
		}
	}
	h.mu.RUnlock()

	for _, member := range targets {
		if !member.enqueue(frame) {
			h.logger.WithField("user_id", member.userID).Warn("dropping slow client")
			h.unregister(member)
			member.conn.Close()
		}
	}
}

// unregister removes a client from every room and closes its send channel.
// Safe to call more than once, and safe against broadcasts still holding a
// reference to the client: enqueue and closeSend serialize on the client's
// own mutex.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	joined, tracked := h.memberships[c]
	if !tracked {
		h.mu.Unlock()
		return
	}
	delete(h.memberships, c)
	rooms := make([]string, 0, len(joined))
	for id := range joined {
		rooms = append(rooms, id)
		h.removeFromRoomLocked(c, id)
	}
	h.mu.Unlock()

	c.closeSend()
	metrics.ConnectionClosed()

	ctx := logger.WithUserID(context.Background(), c.userID)
	for _, id := range rooms {
		h.announceLeft(ctx, id, c)
	}
	h.logger.WithField("user_id", c.userID).Info("client disconnected")
}

func (h *Hub) removeFromRoomLocked(c *client, conversationID string) {
	room, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
		metrics.RoomClosed()
	}
}

func (h *Hub) announceLeft(ctx context.Context, conversationID string, c *client) {
	if h.presence != nil {
		if err := h.presence.MarkOffline(ctx, conversationID, c.userID); err != nil {
			h.logger.WithError(err).Warn("presence mark offline failed")
		}
	}
	h.broadcast(ctx, conversationID, protocol.ServerFrame{
		Type:           protocol.FramePresence,
		ConversationID: conversationID,
		UserID:         c.userID,
		Online:         false,
	}, c)
}

// RefreshPresence re-marks every local room membership in the presence
// store. Presence entries carry a TTL, so connections that outlive it must
// be re-marked periodically or other nodes report them offline.
func (h *Hub) RefreshPresence(ctx context.Context) {
	if h.presence == nil {
		return
	}

	type membership struct {
		conversationID string
		userID         string
	}
	h.mu.RLock()
	current := make([]membership, 0, len(h.memberships))
	for c, joined := range h.memberships {
		for id := range joined {
			current = append(current, membership{conversationID: id, userID: c.userID})
		}
	}
	h.mu.RUnlock()

	for _, m := range current {
		if err := h.presence.MarkOnline(ctx, m.conversationID, m.userID); err != nil {
			h.logger.WithError(err).
				WithField("conversation_id", m.conversationID).
				Warn("presence refresh failed")
		}
	}
}

// RoomCount reports the number of live rooms on this node.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ConnectionCount reports the number of live connections on this node.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.memberships)
}

func errorFrame(code, reason, ref string) protocol.ServerFrame {
	return protocol.ServerFrame{Type: protocol.FrameError, Code: code, Reason: reason, Ref: ref}
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return protocol.ErrCodeNotFound
	default:
		return protocol.ErrCodeNotAllowed
	}
}

func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, messages.ErrNotParticipant):
		return protocol.ErrCodeNotAllowed
	case errors.Is(err, storage.ErrNotFound):
		return protocol.ErrCodeNotFound
	case errors.Is(err, message.ErrEmptyText), errors.Is(err, message.ErrTextTooLong):
		return protocol.ErrCodeBadFrame
	default:
		return protocol.ErrCodeInternal
	}
}
