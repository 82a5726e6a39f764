// Package chatclient is a Go client for the relay websocket. It reconnects
// with exponential backoff, buffers outgoing frames while disconnected, and
// re-joins subscribed rooms after a reconnect.
package chatclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duochat/relay/internal/supabase"
	"github.com/duochat/relay/pkg/logger"
	"github.com/duochat/relay/pkg/protocol"
)

// TokenSource supplies a fresh access token when the relay rejects the
// current one, typically via the identity provider's refresh-token grant.
type TokenSource interface {
	Refresh(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Refresh(ctx context.Context) (string, error) { return f(ctx) }

// FrameHandler receives every server frame, in arrival order.
type FrameHandler func(frame protocol.ServerFrame)

// RetryConfig controls reconnection backoff. The alias lets callers outside
// this module fill Config.Retry.
type RetryConfig = supabase.RetryConfig

// Config configures a Client.
type Config struct {
	// URL is the relay websocket endpoint, e.g. wss://relay.example.com/v1/ws.
	URL string

	// Token is the initial access token.
	Token string

	// TokenSource refreshes the token after an auth-failure close. Optional.
	TokenSource TokenSource

	// Retry controls reconnection backoff. Zero value uses defaults.
	Retry RetryConfig

	// OnFrame receives inbound frames. Optional.
	OnFrame FrameHandler

	Logger *logger.Logger
}

// Client is a reconnecting relay connection.
type Client struct {
	cfg    Config
	logger *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	token   string
	rooms   map[string]bool
	pending []protocol.ClientFrame
	closed  bool
	notify  chan struct{}

	done chan struct{}
}

// New creates a client. Connect must be called before frames flow.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = supabase.DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("chatclient")
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		token:  cfg.Token,
		rooms:  make(map[string]bool),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Connect dials the relay and starts the reconnect loop. It returns after
// the first successful handshake.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.run(conn)
	return nil
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

// Join subscribes to a conversation room. The subscription survives
// reconnects.
func (c *Client) Join(conversationID string) {
	c.mu.Lock()
	c.rooms[conversationID] = true
	c.mu.Unlock()
	c.enqueue(protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: conversationID})
}

// Leave unsubscribes from a conversation room.
func (c *Client) Leave(conversationID string) {
	c.mu.Lock()
	delete(c.rooms, conversationID)
	c.mu.Unlock()
	c.enqueue(protocol.ClientFrame{Type: protocol.FrameLeave, ConversationID: conversationID})
}

// Send queues a chat message and returns the frame ref, which the server
// echoes back in the matching ack.
func (c *Client) Send(conversationID, text string) string {
	ref := uuid.NewString()
	c.enqueue(protocol.ClientFrame{
		Type:           protocol.FrameMessage,
		ConversationID: conversationID,
		Text:           text,
		ClientTS:       time.Now().UTC(),
		Ref:            ref,
	})
	return ref
}

// Typing signals a typing indicator to the peer.
func (c *Client) Typing(conversationID string) {
	c.enqueue(protocol.ClientFrame{Type: protocol.FrameTyping, ConversationID: conversationID})
}

// enqueue appends a frame to the outgoing queue and wakes the writer. The
// queue preserves order across reconnects.
func (c *Client) enqueue(frame protocol.ClientFrame) {
	c.mu.Lock()
	c.pending = append(c.pending, frame)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

// run owns the connection lifecycle: it reads until failure, then backs
// off, optionally refreshes the token, re-dials, re-joins, and flushes the
// queue.
func (c *Client) run(conn *websocket.Conn) {
	for {
		writerDone := make(chan struct{})
		go c.writeLoop(conn, writerDone)

		closeCode := c.readLoop(conn)
		close(writerDone)
		conn.Close()

		select {
		case <-c.done:
			return
		default:
		}

		if closeCode == websocket.ClosePolicyViolation {
			c.refreshToken()
		}

		next, ok := c.reconnect()
		if !ok {
			return
		}
		conn = next
		c.rejoinRooms()
	}
}

// readLoop reads frames until the connection fails, returning the close
// code when the peer sent one.
func (c *Client) readLoop(conn *websocket.Conn) int {
	for {
		var frame protocol.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				return closeErr.Code
			}
			return websocket.CloseAbnormalClosure
		}
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(frame)
		}
	}
}

// writeLoop flushes the pending queue in order while the connection lives.
// Frames stay queued until written, so nothing is lost on failure.
func (c *Client) writeLoop(conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-c.done:
			return
		case <-c.notify:
		}

		for {
			c.mu.Lock()
			if len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			frame := c.pending[0]
			c.mu.Unlock()

			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}

			c.mu.Lock()
			c.pending = c.pending[1:]
			c.mu.Unlock()
		}
	}
}

// reconnect re-dials with exponential backoff and jitter until it succeeds
// or the client closes.
func (c *Client) reconnect() (*websocket.Conn, bool) {
	for attempt := 1; ; attempt++ {
		wait := c.cfg.Retry.Backoff(attempt)
		c.logger.WithField("attempt", attempt).
			WithField("wait", wait.String()).
			Info("reconnecting")

		select {
		case <-c.done:
			return nil, false
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.WithError(err).Warn("reconnect failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return conn, true
	}
}

func (c *Client) refreshToken() {
	if c.cfg.TokenSource == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := c.cfg.TokenSource.Refresh(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("token refresh failed")
		return
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.logger.Info("access token refreshed")
}

// rejoinRooms queues join frames for every subscribed room ahead of any
// buffered traffic.
func (c *Client) rejoinRooms() {
	c.mu.Lock()
	joins := make([]protocol.ClientFrame, 0, len(c.rooms))
	for room := range c.rooms {
		joins = append(joins, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: room})
	}
	c.pending = append(joins, c.pending...)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}
