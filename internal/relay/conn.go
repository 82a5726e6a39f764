package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duochat/relay/internal/app/metrics"
	"github.com/duochat/relay/pkg/protocol"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period, must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size: the message text cap plus envelope.
	maxFrameSize = 8 << 10

	// Outgoing frames buffered per client before it is considered slow.
	sendBufferSize = 32
)

// client is a single websocket connection owned by the hub.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string

	// mu serializes enqueue against closeSend so a broadcast that raced
	// with a disconnect cannot send on the closed channel.
	mu     sync.Mutex
	send   chan protocol.ServerFrame
	closed bool
}

// readPump reads frames from the socket and hands them to the hub. It owns
// all reads on the connection.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WithField("user_id", c.userID).WithError(err).Debug("read failed")
			}
			return
		}
		c.hub.handleFrame(c, raw)
	}
}

// writePump writes queued frames and pings to the socket. It owns all
// writes on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a frame for delivery. A full buffer means the consumer is
// not keeping up; the connection is torn down rather than blocking the hub.
// Frames for an already-closed client are silently discarded.
func (c *client) enqueue(frame protocol.ServerFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.ClientDropped()
		return false
	}
}

// closeSend closes the send channel exactly once. Only unregister calls it.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
