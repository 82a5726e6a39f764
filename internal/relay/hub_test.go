package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duochat/relay/internal/app/domain/profile"
	"github.com/duochat/relay/internal/app/services/conversations"
	"github.com/duochat/relay/internal/app/services/messages"
	"github.com/duochat/relay/internal/app/storage/memory"
	"github.com/duochat/relay/pkg/logger"
	"github.com/duochat/relay/pkg/protocol"
)

type hubFixture struct {
	hub    *Hub
	store  *memory.Store
	server *httptest.Server
	convID string
}

// newHubFixture seeds alice and bob with an open conversation and serves
// the hub at /ws with the user id taken from the access_token query param.
func newHubFixture(t *testing.T) *hubFixture {
	return newHubFixtureWithPresence(t, nil)
}

func newHubFixtureWithPresence(t *testing.T, presence PresenceStore) *hubFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	log := logger.NewDefault("test")

	for _, p := range []profile.Profile{
		{UserID: "alice", Nickname: "alice"},
		{UserID: "bob", Nickname: "bob"},
		{UserID: "carol", Nickname: "carol"},
	} {
		if _, err := store.CreateProfile(ctx, p); err != nil {
			t.Fatalf("seed profile: %v", err)
		}
	}

	convSvc := conversations.New(store, store, log)
	conv, err := convSvc.Open(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}

	hub := NewHub(Config{
		Conversations: convSvc,
		Messages:      messages.New(store, store, log),
		Presence:      presence,
		Logger:        log,
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("access_token"))
	}))
	t.Cleanup(server.Close)

	return &hubFixture{hub: hub, store: store, server: server, convID: conv.ID}
}

func (f *hubFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?access_token=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame protocol.ClientFrame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestHubJoinAndRelayMessage(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	writeFrame(t, alice, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: f.convID, Ref: "j1"})
	joined := readFrame(t, alice)
	if joined.Type != protocol.FrameJoined || joined.Ref != "j1" {
		t.Fatalf("got %+v, want joined/j1", joined)
	}

	writeFrame(t, bob, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: f.convID})
	if got := readFrame(t, bob); got.Type != protocol.FrameJoined {
		t.Fatalf("bob join: got %+v", got)
	}
	// Alice sees bob come online.
	presence := readFrame(t, alice)
	if presence.Type != protocol.FramePresence || presence.UserID != "bob" || !presence.Online {
		t.Fatalf("presence = %+v, want bob online", presence)
	}

	writeFrame(t, alice, protocol.ClientFrame{Type: protocol.FrameMessage, ConversationID: f.convID, Text: "hi bob", Ref: "m1"})

	ack := readFrame(t, alice)
	if ack.Type != protocol.FrameAck || ack.Ref != "m1" || ack.MessageID == "" {
		t.Fatalf("ack = %+v", ack)
	}

	relayed := readFrame(t, bob)
	if relayed.Type != protocol.FrameMessage || relayed.Text != "hi bob" || relayed.SenderID != "alice" {
		t.Fatalf("relayed = %+v", relayed)
	}
	if relayed.MessageID != ack.MessageID {
		t.Fatalf("message id mismatch: ack %s, relayed %s", ack.MessageID, relayed.MessageID)
	}

	// The message is durable.
	history, err := f.store.ListMessages(context.Background(), f.convID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(history) != 1 || history[0].Text != "hi bob" {
		t.Fatalf("history = %+v", history)
	}
}

func TestHubRejectsNonParticipantJoin(t *testing.T) {
	f := newHubFixture(t)
	carol := f.dial(t, "carol")

	writeFrame(t, carol, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: f.convID, Ref: "j1"})
	frame := readFrame(t, carol)
	if frame.Type != protocol.FrameError || frame.Code != protocol.ErrCodeNotAllowed {
		t.Fatalf("got %+v, want not_allowed error", frame)
	}
}

func TestHubRejectsMessageToUnknownConversation(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")

	writeFrame(t, alice, protocol.ClientFrame{Type: protocol.FrameMessage, ConversationID: "no-such-conv", Text: "hi"})
	frame := readFrame(t, alice)
	if frame.Type != protocol.FrameError || frame.Code != protocol.ErrCodeNotFound {
		t.Fatalf("got %+v, want not_found error", frame)
	}
}

func TestHubRejectsMalformedFrame(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, alice)
	if frame.Type != protocol.FrameError || frame.Code != protocol.ErrCodeBadFrame {
		t.Fatalf("got %+v, want bad_frame error", frame)
	}
}

func TestHubTypingRequiresJoin(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")

	writeFrame(t, alice, protocol.ClientFrame{Type: protocol.FrameTyping, ConversationID: f.convID})
	frame := readFrame(t, alice)
	if frame.Type != protocol.FrameError || frame.Code != protocol.ErrCodeNotAllowed {
		t.Fatalf("got %+v, want not_allowed error", frame)
	}
}

func TestHubTypingRelayedToPeer(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	writeFrame(t, alice, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: f.convID})
	readFrame(t, alice) // joined
	writeFrame(t, bob, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: f.convID})
	readFrame(t, bob)   // joined
	readFrame(t, alice) // bob presence

	writeFrame(t, bob, protocol.ClientFrame{Type: protocol.FrameTyping, ConversationID: f.convID})
	frame := readFrame(t, alice)
	if frame.Type != protocol.FrameTyping || frame.UserID != "bob" {
		t.Fatalf("got %+v, want typing from bob", frame)
	}
}

func TestHubDisconnectAnnouncesOffline(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	writeFrame(t, alice, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: f.convID})
	readFrame(t, alice)
	writeFrame(t, bob, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: f.convID})
	readFrame(t, bob)
	readFrame(t, alice) // bob online

	bob.Close()

	frame := readFrame(t, alice)
	if frame.Type != protocol.FramePresence || frame.UserID != "bob" || frame.Online {
		t.Fatalf("got %+v, want bob offline", frame)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.ConnectionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection count = %d, want 1", f.hub.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	writeFrame(t, alice, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: f.convID})
	readFrame(t, alice)
	writeFrame(t, bob, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: f.convID})
	readFrame(t, bob)
	readFrame(t, alice) // bob online

	writeFrame(t, bob, protocol.ClientFrame{Type: protocol.FrameLeave, ConversationID: f.convID})
	frame := readFrame(t, alice)
	if frame.Type != protocol.FramePresence || frame.UserID != "bob" || frame.Online {
		t.Fatalf("got %+v, want bob offline", frame)
	}

	writeFrame(t, alice, protocol.ClientFrame{Type: protocol.FrameMessage, ConversationID: f.convID, Text: "anyone there?"})
	readFrame(t, alice) // ack

	_ = bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray protocol.ServerFrame
	if err := bob.ReadJSON(&stray); err == nil {
		t.Fatalf("bob received %+v after leaving", stray)
	}
}

// TestHubBroadcastDuringDisconnect floods a room while its members
// disconnect. A broadcast that snapshotted the room before a member left
// must not panic on the member's closed send channel.
func TestHubBroadcastDuringDisconnect(t *testing.T) {
	h := NewHub(Config{Logger: logger.NewDefault("test")})
	const n = 500
	const room = "conv-1"

	clients := make([]*client, n)
	for i := range clients {
		c := &client{
			hub:    h,
			userID: fmt.Sprintf("user-%d", i),
			send:   make(chan protocol.ServerFrame, 4096),
		}
		h.mu.Lock()
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*client]bool)
		}
		h.rooms[room][c] = true
		h.memberships[c] = map[string]bool{room: true}
		h.mu.Unlock()

		go func(c *client) {
			for range c.send {
			}
		}(c)
		clients[i] = c
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, c := range clients {
			h.unregister(c)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.deliverLocal(room, protocol.ServerFrame{Type: protocol.FrameTyping, ConversationID: room}, nil)
		}
	}()
	wg.Wait()

	if got := h.ConnectionCount(); got != 0 {
		t.Fatalf("connection count = %d after unregistering all, want 0", got)
	}
}

// fakePresence is a TTL-style presence store: entries vanish when the test
// expires them and come back only via MarkOnline.
type fakePresence struct {
	mu     sync.Mutex
	online map[string]map[string]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]map[string]bool)}
}

func (p *fakePresence) MarkOnline(ctx context.Context, conversationID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online[conversationID] == nil {
		p.online[conversationID] = make(map[string]bool)
	}
	p.online[conversationID][userID] = true
	return nil
}

func (p *fakePresence) MarkOffline(ctx context.Context, conversationID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online[conversationID], userID)
	return nil
}

func (p *fakePresence) Online(ctx context.Context, conversationID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var users []string
	for uid := range p.online[conversationID] {
		users = append(users, uid)
	}
	return users, nil
}

func (p *fakePresence) expireAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[string]map[string]bool)
}

func TestHubRefreshPresenceRestoresExpiredEntries(t *testing.T) {
	presence := newFakePresence()
	f := newHubFixtureWithPresence(t, presence)
	alice := f.dial(t, "alice")

	writeFrame(t, alice, protocol.ClientFrame{Type: protocol.FrameJoin, ConversationID: f.convID})
	readFrame(t, alice) // joined

	// The join marks alice online after the joined frame is queued.
	deadline := time.Now().Add(2 * time.Second)
	for {
		online, _ := presence.Online(context.Background(), f.convID)
		if len(online) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("online after join = %v, want [alice]", online)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The TTL elapses while alice stays connected.
	presence.expireAll()

	f.hub.RefreshPresence(context.Background())

	online, err := presence.Online(context.Background(), f.convID)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if len(online) != 1 || online[0] != "alice" {
		t.Fatalf("online after refresh = %v, want [alice]", online)
	}
}
