package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/duochat/relay/pkg/logger"
	"github.com/duochat/relay/pkg/protocol"
)

const fanoutChannelPrefix = "relay:conv:"

// fanoutEnvelope wraps a frame published between nodes. Node identifies the
// origin so a node skips its own publications.
type fanoutEnvelope struct {
	Node           string               `json:"node"`
	ConversationID string               `json:"conversation_id"`
	Frame          protocol.ServerFrame `json:"frame"`
}

// RedisFanout relays frames between nodes over Redis pub/sub, one channel
// per conversation pattern-subscribed on all nodes.
type RedisFanout struct {
	client *redis.Client
	nodeID string
	logger *logger.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisFanout creates a fan-out bridge. Run must be called before frames
// from other nodes are delivered.
func NewRedisFanout(client *redis.Client, log *logger.Logger) *RedisFanout {
	if log == nil {
		log = logger.NewDefault("fanout")
	}
	nodeID := uuid.NewString()
	return &RedisFanout{
		client: client,
		nodeID: nodeID,
		logger: log.WithField("node_id", nodeID),
	}
}

// Publish sends a frame to every other node carrying members of the
// conversation.
func (f *RedisFanout) Publish(ctx context.Context, conversationID string, frame protocol.ServerFrame) error {
	payload, err := json.Marshal(fanoutEnvelope{
		Node:           f.nodeID,
		ConversationID: conversationID,
		Frame:          frame,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := f.client.Publish(ctx, fanoutChannelPrefix+conversationID, payload).Err(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Run subscribes to all conversation channels and delivers remote frames
// into the hub until Stop is called.
func (f *RedisFanout) Run(hub *Hub) {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})

	sub := f.client.PSubscribe(ctx, fanoutChannelPrefix+"*")
	go func() {
		defer close(f.done)
		defer sub.Close()
		for msg := range sub.Channel() {
			var env fanoutEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.logger.WithError(err).Warn("bad fan-out payload")
				continue
			}
			if env.Node == f.nodeID {
				continue
			}
			conversationID := env.ConversationID
			if conversationID == "" {
				conversationID = strings.TrimPrefix(msg.Channel, fanoutChannelPrefix)
			}
			hub.DeliverRemote(conversationID, env.Frame)
		}
	}()
}

// Stop tears down the subscription.
func (f *RedisFanout) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}
