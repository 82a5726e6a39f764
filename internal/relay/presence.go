package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceTTL bounds how long a crashed node's clients appear online.
const presenceTTL = 90 * time.Second

// RedisPresence mirrors room membership into Redis keys with TTL so every
// relay node agrees on who is online.
type RedisPresence struct {
	client *redis.Client
}

// NewRedisPresence creates a presence store backed by the given client.
func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func presenceKey(conversationID, userID string) string {
	return "presence:" + conversationID + ":" + userID
}

// MarkOnline records a user as online in a conversation. The hub re-marks
// live memberships periodically; the TTL expires stale entries on its own.
func (p *RedisPresence) MarkOnline(ctx context.Context, conversationID, userID string) error {
	if err := p.client.Set(ctx, presenceKey(conversationID, userID), "1", presenceTTL).Err(); err != nil {
		return fmt.Errorf("mark online: %w", err)
	}
	return nil
}

// MarkOffline removes a user's presence entry.
func (p *RedisPresence) MarkOffline(ctx context.Context, conversationID, userID string) error {
	if err := p.client.Del(ctx, presenceKey(conversationID, userID)).Err(); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return nil
}

// Online lists the users currently present in a conversation across all
// nodes.
func (p *RedisPresence) Online(ctx context.Context, conversationID string) ([]string, error) {
	prefix := "presence:" + conversationID + ":"
	var users []string
	iter := p.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	return users, nil
}
