package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on redis pub/sub channels.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "rehearsal:events"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel events of type t are published on.
func (p *RedisPublisher) Channel(t Type) string { return p.prefix + ":" + string(t) }

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	if p.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(e.Type), data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}
	return nil
}
