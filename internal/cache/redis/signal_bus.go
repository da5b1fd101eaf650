package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

// subscriberBuffer is how many undelivered updates a subscriber may lag by
// before go-redis starts dropping them.
const subscriberBuffer = 128

// SignalBus implements domain.SignalBus over Redis Pub/Sub. Channels are
// namespaced with the client's key prefix, so deployments sharing one Redis
// never see each other's updates. Updates are fire-and-forget; late
// subscribers read the snapshot cache instead.
type SignalBus struct {
	rdb    *redis.Client
	prefix string
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying(), prefix: c.prefix + ":"}
}

// Publish sends payload on the namespaced channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, sb.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe follows channel, or every matching channel when it contains glob
// wildcards. The returned channel is closed once ctx is cancelled.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.prefix + channel
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = sb.rdb.PSubscribe(ctx, name)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, name)
	}

	// Wait for the confirmation so publishes right after return are seen.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	msgs := pubsub.Channel(redis.WithChannelSize(subscriberBuffer))
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
