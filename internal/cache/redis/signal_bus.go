package redis

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

// streamMaxLen caps each channel's history stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// SignalBus implements domain.SignalBus on Redis Pub/Sub and keeps a
// bounded Redis Stream per channel so late subscribers can catch up.
type SignalBus struct {
	c *Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{c: c}
}

// Publish appends payload to the channel history and fans it out to live
// subscribers in one round trip.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	pipe := sb.c.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.c.Key("stream", channel),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	})
	pipe.Publish(ctx, sb.c.Key("events", channel), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel. Glob
// patterns use PSUBSCRIBE. The returned channel closes when ctx ends.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.c.Key("events", channel)
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = sb.c.rdb.PSubscribe(ctx, name)
	} else {
		pubsub = sb.c.rdb.Subscribe(ctx, name)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
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

// Recent returns up to n of the latest payloads on channel, oldest first.
func (sb *SignalBus) Recent(ctx context.Context, channel string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := sb.c.rdb.XRevRangeN(ctx, sb.c.Key("stream", channel), "+", "-", int64(n)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: recent %s: %w", channel, err)
	}
	out := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		if p := streamPayload(msg.Values); p != nil {
			out = append(out, p)
		}
	}
	slices.Reverse(out)
	return out, nil
}

func streamPayload(values map[string]any) []byte {
	switch v := values["payload"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

var (
	_ domain.SignalBus    = (*SignalBus)(nil)
	_ domain.EventHistory = (*SignalBus)(nil)
)
