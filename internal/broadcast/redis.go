package broadcast

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisFabric publishes envelopes over Redis pub/sub so every server
// instance sees every event regardless of which one produced it.
type RedisFabric struct {
	client *redis.Client
}

func NewRedisFabric(client *redis.Client) *RedisFabric {
	return &RedisFabric{client: client}
}

func (r *RedisFabric) Publish(ctx context.Context, channel, event string, payload any) error {
	b, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, b).Err()
}

// Bridge subscribes to the fabric's channel patterns and forwards every
// message into the local hub. It blocks until ctx is cancelled.
func (r *RedisFabric) Bridge(ctx context.Context, hub *Hub, logger *slog.Logger) error {
	sub := r.client.PSubscribe(ctx, "route_*", "waiting_flags_*", "student_*")
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			hub.Forward(msg.Channel, []byte(msg.Payload))
			if logger != nil {
				logger.Debug("bridged event", "channel", msg.Channel)
			}
		}
	}
}
