package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultChannel is the pub/sub channel alerts are published on.
const DefaultChannel = "medguard:alerts"

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes alerts as JSON on a pub/sub channel so every instance's
// hub sees them.
type Redis struct {
	client  publisher
	channel string
}

func NewRedis(client *redis.Client, channel string) *Redis {
	return newRedis(client, channel)
}

func newRedis(client publisher, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Relay subscribes to channel and forwards every alert to dst until ctx
// ends. Messages that do not decode are logged and skipped.
func Relay(ctx context.Context, client *redis.Client, channel string, dst Notifier, log logrus.FieldLogger) error {
	if channel == "" {
		channel = DefaultChannel
	}
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return relay(ctx, sub.Channel(), dst, log)
}

func relay(ctx context.Context, msgs <-chan *redis.Message, dst Notifier, log logrus.FieldLogger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var a Alert
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				log.WithError(err).Warn("discarding malformed alert")
				continue
			}
			if err := dst.Notify(ctx, a); err != nil {
				log.WithError(err).Warn("relay alert")
			}
		}
	}
}
