package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Broadcast is a group fan-out request. It is what travels between
// instances when more than one server is running.
type Broadcast struct {
	Group      string `json:"group"`
	Event      Event  `json:"event"`
	ExceptConn string `json:"exceptConn,omitempty"`
	ExceptUser string `json:"exceptUser,omitempty"`
}

func (b Broadcast) options() []BroadcastOption {
	var opts []BroadcastOption
	if b.ExceptConn != "" {
		opts = append(opts, ExceptConn(b.ExceptConn))
	}
	if b.ExceptUser != "" {
		opts = append(opts, ExceptUser(b.ExceptUser))
	}
	return opts
}

type Publisher interface {
	Publish(ctx context.Context, b Broadcast) error
}

// LocalPublisher delivers straight into this process's registry.
type LocalPublisher struct {
	registry *Registry
}

func NewLocalPublisher(registry *Registry) *LocalPublisher {
	return &LocalPublisher{registry: registry}
}

func (p *LocalPublisher) Publish(_ context.Context, b Broadcast) error {
	p.registry.Broadcast(b.Group, b.Event, b.options()...)
	return nil
}

// RedisPublisher fans broadcasts out over a Redis channel. Every instance,
// including the sender, delivers what it receives to its own registry.
type RedisPublisher struct {
	client   *redis.Client
	channel  string
	registry *Registry
	log      *slog.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, registry *Registry, log *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, registry: registry, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, b Broadcast) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// Run subscribes to the channel and delivers until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) error {
	pubsub := p.client.Subscribe(ctx, p.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so nothing published after
	// Run starts is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", p.channel, err)
	}
	p.log.Info("subscribed to broadcast channel", "channel", p.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			p.deliver([]byte(msg.Payload))
		}
	}
}

func (p *RedisPublisher) deliver(payload []byte) {
	var b Broadcast
	if err := json.Unmarshal(payload, &b); err != nil {
		p.log.Warn("dropping malformed broadcast", "error", err)
		return
	}
	p.registry.Broadcast(b.Group, b.Event, b.options()...)
}
