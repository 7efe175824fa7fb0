package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "docsync:relay:"

type envelope struct {
	Node    string  `json:"node"`
	Message Message `json:"message"`
}

// RedisBridge relays control events between processes over Redis pub/sub,
// one channel per document room.
type RedisBridge struct {
	client *redis.Client
	node   string
	logger *slog.Logger
}

func NewRedisBridge(client *redis.Client, node string, logger *slog.Logger) *RedisBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{client: client, node: node, logger: logger}
}

func (b *RedisBridge) Publish(ctx context.Context, room string, msg Message) error {
	payload, err := json.Marshal(envelope{Node: b.node, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	return b.client.Publish(ctx, channelPrefix+room, payload).Err()
}

// Run subscribes to every room channel and hands messages published by
// other nodes to relay. It returns once the subscription is confirmed;
// delivery continues until ctx is done.
func (b *RedisBridge) Run(ctx context.Context, relay *Relay) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe relay channels: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.handle(relay, msg)
			}
		}
	}()
	return nil
}

func (b *RedisBridge) handle(relay *Relay, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("discarding malformed relay message", "channel", msg.Channel, "error", err)
		return
	}
	if env.Node == b.node {
		return
	}
	room := strings.TrimPrefix(msg.Channel, channelPrefix)
	relay.DeliverRemote(room, env.Message)
}
