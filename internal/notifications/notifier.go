// Package notifications carries change records and call events across
// instances over Redis pub/sub and out to websocket clients.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"duet/internal/models"
	"duet/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	changeChannelPrefix  = "changes:post:"
	changeChannelPattern = changeChannelPrefix + "*"
	// CallChannel carries every call record transition.
	CallChannel = "call"
)

// Notifier provides helpers to publish into and subscribe to Redis channels.
// A Notifier without a client is a no-op.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether the notifier talks to Redis.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// PublishChange sends a change record to its post channel.
func (n *Notifier) PublishChange(ctx context.Context, rec models.ChangeRecord) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal change record: %w", err)
	}
	if err := n.rdb.Publish(ctx, ChangeChannel(rec.PostID()), payload).Err(); err != nil {
		observability.RedisErrorRate.WithLabelValues("publish_change").Inc()
		return err
	}
	return nil
}

// StartChangeSubscriber subscribes to `changes:post:*` and calls onMessage
// for each incoming message.
func (n *Notifier) StartChangeSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, changeChannelPattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", changeChannelPattern, err)
	}
	go n.listen(ctx, sub, "ChangeSubscriber", onMessage)
	return nil
}

// PublishCall sends a call record to the call channel.
func (n *Notifier) PublishCall(ctx context.Context, rec models.CallRecord) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}
	if err := n.rdb.Publish(ctx, CallChannel, payload).Err(); err != nil {
		observability.RedisErrorRate.WithLabelValues("publish_call").Inc()
		return err
	}
	return nil
}

// StartCallSubscriber subscribes to the call channel.
func (n *Notifier) StartCallSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.Subscribe(ctx, CallChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", CallChannel, err)
	}
	go n.listen(ctx, sub, "CallSubscriber", onMessage)
	return nil
}

func (n *Notifier) listen(
	ctx context.Context, sub *redis.PubSub, name string, onMessage func(channel string, payload string),
) {
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						observability.GlobalLogger.Error("panic in subscriber",
							slog.String("subscriber", name),
							slog.Any("panic", r),
							slog.String("stack", string(debug.Stack())),
						)
					}
				}()
				onMessage(msg.Channel, msg.Payload)
			}()
		}
	}
}

// ChangeChannel derives the Redis channel name for a post.
func ChangeChannel(postID string) string {
	return changeChannelPrefix + postID
}
