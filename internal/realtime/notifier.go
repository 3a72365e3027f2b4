package realtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"

	"parley/internal/events"
	"parley/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	conversationChannelPattern = "chat:conv:*"
	userChannelPrefix          = "notifications:user:"
	conversationChannelPrefix  = "chat:conv:"
)

// Dispatcher hands events to participants who have no live connection.
type Dispatcher interface {
	Notify(ctx context.Context, userID uint, ev events.Event) error
}

// Notifier publishes gateway traffic through Redis so every process can deliver
// to its own sessions. A nil client turns every method into a no-op.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a Notifier over the given Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether a broker is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// PublishConversation sends an event envelope to the conversation channel.
func (n *Notifier) PublishConversation(ctx context.Context, conversationID uint, envelope []byte) error {
	if !n.Enabled() {
		return nil
	}
	return n.rdb.Publish(ctx, ConversationChannel(conversationID), envelope).Err()
}

// Notify implements Dispatcher by publishing the event to the user's notification channel,
// where a push worker outside this process picks it up.
func (n *Notifier) Notify(ctx context.Context, userID uint, ev events.Event) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return n.rdb.Publish(ctx, UserChannel(userID), payload).Err()
}

// StartConversationSubscriber subscribes to every conversation channel and calls onMessage
// for each envelope until ctx is cancelled. It returns once the subscription is confirmed.
func (n *Notifier) StartConversationSubscriber(ctx context.Context, onMessage func(conversationID uint, payload []byte)) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, conversationChannelPattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", conversationChannelPattern, err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				convID, err := parseConversationChannel(msg.Channel)
				if err != nil {
					observability.GlobalLogger.Warn("invalid conversation channel", "channel", msg.Channel)
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.GlobalLogger.Error("panic in conversation subscriber",
								"panic", r, "stack", string(debug.Stack()))
						}
					}()
					onMessage(convID, []byte(msg.Payload))
				}()
			}
		}
	}()

	return nil
}

// UserChannel derives the Redis channel name for a user.
func UserChannel(userID uint) string {
	return userChannelPrefix + strconv.FormatUint(uint64(userID), 10)
}

// ConversationChannel derives the Redis channel name for a conversation.
func ConversationChannel(conversationID uint) string {
	return conversationChannelPrefix + strconv.FormatUint(uint64(conversationID), 10)
}

func parseConversationChannel(channel string) (uint, error) {
	var id uint
	if _, err := fmt.Sscanf(channel, conversationChannelPrefix+"%d", &id); err != nil {
		return 0, err
	}
	return id, nil
}
