package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"parley/internal/events"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_NilRedisIsNoop(t *testing.T) {
	n := NewNotifier(nil)
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), 1, events.New(events.MessageCreated, 1, nil)))
	assert.NoError(t, n.PublishConversation(context.Background(), 1, []byte("{}")))
	assert.NoError(t, n.StartConversationSubscriber(context.Background(), func(uint, []byte) {}))
}

func TestChannels(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "notifications:user:100", UserChannel(100))
	assert.Equal(t, "chat:conv:5", ConversationChannel(5))

	id, err := parseConversationChannel("chat:conv:42")
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)
	_, err = parseConversationChannel("typing:conv:42")
	assert.Error(t, err)
}

func TestNotifier_NotifyPublishesToUserChannel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, UserChannel(7))
	defer func() { _ = sub.Close() }()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	n := NewNotifier(rdb)
	ev := events.New(events.MessageCreated, 3, map[string]string{"content": "hi"})
	ev.Recipients = []uint{7}
	require.NoError(t, n.Notify(ctx, 7, ev))

	select {
	case msg := <-sub.Channel():
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, events.MessageCreated, got["type"])
		assert.NotContains(t, got, "Recipients", "routing fields stay server-side")
	case <-time.After(testEventuallyTimeout):
		t.Fatal("notification not published")
	}
}

func TestNotifier_ConversationSubscriberStopsOnCancel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan uint, 4)
	require.NoError(t, n.StartConversationSubscriber(ctx, func(convID uint, _ []byte) {
		received <- convID
	}))

	require.NoError(t, n.PublishConversation(context.Background(), 11, []byte(`{}`)))
	select {
	case id := <-received:
		assert.Equal(t, uint(11), id)
	case <-time.After(testEventuallyTimeout):
		t.Fatal("envelope not received")
	}

	cancel()
	assert.Eventually(t, func() bool {
		return mr.PubSubNumPat() == 0
	}, testEventuallyTimeout, testPollInterval)
}
