package realtime

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type edgeRecorder struct {
	mu    sync.Mutex
	edges []string
}

func (r *edgeRecorder) online(userID uint)  { r.add("on") }
func (r *edgeRecorder) offline(userID uint) { r.add("off") }

func (r *edgeRecorder) add(e string) {
	r.mu.Lock()
	r.edges = append(r.edges, e)
	r.mu.Unlock()
}

func (r *edgeRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.edges...)
}

func newRecordedTracker(rdb *redis.Client, grace time.Duration) (*PresenceTracker, *edgeRecorder) {
	rec := &edgeRecorder{}
	p := NewPresenceTracker(rdb, PresenceConfig{
		OfflineGracePeriod: grace,
		OnUserOnline:       rec.online,
		OnUserOffline:      rec.offline,
	})
	return p, rec
}

func TestPresence_AddRemoveIsIdempotent(t *testing.T) {
	p, rec := newRecordedTracker(nil, 0)
	defer p.Stop()
	ctx := context.Background()

	p.Add(ctx, 7, "a")
	p.Add(ctx, 7, "a")
	p.Add(ctx, 7, "b")
	assert.Equal(t, 2, p.Count(7))

	p.Remove(ctx, 7, "a")
	p.Remove(ctx, 7, "a")
	p.Remove(ctx, 7, "unknown")
	assert.Equal(t, 1, p.Count(7))
	assert.True(t, p.IsLocallyOnline(7))

	p.Remove(ctx, 7, "b")
	p.Remove(ctx, 7, "b")
	assert.Equal(t, 0, p.Count(7))
	assert.Equal(t, []string{"on", "off"}, rec.snapshot())
}

func TestPresence_ConcurrentSessionsEmitOneEdgeEachWay(t *testing.T) {
	p, rec := newRecordedTracker(nil, 0)
	defer p.Stop()
	ctx := context.Background()

	ids := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.Add(ctx, 3, id)
		}(id)
	}
	wg.Wait()
	assert.Equal(t, len(ids), p.Count(3))

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.Remove(ctx, 3, id)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, []string{"on", "off"}, rec.snapshot())
}

func TestPresence_GracePeriodSuppressesOfflineOnRapidReconnect(t *testing.T) {
	p, rec := newRecordedTracker(nil, 40*time.Millisecond)
	defer p.Stop()
	ctx := context.Background()

	p.Add(ctx, 10, "a")
	p.Remove(ctx, 10, "a")
	p.Add(ctx, 10, "b")

	assert.Never(t, func() bool {
		return len(rec.snapshot()) > 1
	}, 10*testPollInterval, testPollInterval)
	assert.Equal(t, []string{"on"}, rec.snapshot())

	p.Remove(ctx, 10, "b")
	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, testEventuallyTimeout, testPollInterval)
	assert.Equal(t, []string{"on", "off"}, rec.snapshot())
}

func TestPresence_StopCancelsPendingOffline(t *testing.T) {
	var offline atomic.Int32
	p := NewPresenceTracker(nil, PresenceConfig{
		OfflineGracePeriod: 20 * time.Millisecond,
		OnUserOffline:      func(uint) { offline.Add(1) },
	})
	ctx := context.Background()
	p.Add(ctx, 1, "a")
	p.Remove(ctx, 1, "a")
	p.Stop()

	assert.Never(t, func() bool { return offline.Load() > 0 }, 5*testPollInterval, testPollInterval)
}

func TestPresence_RedisMirror(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	p := NewPresenceTracker(rdb, PresenceConfig{LastSeenTTL: time.Minute})
	defer p.Stop()
	ctx := context.Background()

	p.Add(ctx, 5, "a")
	members, err := mr.Members(defaultPresenceOnlineSetKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, members)
	assert.True(t, mr.Exists(defaultPresenceLastSeenKeyNS+"5"))
	assert.Equal(t, time.Minute, mr.TTL(defaultPresenceLastSeenKeyNS+"5"))

	// A user connected to another process is visible through the mirror.
	require.NoError(t, rdb.SAdd(ctx, defaultPresenceOnlineSetKey, "9").Err())
	require.NoError(t, rdb.SetEx(ctx, defaultPresenceLastSeenKeyNS+"9", "1", time.Minute).Err())
	assert.True(t, p.IsOnline(ctx, 9))
	assert.ElementsMatch(t, []uint{5, 9}, p.OnlineUserIDs(ctx))

	p.Remove(ctx, 5, "a")
	assert.False(t, mr.Exists(defaultPresenceLastSeenKeyNS+"5"))
	assert.False(t, p.IsOnline(ctx, 5))
}

func TestPresence_ReaperRemovesStaleMembers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	p := NewPresenceTracker(rdb, PresenceConfig{LastSeenTTL: time.Second})
	defer p.Stop()
	ctx := context.Background()

	p.Add(ctx, 1, "local")
	require.NoError(t, rdb.SAdd(ctx, defaultPresenceOnlineSetKey, "2", "garbage").Err())
	require.NoError(t, rdb.SetEx(ctx, defaultPresenceLastSeenKeyNS+"2", "1", time.Second).Err())

	mr.FastForward(2 * time.Second)
	assert.Equal(t, 1, p.reapOnce(ctx))

	members, err := mr.Members(defaultPresenceOnlineSetKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, members, "local sessions are refreshed, stale and malformed entries dropped")
	assert.True(t, mr.Exists(defaultPresenceLastSeenKeyNS+"1"))
}

// silentRedis accepts connections and never answers, so every command runs to its timeout.
func silentRedis(t *testing.T) *redis.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:         ln.Addr().String(),
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		MaxRetries:   -1,
		PoolSize:     16,
	})
	t.Cleanup(func() {
		_ = rdb.Close()
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	return rdb
}

func TestPresence_SlowMirrorDoesNotSerializeUsers(t *testing.T) {
	p, rec := newRecordedTracker(silentRedis(t), 0)
	defer p.Stop()
	ctx := context.Background()

	start := time.Now()
	p.Add(ctx, 100, "warm")
	single := time.Since(start)
	require.GreaterOrEqual(t, single, 200*time.Millisecond, "mirror writes should hit the timeout")

	const users = 5
	var wg sync.WaitGroup
	start = time.Now()
	for i := uint(1); i <= users; i++ {
		wg.Add(1)
		go func(userID uint) {
			defer wg.Done()
			p.Add(ctx, userID, "s1")
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*single, "adds for distinct users must overlap, took %s vs %s for one", elapsed, single)
	assert.Len(t, rec.snapshot(), users+1, "one online edge per user")
	for i := uint(1); i <= users; i++ {
		assert.Equal(t, 1, p.Count(i))
	}
}

func TestPresence_SameUserEdgesStayOrderedAcrossSlowMirror(t *testing.T) {
	p, rec := newRecordedTracker(silentRedis(t), 0)
	defer p.Stop()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Add(ctx, 7, "s1")
			p.Remove(ctx, 7, "s1")
		}()
	}
	wg.Wait()

	edges := rec.snapshot()
	require.NotEmpty(t, edges)
	for i, e := range edges {
		want := "on"
		if i%2 == 1 {
			want = "off"
		}
		assert.Equal(t, want, e, "edges alternate: %v", edges)
	}
	assert.Equal(t, "off", edges[len(edges)-1])
	assert.Zero(t, p.Count(7))
}
