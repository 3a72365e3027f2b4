package realtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"parley/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPresenceOnlineSetKey  = "ws:online_users"
	defaultPresenceLastSeenKeyNS = "ws:last_seen:"
	defaultPresenceTTL           = 90 * time.Second
	defaultReaperInterval        = 60 * time.Second
)

// PresenceConfig controls the offline grace window and the Redis mirror.
type PresenceConfig struct {
	OnlineSetKey       string
	LastSeenKeyPrefix  string
	LastSeenTTL        time.Duration
	OfflineGracePeriod time.Duration
	ReaperInterval     time.Duration
	OnUserOnline       func(userID uint)
	OnUserOffline      func(userID uint)
}

// PresenceTracker counts live sessions per user and reports online/offline edges.
// A user's count is the size of its session-id set, so adding or removing the same
// session twice never double counts. Edge callbacks for a user run in the order the
// edges happened. Ordering is per user, so one user's Redis writes never hold up another's.
type PresenceTracker struct {
	rdb *redis.Client

	mu       sync.Mutex
	sessions map[uint]map[string]struct{}
	online   map[uint]bool
	timers   map[uint]*time.Timer
	// edgeLocks serialize one user's mirror writes and callbacks. Entries are dropped when unused.
	edgeLocks map[uint]*edgeLock

	onlineSetKey      string
	lastSeenKeyPrefix string
	lastSeenTTL       time.Duration
	offlineGrace      time.Duration
	reaperInterval    time.Duration

	onUserOnline  func(userID uint)
	onUserOffline func(userID uint)

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewPresenceTracker builds a tracker. Call StartReaper to enable the Redis cleanup loop.
func NewPresenceTracker(rdb *redis.Client, cfg PresenceConfig) *PresenceTracker {
	p := &PresenceTracker{
		rdb:               rdb,
		sessions:          make(map[uint]map[string]struct{}),
		online:            make(map[uint]bool),
		timers:            make(map[uint]*time.Timer),
		edgeLocks:         make(map[uint]*edgeLock),
		onlineSetKey:      defaultPresenceOnlineSetKey,
		lastSeenKeyPrefix: defaultPresenceLastSeenKeyNS,
		lastSeenTTL:       defaultPresenceTTL,
		offlineGrace:      cfg.OfflineGracePeriod,
		reaperInterval:    defaultReaperInterval,
		onUserOnline:      cfg.OnUserOnline,
		onUserOffline:     cfg.OnUserOffline,
		stopCh:            make(chan struct{}),
	}
	if cfg.OnlineSetKey != "" {
		p.onlineSetKey = cfg.OnlineSetKey
	}
	if cfg.LastSeenKeyPrefix != "" {
		p.lastSeenKeyPrefix = cfg.LastSeenKeyPrefix
	}
	if cfg.LastSeenTTL > 0 {
		p.lastSeenTTL = cfg.LastSeenTTL
	}
	if cfg.ReaperInterval > 0 {
		p.reaperInterval = cfg.ReaperInterval
	}
	return p
}

// SetCallbacks replaces the edge listeners.
func (p *PresenceTracker) SetCallbacks(onOnline, onOffline func(userID uint)) {
	p.mu.Lock()
	p.onUserOnline = onOnline
	p.onUserOffline = onOffline
	p.mu.Unlock()
}

type edgeLock struct {
	mu   sync.Mutex
	refs int
}

// lockUser takes the user's edge lock and returns its release. p.mu is never held while waiting.
func (p *PresenceTracker) lockUser(userID uint) func() {
	p.mu.Lock()
	l := p.edgeLocks[userID]
	if l == nil {
		l = &edgeLock{}
		p.edgeLocks[userID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.edgeLocks, userID)
		}
		p.mu.Unlock()
	}
}

// StartReaper runs the Redis cleanup loop until Stop. It is a no-op without Redis.
func (p *PresenceTracker) StartReaper() {
	if p.rdb == nil || p.reaperInterval <= 0 {
		return
	}
	p.startOnce.Do(func() { go p.reaperLoop() })
}

// Stop cancels pending offline timers and the reaper.
func (p *PresenceTracker) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		for userID, t := range p.timers {
			t.Stop()
			delete(p.timers, userID)
		}
		p.mu.Unlock()
	})
}

// Add records a live session for the user.
func (p *PresenceTracker) Add(ctx context.Context, userID uint, sessionID string) {
	defer p.lockUser(userID)()

	p.mu.Lock()
	if t, ok := p.timers[userID]; ok {
		t.Stop()
		delete(p.timers, userID)
	}
	if p.sessions[userID] == nil {
		p.sessions[userID] = make(map[string]struct{})
	}
	p.sessions[userID][sessionID] = struct{}{}
	edge := !p.online[userID]
	p.online[userID] = true
	p.mu.Unlock()

	p.Touch(ctx, userID)
	if edge {
		p.emit(userID, true)
	}
}

// Remove drops a session. When the user's last session goes, the offline edge fires
// immediately or after the grace period.
func (p *PresenceTracker) Remove(ctx context.Context, userID uint, sessionID string) {
	defer p.lockUser(userID)()

	p.mu.Lock()
	set, ok := p.sessions[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if _, ok := set[sessionID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(set, sessionID)
	if len(set) > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, userID)

	if p.offlineGrace > 0 {
		if t, ok := p.timers[userID]; ok {
			t.Stop()
		}
		var timer *time.Timer
		timer = time.AfterFunc(p.offlineGrace, func() {
			p.finalizeOffline(userID, timer)
		})
		p.timers[userID] = timer
		p.mu.Unlock()
		return
	}
	edge := p.online[userID]
	delete(p.online, userID)
	p.mu.Unlock()

	p.clearMirror(ctx, userID)
	if edge {
		p.emit(userID, false)
	}
}

func (p *PresenceTracker) finalizeOffline(userID uint, timer *time.Timer) {
	defer p.lockUser(userID)()

	p.mu.Lock()
	if p.timers[userID] != timer {
		p.mu.Unlock()
		return
	}
	delete(p.timers, userID)
	if len(p.sessions[userID]) > 0 {
		p.mu.Unlock()
		return
	}
	edge := p.online[userID]
	delete(p.online, userID)
	p.mu.Unlock()

	p.clearMirror(context.Background(), userID)
	if edge {
		p.emit(userID, false)
	}
}

// Count returns the number of live local sessions for the user.
func (p *PresenceTracker) Count(userID uint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions[userID])
}

// IsLocallyOnline reports whether the user has a live session in this process.
func (p *PresenceTracker) IsLocallyOnline(userID uint) bool {
	return p.Count(userID) > 0
}

// IsOnline reports whether the user is connected here or, through the Redis mirror, elsewhere.
func (p *PresenceTracker) IsOnline(ctx context.Context, userID uint) bool {
	if p.IsLocallyOnline(userID) {
		return true
	}
	if p.rdb == nil {
		return false
	}
	exists, err := p.rdb.Exists(ctx, p.lastSeenKey(userID)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

// Touch refreshes the user's last-seen key in the Redis mirror.
func (p *PresenceTracker) Touch(ctx context.Context, userID uint) {
	if p.rdb == nil {
		return
	}
	uid := strconv.FormatUint(uint64(userID), 10)
	if err := p.rdb.SAdd(ctx, p.onlineSetKey, uid).Err(); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "presence touch SADD failed", "user_id", userID, "error", err)
	}
	if err := p.rdb.SetEx(ctx, p.lastSeenKey(userID), strconv.FormatInt(time.Now().Unix(), 10), p.lastSeenTTL).Err(); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "presence touch SETEX failed", "user_id", userID, "error", err)
	}
}

func (p *PresenceTracker) clearMirror(ctx context.Context, userID uint) {
	if p.rdb == nil {
		return
	}
	_ = p.rdb.Del(ctx, p.lastSeenKey(userID)).Err()
	_ = p.rdb.SRem(ctx, p.onlineSetKey, strconv.FormatUint(uint64(userID), 10)).Err()
}

// OnlineUserIDs returns users online in the Redis mirror (stale entries filtered),
// unioned with local sessions.
func (p *PresenceTracker) OnlineUserIDs(ctx context.Context) []uint {
	local := p.localUserIDs()
	if p.rdb == nil {
		return local
	}

	members, err := p.rdb.SMembers(ctx, p.onlineSetKey).Result()
	if err != nil {
		return local
	}

	seen := make(map[uint]struct{}, len(members)+len(local))
	result := make([]uint, 0, len(members)+len(local))
	for _, userID := range local {
		seen[userID] = struct{}{}
		result = append(result, userID)
	}
	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			continue
		}
		userID := uint(id64)
		if _, ok := seen[userID]; ok {
			continue
		}
		exists, existsErr := p.rdb.Exists(ctx, p.lastSeenKey(userID)).Result()
		if existsErr != nil || exists == 0 {
			continue
		}
		seen[userID] = struct{}{}
		result = append(result, userID)
	}
	return result
}

// reapOnce removes online-set members whose last-seen key expired. It returns how many were removed.
func (p *PresenceTracker) reapOnce(ctx context.Context) int {
	if p.rdb == nil {
		return 0
	}
	members, err := p.rdb.SMembers(ctx, p.onlineSetKey).Result()
	if err != nil {
		return 0
	}

	removed := 0
	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			_ = p.rdb.SRem(ctx, p.onlineSetKey, raw).Err()
			continue
		}
		userID := uint(id64)
		if p.IsLocallyOnline(userID) {
			p.Touch(ctx, userID)
			continue
		}
		exists, existsErr := p.rdb.Exists(ctx, p.lastSeenKey(userID)).Result()
		if existsErr != nil || exists > 0 {
			continue
		}
		if err := p.rdb.SRem(ctx, p.onlineSetKey, raw).Err(); err == nil {
			removed++
		}
	}
	return removed
}

func (p *PresenceTracker) reaperLoop() {
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if n := p.reapOnce(ctx); n > 0 {
				observability.GlobalLogger.Debug("presence reaper removed stale users", "count", n)
			}
		}
	}
}

// emit must be called with the user's edge lock held.
func (p *PresenceTracker) emit(userID uint, online bool) {
	p.mu.Lock()
	state := "offline"
	cb := p.onUserOffline
	if online {
		state = "online"
		cb = p.onUserOnline
	}
	p.mu.Unlock()
	observability.PresenceTransitions.WithLabelValues(state).Inc()
	if cb != nil {
		cb(userID)
	}
}

func (p *PresenceTracker) localUserIDs() []uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uint, 0, len(p.sessions))
	for userID, set := range p.sessions {
		if len(set) > 0 {
			ids = append(ids, userID)
		}
	}
	return ids
}

func (p *PresenceTracker) lastSeenKey(userID uint) string {
	return p.lastSeenKeyPrefix + strconv.FormatUint(uint64(userID), 10)
}
