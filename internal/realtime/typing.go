package realtime

import (
	"sort"
	"sync"
	"time"

	"parley/internal/observability"
)

const defaultTypingTimeout = 5 * time.Second

type typingKey struct {
	ConversationID uint
	UserID         uint
}

type typingEntry struct {
	sessionID string
	deadline  time.Time
	timer     *time.Timer
	gen       uint64
}

// TypingTracker holds who is typing where. Each entry expires on its own timer
// and onExpire is called once for every entry that times out.
type TypingTracker struct {
	timeout  time.Duration
	onExpire func(convID, userID uint)

	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	gen     uint64
	closed  bool
}

// NewTypingTracker builds a tracker with the given expiry.
func NewTypingTracker(timeout time.Duration, onExpire func(convID, userID uint)) *TypingTracker {
	if timeout <= 0 {
		timeout = defaultTypingTimeout
	}
	return &TypingTracker{
		timeout:  timeout,
		onExpire: onExpire,
		entries:  make(map[typingKey]*typingEntry),
	}
}

// Start records or refreshes an indicator. It reports true only when the user was not already typing.
func (t *TypingTracker) Start(convID, userID uint, sessionID string) bool {
	key := typingKey{ConversationID: convID, UserID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}

	t.gen++
	gen := t.gen
	e, existed := t.entries[key]
	if existed {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		t.entries[key] = e
	}
	e.sessionID = sessionID
	e.deadline = time.Now().Add(t.timeout)
	e.gen = gen
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(key, gen) })
	return !existed
}

// Stop clears an indicator. It reports whether one was active.
func (t *TypingTracker) Stop(convID, userID uint) bool {
	key := typingKey{ConversationID: convID, UserID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// ClearSession removes every indicator owned by the session, optionally limited
// to one conversation (convID 0 means all), and returns the cleared keys.
func (t *TypingTracker) ClearSession(sessionID string, convID uint) []typingKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	var cleared []typingKey
	for key, e := range t.entries {
		if e.sessionID != sessionID {
			continue
		}
		if convID != 0 && key.ConversationID != convID {
			continue
		}
		e.timer.Stop()
		delete(t.entries, key)
		cleared = append(cleared, key)
	}
	return cleared
}

// Users lists the users currently typing in the conversation, in id order.
func (t *TypingTracker) Users(convID uint) []uint {
	now := time.Now()
	t.mu.Lock()
	users := make([]uint, 0)
	for key, e := range t.entries {
		if key.ConversationID == convID && e.deadline.After(now) {
			users = append(users, key.UserID)
		}
	}
	t.mu.Unlock()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Close stops every timer. Later calls to Start are ignored.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}

func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	observability.TypingExpirations.Inc()
	if t.onExpire != nil {
		t.onExpire(key.ConversationID, key.UserID)
	}
}
