package realtime

import (
	"errors"
	"sync"
)

const roomShards = 32

var (
	// ErrUserConnLimit is returned when a user already holds the maximum number of sessions.
	ErrUserConnLimit = errors.New("user connection limit reached")
	// ErrTotalConnLimit is returned when the process holds the maximum number of sessions.
	ErrTotalConnLimit = errors.New("server connection limit reached")
)

type roomShard struct {
	mu    sync.RWMutex
	rooms map[uint]map[string]*Session
}

// Registry indexes live sessions by id, by user and by joined conversation.
// Room membership is sharded by conversation id so broadcasts to unrelated rooms do not contend.
type Registry struct {
	maxPerUser int
	maxTotal   int

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[uint]map[string]*Session

	shards [roomShards]roomShard
}

// NewRegistry creates an empty registry. Non-positive limits disable the check.
func NewRegistry(maxPerUser, maxTotal int) *Registry {
	r := &Registry{
		maxPerUser: maxPerUser,
		maxTotal:   maxTotal,
		sessions:   make(map[string]*Session),
		byUser:     make(map[uint]map[string]*Session),
	}
	for i := range r.shards {
		r.shards[i].rooms = make(map[uint]map[string]*Session)
	}
	return r
}

func (r *Registry) shard(convID uint) *roomShard {
	return &r.shards[convID%roomShards]
}

// Add registers s, enforcing the per-user and global limits.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxTotal > 0 && len(r.sessions) >= r.maxTotal {
		return ErrTotalConnLimit
	}
	if r.maxPerUser > 0 && len(r.byUser[s.UserID]) >= r.maxPerUser {
		return ErrUserConnLimit
	}
	r.sessions[s.ID] = s
	if r.byUser[s.UserID] == nil {
		r.byUser[s.UserID] = make(map[string]*Session)
	}
	r.byUser[s.UserID][s.ID] = s
	return nil
}

// Remove unregisters s and drops it from every room it joined. It reports whether s was registered.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.ID)
	if conns, ok := r.byUser[s.UserID]; ok {
		delete(conns, s.ID)
		if len(conns) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	r.mu.Unlock()

	for _, convID := range s.clearRooms() {
		r.leaveRoom(convID, s)
	}
	return true
}

// Join adds s to the conversation room. It refuses sessions that were never added or have
// already been removed, so a join racing a disconnect cannot leave a stale room entry.
func (r *Registry) Join(convID uint, s *Session) bool {
	r.mu.RLock()
	_, registered := r.sessions[s.ID]
	r.mu.RUnlock()
	if !registered {
		return false
	}

	// s.mu is held across the room insert so Remove's clearRooms either sees this room or runs after it.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return false
	}
	s.rooms[convID] = struct{}{}

	sh := r.shard(convID)
	sh.mu.Lock()
	if sh.rooms[convID] == nil {
		sh.rooms[convID] = make(map[string]*Session)
	}
	sh.rooms[convID][s.ID] = s
	sh.mu.Unlock()
	return true
}

// Leave removes s from the conversation room. It reports whether s had joined.
func (r *Registry) Leave(convID uint, s *Session) bool {
	if !s.removeRoom(convID) {
		return false
	}
	r.leaveRoom(convID, s)
	return true
}

func (r *Registry) leaveRoom(convID uint, s *Session) {
	sh := r.shard(convID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if members, ok := sh.rooms[convID]; ok {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(sh.rooms, convID)
		}
	}
}

// RoomSessions returns a snapshot of the sessions joined to the conversation.
func (r *Registry) RoomSessions(convID uint) []*Session {
	sh := r.shard(convID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	members := sh.rooms[convID]
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// UserSessions returns a snapshot of the user's live sessions.
func (r *Registry) UserSessions(userID uint) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]*Session, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Get looks a session up by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
