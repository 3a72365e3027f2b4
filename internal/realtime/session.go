package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"parley/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	sendBufferSize = 256
)

var dropNotice = []byte(`{"type":"messages_dropped","payload":{"reason":"buffer_full"}}`)

// Session is one authenticated websocket connection. A user may hold several.
type Session struct {
	ID     string
	UserID uint

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu       sync.RWMutex
	rooms    map[uint]struct{}
	detached bool

	lastActive atomic.Int64
	closeOnce  sync.Once
	goingAway  atomic.Bool
}

func newSession(userID uint, conn *websocket.Conn) *Session {
	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		rooms:  make(map[uint]struct{}),
	}
	s.touch()
	return s
}

// Outbound exposes the session's queue for in-process consumers and tests.
func (s *Session) Outbound() <-chan []byte { return s.send }

// LastActive reports when the client last sent a frame or pong.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// InRoom reports whether the session has joined the conversation.
func (s *Session) InRoom(convID uint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[convID]
	return ok
}

// Rooms returns the conversations the session has joined.
func (s *Session) Rooms() []uint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Detached reports whether the session has been removed from its registry.
func (s *Session) Detached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detached
}

func (s *Session) removeRoom(convID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[convID]; !ok {
		return false
	}
	delete(s.rooms, convID)
	return true
}

// clearRooms detaches the session and returns the rooms it was in. Later joins are refused.
func (s *Session) clearRooms() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	ids := make([]uint, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	s.rooms = make(map[uint]struct{})
	return ids
}

// TrySend queues a frame without blocking. A full buffer drops the frame and
// queues a messages_dropped notice so the client can re-fetch.
func (s *Session) TrySend(message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			observability.WebSocketBackpressureDrops.WithLabelValues(hubName, "closed").Inc()
		}
	}()

	select {
	case s.send <- message:
		return true
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues(hubName, "full").Inc()
		observability.GlobalLogger.Warn("session buffer full, dropped message",
			"session_id", s.ID, "user_id", s.UserID)
		select {
		case s.send <- dropNotice:
		default:
		}
		return false
	}
}

// close shuts the outbound queue. The write pump drains it and closes the socket.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// readPump reads frames until the connection fails, handing each to handle.
func (s *Session) readPump(ctx context.Context, handle func(context.Context, *Session, []byte), onPong func()) error {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		if onPong != nil {
			onPong()
		}
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}
		s.touch()
		handle(ctx, s, message)
	}
}

// writePump writes queued frames and keepalive pings until the queue is closed.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code := websocket.CloseNormalClosure
				if s.goingAway.Load() {
					code = websocket.CloseGoingAway
				}
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
