// Package realtime owns live websocket sessions: room membership, presence,
// typing indicators and delivery of service events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"parley/internal/config"
	"parley/internal/events"
	"parley/internal/identity"
	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/service"

	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
)

const hubName = "gateway"

var errSessionClosed = models.NewUnavailableError("Session is closing", nil)

// Config tunes the gateway. Zero values fall back to defaults.
type Config struct {
	MaxConnsPerUser int
	MaxTotalConns   int
	TypingTimeout   time.Duration
	OfflineGrace    time.Duration
	PresenceTTL     time.Duration
	ReaperInterval  time.Duration

	SendLimit    int
	SendWindow   time.Duration
	TypingLimit  int
	TypingWindow time.Duration
}

// ConfigFromApp reads the gateway settings from the application config.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		MaxConnsPerUser: cfg.WSMaxConnsPerUser,
		MaxTotalConns:   cfg.WSMaxTotalConns,
		TypingTimeout:   cfg.TypingTimeout,
		OfflineGrace:    cfg.PresenceOfflineGrace,
		PresenceTTL:     cfg.PresenceTTL,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConnsPerUser == 0 {
		c.MaxConnsPerUser = 12
	}
	if c.MaxTotalConns == 0 {
		c.MaxTotalConns = 10000
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = defaultTypingTimeout
	}
	if c.SendLimit == 0 {
		c.SendLimit = 15
	}
	if c.SendWindow <= 0 {
		c.SendWindow = time.Minute
	}
	if c.TypingLimit == 0 {
		c.TypingLimit = 10
	}
	if c.TypingWindow <= 0 {
		c.TypingWindow = 10 * time.Second
	}
	return c
}

// Membership answers the room-join question. It is asked on every join.
type Membership interface {
	EnsureParticipant(ctx context.Context, convID, userID uint) error
}

// Messaging is the subset of the message service reachable over a live connection.
type Messaging interface {
	SendMessage(ctx context.Context, in service.SendMessageInput) (*models.Message, []events.Event, error)
	EditMessage(ctx context.Context, messageID, requesterID uint, content string) (*models.Message, []events.Event, error)
	DeleteMessage(ctx context.Context, messageID, requesterID uint) ([]events.Event, error)
	MarkConversationRead(ctx context.Context, convID, userID uint) ([]events.Event, error)
	MarkMessageRead(ctx context.Context, messageID, userID uint) ([]events.Event, error)
}

// Deps are the gateway's collaborators. Redis and Dispatcher are optional.
type Deps struct {
	Auth       identity.Provider
	Members    Membership
	Messages   Messaging
	Redis      *redis.Client
	Dispatcher Dispatcher
}

// Gateway accepts websocket sessions and routes their frames. It is created by the
// server, started once, and torn down by Shutdown.
type Gateway struct {
	cfg      Config
	auth     identity.Provider
	members  Membership
	messages Messaging
	rdb      *redis.Client

	registry *Registry
	presence *PresenceTracker
	typing   *TypingTracker
	fanout   *FanOut

	log     *observability.WSLogger
	closing atomic.Bool
}

// NewGateway builds a gateway. Without a Dispatcher, offline participants are
// notified through the Redis user channel.
func NewGateway(cfg Config, deps Deps) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:      cfg,
		auth:     deps.Auth,
		members:  deps.Members,
		messages: deps.Messages,
		rdb:      deps.Redis,
		registry: NewRegistry(cfg.MaxConnsPerUser, cfg.MaxTotalConns),
		log:      observability.NewWSLogger(hubName),
	}
	g.presence = NewPresenceTracker(deps.Redis, PresenceConfig{
		LastSeenTTL:        cfg.PresenceTTL,
		OfflineGracePeriod: cfg.OfflineGrace,
		ReaperInterval:     cfg.ReaperInterval,
		OnUserOnline:       func(userID uint) { g.broadcastPresence(events.UserOnline, userID) },
		OnUserOffline:      func(userID uint) { g.broadcastPresence(events.UserOffline, userID) },
	})
	g.typing = NewTypingTracker(cfg.TypingTimeout, g.typingExpired)

	notifier := NewNotifier(deps.Redis)
	dispatcher := deps.Dispatcher
	if dispatcher == nil && notifier.Enabled() {
		dispatcher = notifier
	}
	g.fanout = NewFanOut(g.registry, g.presence, notifier, dispatcher)
	return g
}

// Start subscribes to cross-process delivery and starts the presence reaper.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.fanout.Subscribe(ctx); err != nil {
		return fmt.Errorf("start realtime fan-out: %w", err)
	}
	g.presence.StartReaper()
	g.log.LogLifecycle(ctx, "started", map[string]interface{}{"brokered": g.fanout.brokered.Load()})
	return nil
}

// Connect authenticates the credential and registers a session for conn.
// Nothing is registered unless authentication and the connection limits pass.
func (g *Gateway) Connect(ctx context.Context, credential string, conn *websocket.Conn) (*Session, error) {
	if g.closing.Load() {
		return nil, models.NewUnavailableError("Server is shutting down", nil)
	}
	id, err := g.auth.Resolve(ctx, credential)
	if err != nil {
		return nil, err
	}

	s := newSession(id.UserID, conn)
	if err := g.registry.Add(s); err != nil {
		return nil, &models.AppError{Code: models.CodeConflict, Message: "Connection limit reached", Err: err}
	}
	observability.WebSocketSessions.Inc()
	g.presence.Add(ctx, s.UserID, s.ID)

	g.sendEvent(s, events.Event{
		Type:      events.Connected,
		UserID:    s.UserID,
		Payload:   map[string]interface{}{"session_id": s.ID, "user_id": s.UserID},
		Timestamp: time.Now().UTC(),
	})
	online := make([]uint, 0)
	for _, userID := range g.presence.OnlineUserIDs(ctx) {
		if userID != s.UserID {
			online = append(online, userID)
		}
	}
	g.sendEvent(s, events.New(events.OnlineUsers, 0, map[string]interface{}{"user_ids": online}))

	g.log.LogConnect(ctx, s.UserID, s.ID)
	return s, nil
}

// Serve runs the session's pumps until the connection ends, then disconnects it.
func (g *Gateway) Serve(ctx context.Context, s *Session) {
	go s.writePump()

	err := s.readPump(ctx, g.HandleFrame, func() { g.presence.Touch(ctx, s.UserID) })
	reason := "closed"
	if err != nil {
		reason = "read_error"
		g.log.LogError(ctx, s.UserID, s.ID, err, "read")
	}
	g.Disconnect(s, reason)

	select {
	case <-s.done:
	case <-time.After(writeWait):
	}
}

// Disconnect tears the session down. Only the first call for a session has any effect.
func (g *Gateway) Disconnect(s *Session, reason string) {
	if !g.registry.Remove(s) {
		return
	}
	ctx := context.Background()
	for _, key := range g.typing.ClearSession(s.ID, 0) {
		g.fanout.Deliver(ctx, typingEvent(events.TypingStopped, key.ConversationID, key.UserID, s.ID, false))
	}
	g.presence.Remove(ctx, s.UserID, s.ID)
	s.close()

	observability.WebSocketSessions.Dec()
	g.log.LogDisconnect(ctx, s.UserID, s.ID, reason)
}

// Deliver fans service events out to sessions and offline participants.
func (g *Gateway) Deliver(ctx context.Context, evs ...events.Event) {
	g.fanout.Deliver(ctx, evs...)
}

// TypingUsers lists who is typing in the conversation right now.
func (g *Gateway) TypingUsers(convID uint) []uint {
	return g.typing.Users(convID)
}

// IsOnline reports whether the user has a live session on any process.
func (g *Gateway) IsOnline(ctx context.Context, userID uint) bool {
	return g.presence.IsOnline(ctx, userID)
}

// OnlineUserIDs lists users with a live session.
func (g *Gateway) OnlineUserIDs(ctx context.Context) []uint {
	return g.presence.OnlineUserIDs(ctx)
}

// SessionCount returns the number of live sessions in this process.
func (g *Gateway) SessionCount() int {
	return g.registry.Count()
}

// Shutdown tells every client the server is going away and closes all sessions.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.closing.CompareAndSwap(false, true) {
		return nil
	}
	g.typing.Close()
	g.presence.SetCallbacks(nil, nil)

	notice, _ := events.New(events.ServerShutdown, 0, map[string]string{"message": "Server is shutting down"}).Marshal()
	sessions := g.registry.All()
	for _, s := range sessions {
		s.TrySend(notice)
		s.goingAway.Store(true)
		g.Disconnect(s, "shutdown")
	}
	g.presence.Stop()
	g.log.LogLifecycle(ctx, "shutdown", map[string]interface{}{"sessions": len(sessions)})

	done := make(chan struct{})
	go func() {
		g.fanout.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleFrame decodes and executes one client frame. Failures are reported to the
// session as error events; nothing is returned to the caller.
func (g *Gateway) HandleFrame(ctx context.Context, s *Session, raw []byte) {
	var f events.Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
		g.sendError(s, "", 0, models.NewValidationError("Malformed frame"))
		return
	}
	observability.RecordInbound(f.Type)
	ctx, span := observability.StartFrameSpan(ctx, f.Type, s.UserID, f.ConversationID)
	defer span.End()

	var err error
	switch f.Type {
	case events.FrameJoin:
		err = g.join(ctx, s, f)
	case events.FrameLeave:
		err = g.leave(ctx, s, f)
	case events.FrameTypingStart:
		err = g.typingStart(ctx, s, f)
	case events.FrameTypingStop:
		err = g.typingStop(ctx, s, f)
	case events.FrameSend:
		err = g.send(ctx, s, f)
	case events.FrameEdit:
		err = g.edit(ctx, s, f)
	case events.FrameDelete:
		err = g.delete(ctx, s, f)
	case events.FrameRead:
		err = g.read(ctx, s, f)
	case events.FrameReadMessage:
		err = g.readMessage(ctx, s, f)
	case events.FramePing:
		g.presence.Touch(ctx, s.UserID)
		g.ack(s, f, 0)
	default:
		err = models.NewValidationError(fmt.Sprintf("Unknown frame type %q", f.Type))
	}

	if err != nil {
		span.SetError(err)
		g.log.LogError(ctx, s.UserID, s.ID, err, f.Type)
		g.sendError(s, f.RequestID, f.ConversationID, err)
	}
}

func requireConversation(f events.Frame) error {
	if f.ConversationID == 0 {
		return models.NewValidationError("conversation_id is required")
	}
	return nil
}

func requireMessage(f events.Frame) error {
	if f.MessageID == 0 {
		return models.NewValidationError("message_id is required")
	}
	return nil
}

func (g *Gateway) join(ctx context.Context, s *Session, f events.Frame) error {
	if err := requireConversation(f); err != nil {
		return err
	}
	if err := g.members.EnsureParticipant(ctx, f.ConversationID, s.UserID); err != nil {
		return err
	}
	if !g.registry.Join(f.ConversationID, s) {
		return errSessionClosed
	}
	g.sendEvent(s, withRequest(events.New(events.Joined, f.ConversationID, map[string]interface{}{
		"conversation_id": f.ConversationID,
		"typing_users":    g.typing.Users(f.ConversationID),
	}), f))
	return nil
}

func (g *Gateway) leave(ctx context.Context, s *Session, f events.Frame) error {
	if err := requireConversation(f); err != nil {
		return err
	}
	g.registry.Leave(f.ConversationID, s)
	for _, key := range g.typing.ClearSession(s.ID, f.ConversationID) {
		g.fanout.Deliver(ctx, typingEvent(events.TypingStopped, key.ConversationID, key.UserID, s.ID, false))
	}
	g.sendEvent(s, withRequest(events.New(events.Left, f.ConversationID, map[string]interface{}{
		"conversation_id": f.ConversationID,
	}), f))
	return nil
}

func (g *Gateway) checkTyping(s *Session, f events.Frame) error {
	if err := requireConversation(f); err != nil {
		return err
	}
	if f.UserID != 0 && f.UserID != s.UserID {
		return models.NewForbiddenError("Cannot send typing indicators for another user")
	}
	if !s.InRoom(f.ConversationID) {
		return models.NewForbiddenError("Join the conversation before sending typing indicators")
	}
	return nil
}

func (g *Gateway) typingStart(ctx context.Context, s *Session, f events.Frame) error {
	if err := g.checkTyping(s, f); err != nil {
		return err
	}
	if !g.allow(ctx, s, "ws_typing", g.cfg.TypingLimit, g.cfg.TypingWindow) {
		return nil
	}
	if s.Detached() {
		return nil
	}
	if g.typing.Start(f.ConversationID, s.UserID, s.ID) {
		// A disconnect may have cleared this session's typing state between the checks and Start.
		if s.Detached() {
			g.typing.ClearSession(s.ID, f.ConversationID)
			return nil
		}
		g.fanout.Deliver(ctx, typingEvent(events.TypingStarted, f.ConversationID, s.UserID, s.ID, false))
	}
	return nil
}

func (g *Gateway) typingStop(ctx context.Context, s *Session, f events.Frame) error {
	if err := g.checkTyping(s, f); err != nil {
		return err
	}
	if g.typing.Stop(f.ConversationID, s.UserID) {
		g.fanout.Deliver(ctx, typingEvent(events.TypingStopped, f.ConversationID, s.UserID, s.ID, false))
	}
	return nil
}

func (g *Gateway) typingExpired(convID, userID uint) {
	g.fanout.Deliver(context.Background(), typingEvent(events.TypingStopped, convID, userID, "", true))
}

func (g *Gateway) send(ctx context.Context, s *Session, f events.Frame) error {
	if err := requireConversation(f); err != nil {
		return err
	}
	if !g.allow(ctx, s, "ws_send", g.cfg.SendLimit, g.cfg.SendWindow) {
		return models.NewRateLimitedError("Rate limit exceeded. Please wait a moment.")
	}
	msgType := models.MessageType(f.MessageType)
	if msgType == "" {
		msgType = models.MessageText
	}
	msg, evs, err := g.messages.SendMessage(ctx, service.SendMessageInput{
		ConversationID: f.ConversationID,
		SenderID:       s.UserID,
		Content:        f.Content,
		Type:           msgType,
		ReplyToID:      f.ReplyToID,
	})
	if err != nil {
		return err
	}
	// Sending counts as activity; the typing indicator ends with the message.
	if g.typing.Stop(f.ConversationID, s.UserID) {
		evs = append(evs, typingEvent(events.TypingStopped, f.ConversationID, s.UserID, s.ID, false))
	}
	g.fanout.Deliver(ctx, evs...)
	g.ack(s, f, msg.ID)
	return nil
}

func (g *Gateway) edit(ctx context.Context, s *Session, f events.Frame) error {
	if err := requireMessage(f); err != nil {
		return err
	}
	msg, evs, err := g.messages.EditMessage(ctx, f.MessageID, s.UserID, f.Content)
	if err != nil {
		return err
	}
	g.fanout.Deliver(ctx, evs...)
	g.ack(s, f, msg.ID)
	return nil
}

func (g *Gateway) delete(ctx context.Context, s *Session, f events.Frame) error {
	if err := requireMessage(f); err != nil {
		return err
	}
	evs, err := g.messages.DeleteMessage(ctx, f.MessageID, s.UserID)
	if err != nil {
		return err
	}
	g.fanout.Deliver(ctx, evs...)
	g.ack(s, f, f.MessageID)
	return nil
}

func (g *Gateway) read(ctx context.Context, s *Session, f events.Frame) error {
	if err := requireConversation(f); err != nil {
		return err
	}
	evs, err := g.messages.MarkConversationRead(ctx, f.ConversationID, s.UserID)
	if err != nil {
		return err
	}
	g.fanout.Deliver(ctx, evs...)
	g.ack(s, f, 0)
	return nil
}

func (g *Gateway) readMessage(ctx context.Context, s *Session, f events.Frame) error {
	if err := requireMessage(f); err != nil {
		return err
	}
	evs, err := g.messages.MarkMessageRead(ctx, f.MessageID, s.UserID)
	if err != nil {
		return err
	}
	g.fanout.Deliver(ctx, evs...)
	g.ack(s, f, f.MessageID)
	return nil
}

// allow applies a per-user rate limit. A limiter failure lets the frame through.
func (g *Gateway) allow(ctx context.Context, s *Session, resource string, limit int, window time.Duration) bool {
	allowed, err := middleware.CheckRateLimit(ctx, g.rdb, resource, fmt.Sprintf("user:%d", s.UserID), limit, window)
	if err != nil {
		g.log.LogError(ctx, s.UserID, s.ID, err, resource)
		return true
	}
	return allowed
}

func (g *Gateway) broadcastPresence(eventType string, userID uint) {
	ev := events.New(eventType, 0, map[string]interface{}{"user_id": userID})
	ev.UserID = userID
	raw, err := ev.Marshal()
	if err != nil {
		return
	}
	for _, s := range g.registry.All() {
		if s.UserID == userID {
			continue
		}
		s.TrySend(raw)
		observability.RecordOutbound(eventType)
	}
}

type ackPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Frame     string `json:"frame"`
	MessageID uint   `json:"message_id,omitempty"`
}

func (g *Gateway) ack(s *Session, f events.Frame, messageID uint) {
	g.sendEvent(s, events.New(events.Ack, f.ConversationID, ackPayload{
		RequestID: f.RequestID,
		Frame:     f.Type,
		MessageID: messageID,
	}))
}

func (g *Gateway) sendError(s *Session, requestID string, convID uint, err error) {
	payload := events.ErrorPayload{
		Code:      models.ErrorCode(err),
		Message:   "Internal server error",
		RequestID: requestID,
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		payload.Message = appErr.Message
	}
	g.sendEvent(s, events.New(events.Error, convID, payload))
}

func (g *Gateway) sendEvent(s *Session, ev events.Event) {
	raw, err := ev.Marshal()
	if err != nil {
		return
	}
	s.TrySend(raw)
	observability.RecordOutbound(ev.Type)
}

func withRequest(ev events.Event, f events.Frame) events.Event {
	if f.RequestID == "" {
		return ev
	}
	if m, ok := ev.Payload.(map[string]interface{}); ok {
		m["request_id"] = f.RequestID
	}
	return ev
}

func typingEvent(eventType string, convID, userID uint, sessionID string, expired bool) events.Event {
	ev := events.New(eventType, convID, events.TypingPayload{UserID: userID, Expired: expired})
	ev.UserID = userID
	if eventType == events.TypingStarted {
		ev.ExcludeSession = sessionID
	}
	return ev
}
