package realtime

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"parley/internal/events"
	"parley/internal/observability"
)

const notifyTimeout = 5 * time.Second

// Membership events reach every participant's sessions, not only sessions joined to the room,
// so inbox views stay current.
var inboxEvents = map[string]bool{
	events.ConversationCreated:   true,
	events.ConversationUpdated:   true,
	events.ConversationArchived:  true,
	events.ParticipantAdded:      true,
	events.ParticipantRemoved:    true,
	events.ParticipantRoleChange: true,
}

// Events that are never handed to the offline dispatcher.
var liveOnlyEvents = map[string]bool{
	events.MessageRead:   true,
	events.TypingStarted: true,
	events.TypingStopped: true,
}

// FanOut delivers service events to live sessions and hands the rest to the Dispatcher.
type FanOut struct {
	registry   *Registry
	presence   *PresenceTracker
	notifier   *Notifier
	dispatcher Dispatcher

	// brokered is set once this process is subscribed to the conversation channels.
	brokered atomic.Bool
	wg       sync.WaitGroup
}

// NewFanOut wires delivery over the registry. notifier and dispatcher may be nil.
func NewFanOut(registry *Registry, presence *PresenceTracker, notifier *Notifier, dispatcher Dispatcher) *FanOut {
	return &FanOut{
		registry:   registry,
		presence:   presence,
		notifier:   notifier,
		dispatcher: dispatcher,
	}
}

// Deliver sends each event to the sessions joined to its conversation (except ExcludeSession),
// to every session of its PreferredUserIDs, and notifies offline recipients.
// With a broker configured, session delivery goes through the conversation channel so
// every process reaches its own sessions.
func (f *FanOut) Deliver(ctx context.Context, evs ...events.Event) {
	for _, ev := range evs {
		ev.PreferredUserIDs = directUsers(ev)

		if !f.publish(ctx, ev) {
			raw, err := ev.Marshal()
			if err != nil {
				observability.GlobalLogger.ErrorContext(ctx, "marshal event failed", "type", ev.Type, "error", err)
				continue
			}
			f.deliverLocal(ev.Type, ev.ConversationID, ev.UserID, raw, ev.PreferredUserIDs, ev.ExcludeSession)
		}
		f.dispatchOffline(ctx, ev)
	}
}

// publish reports whether the event went to the broker.
func (f *FanOut) publish(ctx context.Context, ev events.Event) bool {
	if !f.brokered.Load() || ev.ConversationID == 0 {
		return false
	}
	envelope, err := ev.ToEnvelope()
	if err != nil {
		return false
	}
	if err := f.notifier.PublishConversation(ctx, ev.ConversationID, envelope); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "publish event failed, delivering locally",
			"type", ev.Type, "conversation_id", ev.ConversationID, "error", err)
		return false
	}
	return true
}

// Subscribe starts consuming the conversation channels. Until it succeeds, delivery stays local.
func (f *FanOut) Subscribe(ctx context.Context) error {
	if !f.notifier.Enabled() {
		return nil
	}
	if err := f.notifier.StartConversationSubscriber(ctx, f.receive); err != nil {
		return err
	}
	f.brokered.Store(true)
	go func() {
		<-ctx.Done()
		f.brokered.Store(false)
	}()
	return nil
}

// receive handles an envelope from the conversation channel.
func (f *FanOut) receive(convID uint, payload []byte) {
	var env events.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		observability.GlobalLogger.Warn("invalid event envelope", "conversation_id", convID, "error", err)
		return
	}
	f.deliverLocal(env.Type, convID, env.UserID, env.Event, env.PreferredUserIDs, env.ExcludeSession)
}

func (f *FanOut) deliverLocal(eventType string, convID, subjectID uint, raw []byte, preferred []uint, exclude string) {
	delivered := make(map[string]struct{})
	send := func(s *Session) {
		if s.ID == exclude {
			return
		}
		if _, ok := delivered[s.ID]; ok {
			return
		}
		delivered[s.ID] = struct{}{}
		s.TrySend(raw)
		observability.RecordOutbound(eventType)
	}

	if convID != 0 {
		for _, s := range f.registry.RoomSessions(convID) {
			send(s)
		}
	}
	for _, userID := range preferred {
		for _, s := range f.registry.UserSessions(userID) {
			send(s)
		}
	}

	// A removed participant stops receiving room traffic.
	if eventType == events.ParticipantRemoved && subjectID != 0 {
		for _, s := range f.registry.UserSessions(subjectID) {
			f.registry.Leave(convID, s)
		}
	}
}

func (f *FanOut) dispatchOffline(ctx context.Context, ev events.Event) {
	if f.dispatcher == nil || liveOnlyEvents[ev.Type] {
		return
	}
	for _, userID := range ev.Recipients {
		if userID == ev.ActorID || slices.Contains(ev.Muted, userID) {
			continue
		}
		if f.presence != nil && f.presence.IsOnline(ctx, userID) {
			continue
		}

		f.wg.Add(1)
		go func(userID uint) {
			defer f.wg.Done()
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
			defer cancel()
			if err := f.dispatcher.Notify(nctx, userID, ev); err != nil {
				observability.NotificationDispatch.WithLabelValues("error").Inc()
				observability.LogAsyncOperationError(nctx, "notify_offline", err, map[string]interface{}{
					"user_id":         userID,
					"conversation_id": ev.ConversationID,
					"event_type":      ev.Type,
				})
				return
			}
			observability.NotificationDispatch.WithLabelValues("sent").Inc()
		}(userID)
	}
}

// Wait blocks until in-flight offline notifications finish.
func (f *FanOut) Wait() {
	f.wg.Wait()
}

func directUsers(ev events.Event) []uint {
	users := slices.Clone(ev.PreferredUserIDs)
	if inboxEvents[ev.Type] {
		for _, id := range ev.Recipients {
			if !slices.Contains(users, id) {
				users = append(users, id)
			}
		}
	}
	return users
}
