// Package events defines the realtime event values produced by the services and delivered by the gateway.
package events

import (
	"encoding/json"
	"time"
)

// Outbound event types.
const (
	Connected             = "connected"
	Ack                   = "ack"
	Error                 = "error"
	Joined                = "joined"
	Left                  = "left"
	TypingStarted         = "typing_started"
	TypingStopped         = "typing_stopped"
	MessageCreated        = "message_created"
	MessageEdited         = "message_edited"
	MessageDeleted        = "message_deleted"
	MessageRead           = "message_read"
	UserOnline            = "user_online"
	UserOffline           = "user_offline"
	OnlineUsers           = "online_users"
	ConversationCreated   = "conversation_created"
	ConversationUpdated   = "conversation_updated"
	ConversationArchived  = "conversation_archived"
	ParticipantAdded      = "participant_added"
	ParticipantRemoved    = "participant_removed"
	ParticipantRoleChange = "participant_role_changed"
	MessagesDropped       = "messages_dropped"
	ServerShutdown        = "server_shutdown"
)

// Event is one realtime notification. Routing fields are not serialized to clients.
type Event struct {
	Type           string      `json:"type"`
	ConversationID uint        `json:"conversation_id,omitempty"`
	UserID         uint        `json:"user_id,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`

	// ActorID is the user whose action produced the event.
	ActorID uint `json:"-"`
	// Recipients are the conversation participants the event concerns.
	Recipients []uint `json:"-"`
	// PreferredUserIDs receive the event on every session, joined to the room or not.
	PreferredUserIDs []uint `json:"-"`
	// ExcludeSession suppresses delivery to the originating session.
	ExcludeSession string `json:"-"`
	// Muted participants are skipped by the offline dispatcher.
	Muted []uint `json:"-"`
}

// New builds an event stamped with the current time.
func New(eventType string, conversationID uint, payload interface{}) Event {
	return Event{
		Type:           eventType,
		ConversationID: conversationID,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
	}
}

// Marshal encodes the client-visible part of the event.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Envelope is the cross-process form of an Event, carrying routing fields alongside the wire event.
type Envelope struct {
	Event            json.RawMessage `json:"event"`
	Type             string          `json:"type"`
	ConversationID   uint            `json:"conversation_id"`
	UserID           uint            `json:"user_id,omitempty"`
	PreferredUserIDs []uint          `json:"preferred_user_ids,omitempty"`
	ExcludeSession   string          `json:"exclude_session,omitempty"`
}

// ToEnvelope encodes e for the broker.
func (e Event) ToEnvelope() ([]byte, error) {
	raw, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Event:            raw,
		Type:             e.Type,
		ConversationID:   e.ConversationID,
		UserID:           e.UserID,
		PreferredUserIDs: e.PreferredUserIDs,
		ExcludeSession:   e.ExcludeSession,
	})
}

// Inbound frame types.
const (
	FrameJoin        = "join"
	FrameLeave       = "leave"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FrameSend        = "send"
	FrameEdit        = "edit"
	FrameDelete      = "delete"
	FrameRead        = "read"
	FrameReadMessage = "read_message"
	FramePing        = "ping"
)

// Frame is a client-to-server websocket frame.
type Frame struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID uint   `json:"conversation_id,omitempty"`
	MessageID      uint   `json:"message_id,omitempty"`
	UserID         uint   `json:"user_id,omitempty"`
	Content        string `json:"content,omitempty"`
	MessageType    string `json:"message_type,omitempty"`
	ReplyToID      *uint  `json:"reply_to_id,omitempty"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// DeletedPayload is the body of a message_deleted event.
type DeletedPayload struct {
	MessageID      uint      `json:"message_id"`
	ConversationID uint      `json:"conversation_id"`
	DeletedAt      time.Time `json:"deleted_at"`
	DeletedBy      uint      `json:"deleted_by"`
}

// ReadPayload is the body of a message_read event.
type ReadPayload struct {
	UserID     uint      `json:"user_id"`
	LastReadAt time.Time `json:"last_read_at"`
	MessageID  uint      `json:"message_id,omitempty"`
}

// ParticipantPayload is the body of participant_* events.
type ParticipantPayload struct {
	UserID  uint   `json:"user_id"`
	ActorID uint   `json:"actor_id"`
	Role    string `json:"role,omitempty"`
}

// TypingPayload is the body of typing_* events.
type TypingPayload struct {
	UserID  uint `json:"user_id"`
	Expired bool `json:"expired,omitempty"`
}
