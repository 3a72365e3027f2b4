// Package service provides the conversation and messaging business logic.
package service

import (
	"context"
	"time"

	"parley/internal/events"
	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/repository"
)

type access int

const (
	accessMember access = iota
	accessAdmin
)

// authorize loads the conversation and the caller's current participant row.
// It is the only place conversation access is decided.
func authorize(ctx context.Context, chats repository.ChatRepository, convID, userID uint, need access) (*models.Conversation, *models.Participant, error) {
	conv, err := chats.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	p := findParticipant(conv, userID)
	if p == nil {
		return nil, nil, models.NewForbiddenError("You are not a participant in this conversation")
	}
	if need == accessAdmin {
		if err := requireAdmin(p); err != nil {
			return nil, nil, err
		}
	}
	return conv, p, nil
}

func requireAdmin(p *models.Participant) error {
	if p.Role != models.RoleAdmin {
		return models.NewForbiddenError("Only conversation admins can do this")
	}
	return nil
}

func findParticipant(conv *models.Conversation, userID uint) *models.Participant {
	for i := range conv.Participants {
		p := &conv.Participants[i]
		if p.UserID == userID && p.IsCurrent() {
			return p
		}
	}
	return nil
}

func participantIDs(conv *models.Conversation) []uint {
	ids := make([]uint, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		if p.IsCurrent() {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

func mutedIDs(conv *models.Conversation) []uint {
	var ids []uint
	for _, p := range conv.Participants {
		if p.IsCurrent() && p.Muted {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// address sets the routing fields of ev from the conversation's current participants.
func address(ev events.Event, conv *models.Conversation, actorID uint) events.Event {
	ev.ActorID = actorID
	ev.Recipients = participantIDs(conv)
	ev.Muted = mutedIDs(conv)
	return ev
}

func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// persistSystemMessage records a membership notice in the conversation's history.
func persistSystemMessage(ctx context.Context, messages repository.MessageRepository, conv *models.Conversation, actorID uint, content string) (events.Event, error) {
	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       actorID,
		Content:        content,
		Type:           models.MessageSystem,
	}
	if err := messages.CreateMessage(ctx, msg); err != nil {
		return events.Event{}, err
	}
	observability.MessageThroughput.WithLabelValues(string(models.MessageSystem)).Inc()
	return address(events.New(events.MessageCreated, conv.ID, msg), conv, actorID), nil
}
