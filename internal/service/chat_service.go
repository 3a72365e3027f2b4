package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"parley/internal/events"
	"parley/internal/identity"
	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

const (
	maxConversationNameLen = 120
	maxDescriptionLen      = 1000
)

// ChatService provides conversation and participant business logic.
type ChatService struct {
	chats    repository.ChatRepository
	messages repository.MessageRepository
	users    identity.UserDirectory
	now      func() time.Time
}

// CreateConversationInput is the input for creating a conversation.
type CreateConversationInput struct {
	CreatorID      uint
	Type           models.ConversationType
	Name           string
	Description    string
	Avatar         string
	ParticipantIDs []uint
	AdminIDs       []uint
}

// ConversationPatch carries the group metadata fields to change. Nil fields are left alone.
type ConversationPatch struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Avatar      *string `json:"avatar"`
}

// NewChatService returns a new ChatService. users may be nil, in which case participant ids are
// not checked against the account directory.
func NewChatService(chats repository.ChatRepository, messages repository.MessageRepository, users identity.UserDirectory) *ChatService {
	return &ChatService{
		chats:    chats,
		messages: messages,
		users:    users,
		now:      utcNow,
	}
}

func dedupeIDs(ids []uint) []uint {
	seen := make(map[uint]bool, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *ChatService) requireActiveUser(ctx context.Context, userID uint) error {
	if userID == 0 {
		return models.NewValidationError("Participant ids must be positive")
	}
	if s.users == nil {
		return nil
	}
	active, err := s.users.IsActive(ctx, userID)
	if err != nil {
		if models.IsCode(err, models.CodeNotFound) {
			return models.NewValidationError(fmt.Sprintf("User %d does not exist", userID))
		}
		return err
	}
	if !active {
		return models.NewValidationError(fmt.Sprintf("User %d is not active", userID))
	}
	return nil
}

// CreateConversation creates a direct or group conversation. Creating a direct conversation for a
// pair that already has one returns the existing conversation and no events.
func (s *ChatService) CreateConversation(ctx context.Context, in CreateConversationInput) (*models.Conversation, []events.Event, error) {
	ctx, span := observability.StartSpan(ctx, "ChatService.CreateConversation",
		attribute.Int64("creator_id", int64(in.CreatorID)))
	defer span.End()

	conv, evs, err := s.createConversation(ctx, in)
	span.SetError(err)
	return conv, evs, err
}

func (s *ChatService) createConversation(ctx context.Context, in CreateConversationInput) (*models.Conversation, []events.Event, error) {
	if in.Type == "" {
		in.Type = models.ConversationGroup
	}
	if !in.Type.Valid() {
		return nil, nil, models.NewValidationError("Unknown conversation type")
	}

	members := dedupeIDs(append([]uint{in.CreatorID}, in.ParticipantIDs...))
	if len(members) < 2 {
		return nil, nil, models.NewValidationError("A conversation needs at least two distinct participants")
	}
	if in.Type == models.ConversationDirect && len(members) != 2 {
		return nil, nil, models.NewValidationError("A direct conversation has exactly two participants")
	}
	for _, id := range members {
		if err := s.requireActiveUser(ctx, id); err != nil {
			return nil, nil, err
		}
	}

	if in.Type == models.ConversationDirect {
		return s.createDirect(ctx, in.CreatorID, members)
	}

	name := strings.TrimSpace(in.Name)
	if utf8.RuneCountInString(name) > maxConversationNameLen {
		return nil, nil, models.NewValidationError("Conversation name is too long")
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLen {
		return nil, nil, models.NewValidationError("Conversation description is too long")
	}

	memberSet := make(map[uint]bool, len(members))
	for _, id := range members {
		memberSet[id] = true
	}
	admins := dedupeIDs(in.AdminIDs)
	for _, id := range admins {
		if !memberSet[id] {
			return nil, nil, models.NewValidationError(fmt.Sprintf("Admin %d is not a participant", id))
		}
	}
	if len(admins) == 0 {
		admins = []uint{in.CreatorID}
	}
	adminSet := make(map[uint]bool, len(admins))
	for _, id := range admins {
		adminSet[id] = true
	}

	now := s.now()
	conv := &models.Conversation{
		Type:        models.ConversationGroup,
		Name:        name,
		Description: in.Description,
		Avatar:      in.Avatar,
		CreatedBy:   in.CreatorID,
	}
	participants := make([]models.Participant, 0, len(members))
	for _, id := range members {
		role := models.RoleMember
		if adminSet[id] {
			role = models.RoleAdmin
		}
		participants = append(participants, models.Participant{UserID: id, Role: role, JoinedAt: now})
	}

	if err := s.chats.CreateConversation(ctx, conv, participants); err != nil {
		return nil, nil, err
	}
	ev := address(events.New(events.ConversationCreated, conv.ID, conv), conv, in.CreatorID)
	return conv, []events.Event{ev}, nil
}

func (s *ChatService) createDirect(ctx context.Context, creatorID uint, members []uint) (*models.Conversation, []events.Event, error) {
	key := models.DirectKeyFor(members[0], members[1])

	existing, err := s.chats.FindDirectConversation(ctx, key)
	if err == nil {
		return existing, nil, nil
	}
	if !models.IsCode(err, models.CodeNotFound) {
		return nil, nil, err
	}

	now := s.now()
	conv := &models.Conversation{
		Type:      models.ConversationDirect,
		CreatedBy: creatorID,
		DirectKey: &key,
	}
	participants := []models.Participant{
		{UserID: members[0], Role: models.RoleMember, JoinedAt: now},
		{UserID: members[1], Role: models.RoleMember, JoinedAt: now},
	}
	err = s.chats.CreateConversation(ctx, conv, participants)
	if errors.Is(err, repository.ErrDirectExists) {
		// Lost the insert race; the winner's row is committed.
		existing, err = s.chats.FindDirectConversation(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		return existing, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	ev := address(events.New(events.ConversationCreated, conv.ID, conv), conv, creatorID)
	return conv, []events.Event{ev}, nil
}

// GetConversation returns the conversation if requesterID is a current participant.
func (s *ChatService) GetConversation(ctx context.Context, convID, requesterID uint) (*models.Conversation, error) {
	conv, p, err := authorize(ctx, s.chats, convID, requesterID, accessMember)
	if err != nil {
		return nil, err
	}
	conv.Muted = p.Muted
	counts, err := s.chats.UnreadCounts(ctx, requesterID, convID)
	if err != nil {
		return nil, err
	}
	conv.UnreadCount = counts[convID]
	return conv, nil
}

// ListConversations returns the user's current conversations, most recently active first.
func (s *ChatService) ListConversations(ctx context.Context, userID uint, includeArchived bool) ([]*models.Conversation, error) {
	convs, err := s.chats.ListUserConversations(ctx, userID, includeArchived)
	if err != nil {
		return nil, err
	}
	counts, err := s.chats.UnreadCounts(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		c.UnreadCount = counts[c.ID]
	}
	return convs, nil
}

// UpdateConversation changes group metadata. Admin only.
func (s *ChatService) UpdateConversation(ctx context.Context, convID, actorID uint, patch ConversationPatch) (*models.Conversation, []events.Event, error) {
	conv, p, err := authorize(ctx, s.chats, convID, actorID, accessMember)
	if err != nil {
		return nil, nil, err
	}
	if conv.IsDirect() {
		return nil, nil, models.NewValidationError("Direct conversations have no editable details")
	}
	if err := requireAdmin(p); err != nil {
		return nil, nil, err
	}

	fields := map[string]interface{}{}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if utf8.RuneCountInString(name) > maxConversationNameLen {
			return nil, nil, models.NewValidationError("Conversation name is too long")
		}
		fields["name"] = name
	}
	if patch.Description != nil {
		if utf8.RuneCountInString(*patch.Description) > maxDescriptionLen {
			return nil, nil, models.NewValidationError("Conversation description is too long")
		}
		fields["description"] = *patch.Description
	}
	if patch.Avatar != nil {
		fields["avatar"] = strings.TrimSpace(*patch.Avatar)
	}
	if len(fields) == 0 {
		return nil, nil, models.NewValidationError("Nothing to update")
	}

	if err := s.chats.UpdateConversation(ctx, convID, fields); err != nil {
		return nil, nil, err
	}
	conv, err = s.chats.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	ev := address(events.New(events.ConversationUpdated, convID, conv), conv, actorID)
	return conv, []events.Event{ev}, nil
}

// ArchiveConversation archives or restores a conversation. Group admins may archive groups;
// either participant may archive a direct conversation. Repeating the current state is a no-op.
func (s *ChatService) ArchiveConversation(ctx context.Context, convID, actorID uint, archived bool) (*models.Conversation, []events.Event, error) {
	conv, p, err := authorize(ctx, s.chats, convID, actorID, accessMember)
	if err != nil {
		return nil, nil, err
	}
	if !conv.IsDirect() {
		if err := requireAdmin(p); err != nil {
			return nil, nil, err
		}
	}
	if conv.IsArchived == archived {
		return conv, nil, nil
	}

	if err := s.chats.SetArchived(ctx, convID, archived, s.now()); err != nil {
		return nil, nil, err
	}
	conv, err = s.chats.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	ev := address(events.New(events.ConversationArchived, convID, conv), conv, actorID)
	return conv, []events.Event{ev}, nil
}

// AddParticipant adds targetID to a group conversation. Admin only.
func (s *ChatService) AddParticipant(ctx context.Context, convID, targetID, actorID uint) (*models.Participant, []events.Event, error) {
	conv, p, err := authorize(ctx, s.chats, convID, actorID, accessMember)
	if err != nil {
		return nil, nil, err
	}
	if conv.IsDirect() {
		return nil, nil, models.NewValidationError("Direct conversations always have exactly two participants")
	}
	if err := requireAdmin(p); err != nil {
		return nil, nil, err
	}
	if err := s.requireActiveUser(ctx, targetID); err != nil {
		return nil, nil, err
	}

	added, err := s.chats.AddParticipant(ctx, convID, targetID, models.RoleMember)
	if err != nil {
		return nil, nil, err
	}
	conv, err = s.chats.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, err
	}

	ev := address(events.New(events.ParticipantAdded, convID, events.ParticipantPayload{
		UserID: targetID, ActorID: actorID, Role: string(added.Role),
	}), conv, actorID)
	ev.UserID = targetID
	evs := []events.Event{ev}

	notice, err := persistSystemMessage(ctx, s.messages, conv, actorID, fmt.Sprintf("user %d added user %d", actorID, targetID))
	if err != nil {
		observability.LogAsyncOperationError(ctx, "system_message", err, map[string]interface{}{"conversation_id": convID})
	} else {
		evs = append(evs, notice)
	}
	return added, evs, nil
}

// RemoveParticipant removes targetID from a group. Admins may remove anyone; any participant may
// remove themselves. promoteID, when non-zero, is made admin in the same transaction.
func (s *ChatService) RemoveParticipant(ctx context.Context, convID, targetID, actorID, promoteID uint) ([]events.Event, error) {
	ctx, span := observability.StartSpan(ctx, "ChatService.RemoveParticipant",
		attribute.Int64("conversation_id", int64(convID)))
	defer span.End()

	before, p, err := authorize(ctx, s.chats, convID, actorID, accessMember)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if before.IsDirect() {
		return nil, models.NewValidationError("Direct conversations always have exactly two participants")
	}
	if targetID != actorID {
		if err := requireAdmin(p); err != nil {
			return nil, err
		}
	}

	if err := s.chats.RemoveParticipant(ctx, convID, targetID, promoteID); err != nil {
		span.SetError(err)
		return nil, err
	}

	removed := address(events.New(events.ParticipantRemoved, convID, events.ParticipantPayload{
		UserID: targetID, ActorID: actorID,
	}), before, actorID)
	removed.UserID = targetID
	evs := []events.Event{removed}

	after, err := s.chats.GetConversation(ctx, convID)
	if err != nil {
		return evs, nil
	}
	if promoteID != 0 {
		promoted := address(events.New(events.ParticipantRoleChange, convID, events.ParticipantPayload{
			UserID: promoteID, ActorID: actorID, Role: string(models.RoleAdmin),
		}), after, actorID)
		promoted.UserID = promoteID
		evs = append(evs, promoted)
	}

	text := fmt.Sprintf("user %d removed user %d", actorID, targetID)
	if targetID == actorID {
		text = fmt.Sprintf("user %d left", targetID)
	}
	if len(after.Participants) > 0 {
		notice, err := persistSystemMessage(ctx, s.messages, after, actorID, text)
		if err != nil {
			observability.LogAsyncOperationError(ctx, "system_message", err, map[string]interface{}{"conversation_id": convID})
		} else {
			evs = append(evs, notice)
		}
	}
	return evs, nil
}

// LeaveConversation removes userID from a group on their own behalf.
func (s *ChatService) LeaveConversation(ctx context.Context, convID, userID, promoteID uint) ([]events.Event, error) {
	return s.RemoveParticipant(ctx, convID, userID, userID, promoteID)
}

// PromoteAdmin makes targetID an admin. Admin only.
func (s *ChatService) PromoteAdmin(ctx context.Context, convID, targetID, actorID uint) ([]events.Event, error) {
	return s.setRole(ctx, convID, targetID, actorID, models.RoleAdmin)
}

// DemoteAdmin makes targetID a member. Demoting the last admin is rejected.
func (s *ChatService) DemoteAdmin(ctx context.Context, convID, targetID, actorID uint) ([]events.Event, error) {
	return s.setRole(ctx, convID, targetID, actorID, models.RoleMember)
}

func (s *ChatService) setRole(ctx context.Context, convID, targetID, actorID uint, role models.ParticipantRole) ([]events.Event, error) {
	conv, p, err := authorize(ctx, s.chats, convID, actorID, accessMember)
	if err != nil {
		return nil, err
	}
	if conv.IsDirect() {
		return nil, models.NewValidationError("Direct conversations have no admins")
	}
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	if target := findParticipant(conv, targetID); target != nil && target.Role == role {
		return nil, nil
	}
	if err := s.chats.SetRole(ctx, convID, targetID, role); err != nil {
		return nil, err
	}

	ev := address(events.New(events.ParticipantRoleChange, convID, events.ParticipantPayload{
		UserID: targetID, ActorID: actorID, Role: string(role),
	}), conv, actorID)
	ev.UserID = targetID
	return []events.Event{ev}, nil
}

// SetMuted changes the caller's own mute flag.
func (s *ChatService) SetMuted(ctx context.Context, convID, userID uint, muted bool) error {
	if _, _, err := authorize(ctx, s.chats, convID, userID, accessMember); err != nil {
		return err
	}
	return s.chats.SetMuted(ctx, convID, userID, muted)
}

// GetParticipants lists current participants.
func (s *ChatService) GetParticipants(ctx context.Context, convID, requesterID uint) ([]models.Participant, error) {
	if _, _, err := authorize(ctx, s.chats, convID, requesterID, accessMember); err != nil {
		return nil, err
	}
	return s.chats.ListParticipants(ctx, convID)
}

// EnsureParticipant fails unless userID currently participates in convID.
func (s *ChatService) EnsureParticipant(ctx context.Context, convID, userID uint) error {
	_, _, err := authorize(ctx, s.chats, convID, userID, accessMember)
	return err
}

// UpdateLastRead advances the read position and reports whether it moved.
func (s *ChatService) UpdateLastRead(ctx context.Context, convID, userID uint, at time.Time) (bool, error) {
	return s.chats.AdvanceLastRead(ctx, convID, userID, at)
}
