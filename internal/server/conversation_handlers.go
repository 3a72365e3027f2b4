package server

import (
	"parley/internal/models"
	"parley/internal/service"

	"github.com/gofiber/fiber/v2"
)

// CreateConversation handles POST /api/conversations. Creating a direct conversation that
// already exists returns it with 200 instead of 201.
func (s *Server) CreateConversation(c *fiber.Ctx) error {
	var req struct {
		Type           string `json:"type"`
		Name           string `json:"name,omitempty"`
		Description    string `json:"description,omitempty"`
		Avatar         string `json:"avatar,omitempty"`
		ParticipantIDs []uint `json:"participant_ids"`
		AdminIDs       []uint `json:"admin_ids,omitempty"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	conv, evs, err := s.chatService.CreateConversation(c.UserContext(), service.CreateConversationInput{
		CreatorID:      currentUser(c),
		Type:           models.ConversationType(req.Type),
		Name:           req.Name,
		Description:    req.Description,
		Avatar:         req.Avatar,
		ParticipantIDs: req.ParticipantIDs,
		AdminIDs:       req.AdminIDs,
	})
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)

	if len(evs) == 0 {
		return c.JSON(conv)
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// GetConversations handles GET /api/conversations?include_archived=
func (s *Server) GetConversations(c *fiber.Ctx) error {
	convs, err := s.chatService.ListConversations(c.UserContext(), currentUser(c), c.QueryBool("include_archived"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(convs)
}

// GetConversation handles GET /api/conversations/:id
func (s *Server) GetConversation(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	conv, err := s.chatService.GetConversation(c.UserContext(), convID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(conv)
}

// UpdateConversation handles PATCH /api/conversations/:id
func (s *Server) UpdateConversation(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var patch service.ConversationPatch
	if err := c.BodyParser(&patch); err != nil {
		return badRequest(c, "Invalid request body")
	}

	conv, evs, err := s.chatService.UpdateConversation(c.UserContext(), convID, currentUser(c), patch)
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.JSON(conv)
}

// ArchiveConversation handles POST /api/conversations/:id/archive
func (s *Server) ArchiveConversation(c *fiber.Ctx) error {
	return s.setArchived(c, true)
}

// UnarchiveConversation handles POST /api/conversations/:id/unarchive
func (s *Server) UnarchiveConversation(c *fiber.Ctx) error {
	return s.setArchived(c, false)
}

func (s *Server) setArchived(c *fiber.Ctx, archived bool) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	conv, evs, err := s.chatService.ArchiveConversation(c.UserContext(), convID, currentUser(c), archived)
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.JSON(conv)
}

// GetParticipants handles GET /api/conversations/:id/participants
func (s *Server) GetParticipants(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	participants, err := s.chatService.GetParticipants(c.UserContext(), convID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(participants)
}

// AddParticipant handles POST /api/conversations/:id/participants
func (s *Server) AddParticipant(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 {
		return badRequest(c, "user_id is required")
	}

	p, evs, err := s.chatService.AddParticipant(c.UserContext(), convID, req.UserID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.Status(fiber.StatusCreated).JSON(p)
}

// RemoveParticipant handles DELETE /api/conversations/:id/participants/:userId?promote=
func (s *Server) RemoveParticipant(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}
	promoteID, err := parseQueryID(c, "promote")
	if err != nil {
		return nil
	}

	evs, err := s.chatService.RemoveParticipant(c.UserContext(), convID, targetID, currentUser(c), promoteID)
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.JSON(fiber.Map{"message": "Participant removed"})
}

// LeaveConversation handles POST /api/conversations/:id/leave?promote=
func (s *Server) LeaveConversation(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	promoteID, err := parseQueryID(c, "promote")
	if err != nil {
		return nil
	}

	evs, err := s.chatService.LeaveConversation(c.UserContext(), convID, currentUser(c), promoteID)
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.JSON(fiber.Map{"message": "Left conversation"})
}

// PromoteAdmin handles POST /api/conversations/:id/admins/:userId
func (s *Server) PromoteAdmin(c *fiber.Ctx) error {
	return s.changeRole(c, models.RoleAdmin)
}

// DemoteAdmin handles DELETE /api/conversations/:id/admins/:userId
func (s *Server) DemoteAdmin(c *fiber.Ctx) error {
	return s.changeRole(c, models.RoleMember)
}

func (s *Server) changeRole(c *fiber.Ctx, role models.ParticipantRole) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}

	ctx := c.UserContext()
	actorID := currentUser(c)
	if role == models.RoleAdmin {
		evs, err := s.chatService.PromoteAdmin(ctx, convID, targetID, actorID)
		if err != nil {
			return respondError(c, err)
		}
		s.deliver(c, evs)
	} else {
		evs, err := s.chatService.DemoteAdmin(ctx, convID, targetID, actorID)
		if err != nil {
			return respondError(c, err)
		}
		s.deliver(c, evs)
	}
	return c.JSON(fiber.Map{"user_id": targetID, "role": role})
}

// SetMute handles PUT /api/conversations/:id/mute
func (s *Server) SetMute(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		Muted *bool `json:"muted"`
	}
	if err := c.BodyParser(&req); err != nil || req.Muted == nil {
		return badRequest(c, "muted is required")
	}

	if err := s.chatService.SetMuted(c.UserContext(), convID, currentUser(c), *req.Muted); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"conversation_id": convID, "muted": *req.Muted})
}
