package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"parley/internal/models"
	"parley/internal/repository"
	"parley/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetMessages handles GET /api/conversations/:id/messages?before=&after=&q=&limit=&offset=
func (s *Server) GetMessages(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	beforeID, beforeAt, err := parseCursor(c, "before")
	if err != nil {
		return nil
	}
	afterID, afterAt, err := parseCursor(c, "after")
	if err != nil {
		return nil
	}
	page := parsePagination(c, defaultPageSize)

	msgs, err := s.messageService.ListMessages(c.UserContext(), convID, currentUser(c), repository.MessageFilter{
		Before:   beforeAt,
		After:    afterAt,
		BeforeID: beforeID,
		AfterID:  afterID,
		Search:   strings.TrimSpace(c.Query("q")),
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msgs)
}

// SendMessage handles POST /api/conversations/:id/messages. JSON bodies carry text only;
// multipart bodies may add files under "files", which are stored with the message.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		Content     string `json:"content" form:"content"`
		MessageType string `json:"message_type,omitempty" form:"message_type"`
		ReplyToID   *uint  `json:"reply_to_id,omitempty" form:"reply_to_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	var uploads []service.Upload
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		uploads, err = s.readUploads(c, "files")
		if err != nil {
			return nil
		}
	}

	msgType := models.MessageType(req.MessageType)
	if msgType == "" {
		msgType = models.MessageText
	}
	msg, evs, err := s.messageService.SendMessage(c.UserContext(), service.SendMessageInput{
		ConversationID: convID,
		SenderID:       currentUser(c),
		Content:        req.Content,
		Type:           msgType,
		ReplyToID:      req.ReplyToID,
		Uploads:        uploads,
	})
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// readUploads loads every file under field. On failure it writes the response and
// returns errResponseWritten.
func (s *Server) readUploads(c *fiber.Ctx, field string) ([]service.Upload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		_ = badRequest(c, "Invalid multipart body")
		return nil, errResponseWritten
	}
	maxBytes := int64(s.config.AttachmentMaxUploadMB) << 20

	uploads := make([]service.Upload, 0, len(form.File[field]))
	for _, fh := range form.File[field] {
		if maxBytes > 0 && fh.Size > maxBytes {
			_ = badRequest(c, "Attachment is too large")
			return nil, errResponseWritten
		}
		data, err := readFormFile(fh)
		if err != nil {
			_ = respondError(c, models.NewInternalError(err))
			return nil, errResponseWritten
		}
		uploads = append(uploads, service.Upload{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get(fiber.HeaderContentType),
			Data:        data,
		})
	}
	return uploads, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

// SearchMessages handles GET /api/conversations/:id/messages/search?q=&limit=
func (s *Server) SearchMessages(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	term := strings.TrimSpace(c.Query("q"))
	if term == "" {
		return badRequest(c, "Search query is required")
	}

	msgs, err := s.messageService.SearchMessages(c.UserContext(), convID, currentUser(c), term, c.QueryInt("limit", 0))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msgs)
}

// MarkConversationRead handles POST /api/conversations/:id/read
func (s *Server) MarkConversationRead(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	evs, err := s.messageService.MarkConversationRead(c.UserContext(), convID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.JSON(fiber.Map{"conversation_id": convID, "advanced": len(evs) > 0})
}

// GetTypingUsers handles GET /api/conversations/:id/typing
func (s *Server) GetTypingUsers(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.chatService.EnsureParticipant(c.UserContext(), convID, currentUser(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"conversation_id": convID,
		"user_ids":        s.gateway.TypingUsers(convID),
	})
}

// GetMessage handles GET /api/messages/:id
func (s *Server) GetMessage(c *fiber.Ctx) error {
	msgID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	msg, err := s.messageService.GetMessage(c.UserContext(), msgID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// EditMessage handles PATCH /api/messages/:id
func (s *Server) EditMessage(c *fiber.Ctx) error {
	msgID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	msg, evs, err := s.messageService.EditMessage(c.UserContext(), msgID, currentUser(c), req.Content)
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.JSON(msg)
}

// DeleteMessage handles DELETE /api/messages/:id
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	msgID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	evs, err := s.messageService.DeleteMessage(c.UserContext(), msgID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.JSON(fiber.Map{"message": "Message deleted"})
}

// MarkMessageRead handles POST /api/messages/:id/read
func (s *Server) MarkMessageRead(c *fiber.Ctx) error {
	msgID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	evs, err := s.messageService.MarkMessageRead(c.UserContext(), msgID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.JSON(fiber.Map{"message_id": msgID, "advanced": len(evs) > 0})
}

// UploadAttachment handles POST /api/messages/:id/attachments (multipart field "file").
func (s *Server) UploadAttachment(c *fiber.Ctx) error {
	msgID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "file is required")
	}
	maxBytes := int64(s.config.AttachmentMaxUploadMB) << 20
	if maxBytes > 0 && fh.Size > maxBytes {
		return badRequest(c, "Attachment is too large")
	}

	data, err := readFormFile(fh)
	if err != nil {
		return respondError(c, models.NewInternalError(err))
	}

	att, evs, err := s.messageService.UploadAttachment(c.UserContext(), msgID, currentUser(c),
		fh.Filename, fh.Header.Get("Content-Type"), data)
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.Status(fiber.StatusCreated).JSON(att)
}

// GetAttachment handles GET /api/attachments/:id and streams the stored bytes.
func (s *Server) GetAttachment(c *fiber.Ctx) error {
	attID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	att, data, err := s.messageService.OpenAttachment(c.UserContext(), attID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	c.Set(fiber.HeaderContentType, att.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", att.FileName))
	return c.Send(data)
}

// DeleteAttachment handles DELETE /api/attachments/:id
func (s *Server) DeleteAttachment(c *fiber.Ctx) error {
	attID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	evs, err := s.messageService.DeleteAttachment(c.UserContext(), attID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	s.deliver(c, evs)
	return c.JSON(fiber.Map{"message": "Attachment deleted"})
}

// GetUnreadCounts handles GET /api/unread?conversation_id=
func (s *Server) GetUnreadCounts(c *fiber.Ctx) error {
	convID, err := parseQueryID(c, "conversation_id")
	if err != nil {
		return nil
	}
	counts, err := s.messageService.GetUnreadCount(c.UserContext(), currentUser(c), convID)
	if err != nil {
		return respondError(c, err)
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	return c.JSON(fiber.Map{"counts": counts, "total": total})
}

// GetOnlineUsers handles GET /api/presence
func (s *Server) GetOnlineUsers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"user_ids": s.gateway.OnlineUserIDs(c.UserContext())})
}
