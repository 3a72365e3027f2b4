package service

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"parley/internal/config"
	"parley/internal/events"
	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/repository"
	"parley/internal/storage"

	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultPageSize   = 50
	maxPageSize       = 100
	defaultSearchSize = 20
	purgeBatchSize    = 100
)

// MessageLimits bounds message content, edits, search and uploads.
type MessageLimits struct {
	MaxLength           int
	EditWindow          time.Duration
	SearchMaxResults    int
	MaxUploadBytes      int64
	AttachmentRetention time.Duration
}

// LimitsFromConfig reads MessageLimits from application config.
func LimitsFromConfig(cfg *config.Config) MessageLimits {
	return MessageLimits{
		MaxLength:           cfg.MessageMaxLength,
		EditWindow:          cfg.MessageEditWindow,
		SearchMaxResults:    cfg.SearchMaxResults,
		MaxUploadBytes:      int64(cfg.AttachmentMaxUploadMB) << 20,
		AttachmentRetention: cfg.AttachmentRetention,
	}
}

func (l MessageLimits) withDefaults() MessageLimits {
	if l.MaxLength <= 0 {
		l.MaxLength = 4000
	}
	if l.EditWindow <= 0 {
		l.EditWindow = 24 * time.Hour
	}
	if l.SearchMaxResults <= 0 {
		l.SearchMaxResults = 50
	}
	if l.MaxUploadBytes <= 0 {
		l.MaxUploadBytes = 10 << 20
	}
	if l.AttachmentRetention <= 0 {
		l.AttachmentRetention = 72 * time.Hour
	}
	return l
}

// MessageService provides message, read-state and attachment business logic.
type MessageService struct {
	chats    repository.ChatRepository
	messages repository.MessageRepository
	store    storage.ObjectStore
	limits   MessageLimits
	now      func() time.Time

	janitorOnce sync.Once
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	ConversationID uint
	SenderID       uint
	Content        string
	Type           models.MessageType
	ReplyToID      *uint
	Attachments    []models.Attachment
	// Uploads are raw files stored alongside the message in the same send.
	Uploads []Upload
}

// Upload is a file received with a send, before it has a storage reference.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// NewMessageService returns a new MessageService. store may be nil when uploads are disabled.
func NewMessageService(chats repository.ChatRepository, messages repository.MessageRepository, store storage.ObjectStore, limits MessageLimits) *MessageService {
	return &MessageService{
		chats:    chats,
		messages: messages,
		store:    store,
		limits:   limits.withDefaults(),
		now:      utcNow,
	}
}

func (s *MessageService) checkContent(content string, hasAttachments bool, t models.MessageType) error {
	if content == "" {
		if !hasAttachments || (t != models.MessageImage && t != models.MessageFile) {
			return models.NewValidationError("Message content is required")
		}
	}
	if utf8.RuneCountInString(content) > s.limits.MaxLength {
		return models.NewValidationError("Message content is too long")
	}
	return nil
}

// SendMessage persists a message from a current participant and returns it with its
// message_created event.
func (s *MessageService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, []events.Event, error) {
	ctx, span := observability.StartSpan(ctx, "MessageService.SendMessage",
		attribute.Int64("conversation_id", int64(in.ConversationID)),
		attribute.Int64("sender_id", int64(in.SenderID)))
	defer span.End()

	msg, evs, err := s.sendMessage(ctx, in)
	span.SetError(err)
	return msg, evs, err
}

func (s *MessageService) sendMessage(ctx context.Context, in SendMessageInput) (*models.Message, []events.Event, error) {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() {
		return nil, nil, models.NewValidationError("Unknown message type")
	}
	if in.Type == models.MessageSystem {
		return nil, nil, models.NewValidationError("System messages cannot be sent by clients")
	}
	content := strings.TrimSpace(in.Content)
	if err := s.checkContent(content, len(in.Attachments)+len(in.Uploads) > 0, in.Type); err != nil {
		return nil, nil, err
	}
	for _, u := range in.Uploads {
		if err := s.checkUpload(u.Data); err != nil {
			return nil, nil, err
		}
	}
	for _, a := range in.Attachments {
		if a.StorageRef == "" || a.FileName == "" {
			return nil, nil, models.NewValidationError("Attachments need a storage reference and file name")
		}
	}

	conv, _, err := authorize(ctx, s.chats, in.ConversationID, in.SenderID, accessMember)
	if err != nil {
		return nil, nil, err
	}
	if conv.IsArchived {
		return nil, nil, models.NewForbiddenError("Conversation is archived")
	}

	if in.ReplyToID != nil {
		target, err := s.messages.GetMessage(ctx, *in.ReplyToID)
		if err != nil {
			if models.IsCode(err, models.CodeNotFound) {
				return nil, nil, models.NewValidationError("Reply target does not exist")
			}
			return nil, nil, err
		}
		if target.ConversationID != conv.ID {
			return nil, nil, models.NewValidationError("Reply target belongs to another conversation")
		}
	}

	atts := make([]models.Attachment, 0, len(in.Attachments)+len(in.Uploads))
	for _, a := range in.Attachments {
		atts = append(atts, models.Attachment{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
			StorageRef:  a.StorageRef,
		})
	}
	stored, err := s.storeUploads(ctx, in.Uploads)
	if err != nil {
		return nil, nil, err
	}
	atts = append(atts, stored...)
	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Content:        content,
		Type:           in.Type,
		ReplyToID:      in.ReplyToID,
		Attachments:    atts,
	}
	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		s.discardObjects(ctx, stored)
		return nil, nil, err
	}
	observability.MessageThroughput.WithLabelValues(string(msg.Type)).Inc()

	ev := address(events.New(events.MessageCreated, conv.ID, msg), conv, in.SenderID)
	return msg, []events.Event{ev}, nil
}

// SendSystemMessage records a system notice on behalf of actorID. It performs no participant check.
func (s *MessageService) SendSystemMessage(ctx context.Context, convID, actorID uint, content string) ([]events.Event, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, models.NewValidationError("Message content is required")
	}
	conv, err := s.chats.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	ev, err := persistSystemMessage(ctx, s.messages, conv, actorID, content)
	if err != nil {
		return nil, err
	}
	return []events.Event{ev}, nil
}

// GetMessage returns a live message visible to requesterID.
func (s *MessageService) GetMessage(ctx context.Context, messageID, requesterID uint) (*models.Message, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, _, err := authorize(ctx, s.chats, msg.ConversationID, requesterID, accessMember); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a chronological page of the conversation's history.
func (s *MessageService) ListMessages(ctx context.Context, convID, requesterID uint, filter repository.MessageFilter) ([]*models.Message, error) {
	if _, _, err := authorize(ctx, s.chats, convID, requesterID, accessMember); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.messages.ListMessages(ctx, convID, filter)
}

// SearchMessages finds messages containing term, newest first.
func (s *MessageService) SearchMessages(ctx context.Context, convID, requesterID uint, term string, limit int) ([]*models.Message, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, models.NewValidationError("Search term is required")
	}
	if _, _, err := authorize(ctx, s.chats, convID, requesterID, accessMember); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSearchSize
	}
	if limit > s.limits.SearchMaxResults {
		limit = s.limits.SearchMaxResults
	}
	return s.messages.SearchMessages(ctx, convID, term, limit)
}

// EditMessage replaces the content of the caller's own message inside the edit window.
func (s *MessageService) EditMessage(ctx context.Context, messageID, requesterID uint, content string) (*models.Message, []events.Event, error) {
	ctx, span := observability.StartSpan(ctx, "MessageService.EditMessage",
		attribute.Int64("message_id", int64(messageID)))
	defer span.End()

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		span.SetError(err)
		return nil, nil, err
	}
	conv, _, err := authorize(ctx, s.chats, msg.ConversationID, requesterID, accessMember)
	if err != nil {
		return nil, nil, err
	}
	if msg.SenderID != requesterID || msg.Type == models.MessageSystem {
		return nil, nil, models.NewForbiddenError("Only the sender can edit this message")
	}
	now := s.now()
	if now.Sub(msg.SentAt) > s.limits.EditWindow {
		return nil, nil, models.NewForbiddenError("The edit window for this message has passed")
	}
	content = strings.TrimSpace(content)
	if err := s.checkContent(content, len(msg.Attachments) > 0, msg.Type); err != nil {
		return nil, nil, err
	}

	updated, err := s.messages.UpdateContent(ctx, messageID, content, now)
	if err != nil {
		span.SetError(err)
		return nil, nil, err
	}
	ev := address(events.New(events.MessageEdited, conv.ID, updated), conv, requesterID)
	return updated, []events.Event{ev}, nil
}

// DeleteMessage soft-deletes a message. The sender or a conversation admin may delete.
func (s *MessageService) DeleteMessage(ctx context.Context, messageID, requesterID uint) ([]events.Event, error) {
	ctx, span := observability.StartSpan(ctx, "MessageService.DeleteMessage",
		attribute.Int64("message_id", int64(messageID)))
	defer span.End()

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	conv, p, err := authorize(ctx, s.chats, msg.ConversationID, requesterID, accessMember)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != requesterID && p.Role != models.RoleAdmin {
		return nil, models.NewForbiddenError("Only the sender or an admin can delete this message")
	}

	deleted, err := s.messages.SoftDelete(ctx, messageID, requesterID)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	ev := address(events.New(events.MessageDeleted, conv.ID, events.DeletedPayload{
		MessageID:      deleted.ID,
		ConversationID: deleted.ConversationID,
		DeletedAt:      deleted.DeletedAt.Time,
		DeletedBy:      requesterID,
	}), conv, requesterID)
	return []events.Event{ev}, nil
}

// MarkMessageRead advances the caller's read position to the message. Reading one's own message is a no-op.
func (s *MessageService) MarkMessageRead(ctx context.Context, messageID, userID uint) ([]events.Event, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, p, err := authorize(ctx, s.chats, msg.ConversationID, userID, accessMember)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == userID {
		return nil, nil
	}
	return s.readTo(ctx, conv, p, msg.SentAt, msg.ID)
}

// MarkConversationRead advances the caller's read position to the newest message.
func (s *MessageService) MarkConversationRead(ctx context.Context, convID, userID uint) ([]events.Event, error) {
	conv, p, err := authorize(ctx, s.chats, convID, userID, accessMember)
	if err != nil {
		return nil, err
	}
	if conv.LastMessageAt == nil || conv.LastMessageID == nil {
		return nil, nil
	}
	return s.readTo(ctx, conv, p, *conv.LastMessageAt, *conv.LastMessageID)
}

func (s *MessageService) readTo(ctx context.Context, conv *models.Conversation, p *models.Participant, at time.Time, messageID uint) ([]events.Event, error) {
	previous := p.LastReadAt
	advanced, err := s.chats.AdvanceLastRead(ctx, conv.ID, p.UserID, at)
	if err != nil {
		return nil, err
	}
	if !advanced {
		return nil, nil
	}

	senders, err := s.messages.SendersBetween(ctx, conv.ID, previous, at, p.UserID)
	if err != nil {
		return nil, err
	}
	ev := address(events.New(events.MessageRead, conv.ID, events.ReadPayload{
		UserID:     p.UserID,
		LastReadAt: at,
		MessageID:  messageID,
	}), conv, p.UserID)
	ev.UserID = p.UserID
	ev.PreferredUserIDs = senders
	return []events.Event{ev}, nil
}

// GetUnreadCount returns unread counts keyed by conversation. convID narrows to one conversation.
func (s *MessageService) GetUnreadCount(ctx context.Context, userID, convID uint) (map[uint]int64, error) {
	if convID != 0 {
		if _, _, err := authorize(ctx, s.chats, convID, userID, accessMember); err != nil {
			return nil, err
		}
	}
	return s.chats.UnreadCounts(ctx, userID, convID)
}

// UploadAttachment stores data and attaches it to the caller's message.
func (s *MessageService) UploadAttachment(ctx context.Context, messageID, requesterID uint, fileName, contentType string, data []byte) (*models.Attachment, []events.Event, error) {
	if err := s.checkUpload(data); err != nil {
		return nil, nil, err
	}

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	conv, _, err := authorize(ctx, s.chats, msg.ConversationID, requesterID, accessMember)
	if err != nil {
		return nil, nil, err
	}
	if msg.SenderID != requesterID {
		return nil, nil, models.NewForbiddenError("Only the sender can attach files to this message")
	}

	stored, err := s.storeUploads(ctx, []Upload{{FileName: fileName, ContentType: contentType, Data: data}})
	if err != nil {
		return nil, nil, err
	}
	att := &stored[0]
	att.MessageID = messageID
	if err := s.messages.CreateAttachment(ctx, att); err != nil {
		s.discardObjects(ctx, stored)
		return nil, nil, err
	}

	evs, err := s.refreshed(ctx, conv, messageID, requesterID)
	if err != nil {
		return att, nil, nil
	}
	return att, evs, nil
}

func (s *MessageService) checkUpload(data []byte) error {
	if s.store == nil {
		return models.NewInternalError(errors.New("attachment storage is not configured"))
	}
	if len(data) == 0 {
		return models.NewValidationError("Attachment is empty")
	}
	if int64(len(data)) > s.limits.MaxUploadBytes {
		return models.NewValidationError("Attachment is too large")
	}
	return nil
}

// storeUploads writes each upload to the object store and returns unsaved attachment rows.
// If any write fails, the objects already written are removed.
func (s *MessageService) storeUploads(ctx context.Context, uploads []Upload) ([]models.Attachment, error) {
	atts := make([]models.Attachment, 0, len(uploads))
	for _, u := range uploads {
		fileName := strings.TrimSpace(filepath.Base(u.FileName))
		if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
			fileName = "file"
		}
		contentType := u.ContentType
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = http.DetectContentType(u.Data)
		}

		ref, err := s.store.Put(ctx, u.Data, contentType)
		if err != nil {
			s.discardObjects(ctx, atts)
			return nil, models.NewInternalError(err)
		}
		atts = append(atts, models.Attachment{
			FileName:    fileName,
			ContentType: contentType,
			SizeBytes:   int64(len(u.Data)),
			StorageRef:  ref,
		})
	}
	return atts, nil
}

func (s *MessageService) discardObjects(ctx context.Context, atts []models.Attachment) {
	for _, a := range atts {
		if a.StorageRef == "" {
			continue
		}
		if err := s.store.Delete(ctx, a.StorageRef); err != nil {
			observability.LogAsyncOperationError(ctx, "attachment_cleanup", err, map[string]interface{}{"ref": a.StorageRef})
		}
	}
}

// DeleteAttachment soft-deletes an attachment. The sender or an admin may delete.
func (s *MessageService) DeleteAttachment(ctx context.Context, attachmentID, requesterID uint) ([]events.Event, error) {
	att, err := s.messages.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	msg, err := s.messages.GetMessage(ctx, att.MessageID)
	if err != nil {
		return nil, err
	}
	conv, p, err := authorize(ctx, s.chats, msg.ConversationID, requesterID, accessMember)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != requesterID && p.Role != models.RoleAdmin {
		return nil, models.NewForbiddenError("Only the sender or an admin can remove this attachment")
	}
	if err := s.messages.DeleteAttachment(ctx, attachmentID); err != nil {
		return nil, err
	}
	return s.refreshed(ctx, conv, msg.ID, requesterID)
}

// OpenAttachment returns an attachment's bytes to a current participant.
func (s *MessageService) OpenAttachment(ctx context.Context, attachmentID, requesterID uint) (*models.Attachment, []byte, error) {
	if s.store == nil {
		return nil, nil, models.NewNotFoundError("Attachment", attachmentID)
	}
	att, err := s.messages.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.GetMessage(ctx, att.MessageID, requesterID); err != nil {
		return nil, nil, err
	}
	data, err := s.store.Get(ctx, att.StorageRef)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, models.NewNotFoundError("Attachment", attachmentID)
	}
	if err != nil {
		return nil, nil, models.NewInternalError(err)
	}
	return att, data, nil
}

func (s *MessageService) refreshed(ctx context.Context, conv *models.Conversation, messageID, actorID uint) ([]events.Event, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return []events.Event{address(events.New(events.MessageEdited, conv.ID, msg), conv, actorID)}, nil
}

// PurgeAttachments removes stored bytes and rows for attachments deleted longer ago than the
// retention period. It returns how many were purged.
func (s *MessageService) PurgeAttachments(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-s.limits.AttachmentRetention)
	purged := 0
	for {
		batch, err := s.messages.PurgeableAttachments(ctx, cutoff, purgeBatchSize)
		if err != nil {
			return purged, err
		}
		for _, att := range batch {
			if err := s.store.Delete(ctx, att.StorageRef); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return purged, err
			}
			if err := s.messages.PurgeAttachment(ctx, att.ID); err != nil {
				return purged, err
			}
			purged++
			observability.AttachmentsPurged.Inc()
		}
		if len(batch) < purgeBatchSize {
			return purged, nil
		}
	}
}

// StartAttachmentJanitor runs PurgeAttachments every interval until ctx is done. Only the first
// call starts a loop.
func (s *MessageService) StartAttachmentJanitor(ctx context.Context, interval time.Duration) {
	s.janitorOnce.Do(func() {
		if interval <= 0 {
			interval = time.Hour
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := s.PurgeAttachments(ctx); err != nil {
						observability.LogAsyncOperationError(ctx, "attachment_janitor", err, map[string]interface{}{"purged": n})
					}
				}
			}
		}()
	})
}
