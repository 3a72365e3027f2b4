package repository

import (
	"context"
	"strings"
	"time"

	"parley/internal/models"
	"parley/internal/observability"

	"gorm.io/gorm"
)

// MessageFilter selects a page of conversation history. Before and After bound sent_at
// (exclusive); BeforeID and AfterID are message cursors and may be combined with them.
type MessageFilter struct {
	Before   *time.Time
	After    *time.Time
	BeforeID uint
	AfterID  uint
	Search   string
	Limit    int
	Offset   int
}

// MessageRepository defines message and attachment persistence.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id uint) (*models.Message, error)
	ListMessages(ctx context.Context, convID uint, filter MessageFilter) ([]*models.Message, error)
	SearchMessages(ctx context.Context, convID uint, term string, limit int) ([]*models.Message, error)
	UpdateContent(ctx context.Context, id uint, content string, editedAt time.Time) (*models.Message, error)
	SoftDelete(ctx context.Context, id, deletedBy uint) (*models.Message, error)
	LatestMessage(ctx context.Context, convID uint) (*models.Message, error)
	SendersBetween(ctx context.Context, convID uint, after *time.Time, upTo time.Time, exclude uint) ([]uint, error)

	CreateAttachment(ctx context.Context, att *models.Attachment) error
	GetAttachment(ctx context.Context, id uint) (*models.Attachment, error)
	DeleteAttachment(ctx context.Context, id uint) error
	PurgeableAttachments(ctx context.Context, deletedBefore time.Time, limit int) ([]models.Attachment, error)
	PurgeAttachment(ctx context.Context, id uint) error
}

type messageRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
	now func() time.Time
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db, log: observability.NewRepoLogger("messages"), now: storeNow}
}

// CreateMessage stamps SentAt, inserts the message with its attachments, and advances the
// conversation's last-message pointer if this message is the newest, all in one transaction.
func (r *messageRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer observability.TrackQuery("create", "messages")()

	msg.SentAt = r.now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Where("last_message_at IS NULL OR last_message_at < ? OR (last_message_at = ? AND last_message_id < ?)",
				msg.SentAt, msg.SentAt, msg.ID).
			Updates(map[string]interface{}{
				"last_message_id": msg.ID,
				"last_message_at": msg.SentAt,
			}).Error
	})
	if err != nil {
		r.log.LogError(ctx, err, "create")
		return models.ClassifyStoreError(err, "Conversation", msg.ConversationID)
	}
	r.log.LogCreate(ctx, map[string]interface{}{"message_id": msg.ID, "conversation_id": msg.ConversationID})
	return nil
}

// GetMessage returns a non-deleted message with its live attachments.
func (r *messageRepository) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).Preload("Attachments").First(&msg, id).Error; err != nil {
		return nil, models.ClassifyStoreError(err, "Message", id)
	}
	return &msg, nil
}

func (r *messageRepository) cursor(ctx context.Context, convID, id uint) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Unscoped().
		Where("id = ? AND conversation_id = ?", id, convID).
		First(&msg).Error
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Message", id)
	}
	return &msg, nil
}

// ListMessages returns a chronological page. With only a lower bound (After or AfterID) the
// oldest matching page is returned; otherwise the newest.
func (r *messageRepository) ListMessages(ctx context.Context, convID uint, filter MessageFilter) ([]*models.Message, error) {
	defer observability.TrackQuery("select", "messages")()

	q := r.db.WithContext(ctx).Preload("Attachments").Where("conversation_id = ?", convID)
	if term := strings.TrimSpace(filter.Search); term != "" {
		q = containsText(q, term)
	}
	if filter.Before != nil {
		q = q.Where("sent_at < ?", filter.Before.UTC())
	}
	if filter.After != nil {
		q = q.Where("sent_at > ?", filter.After.UTC())
	}

	ascending := (filter.After != nil || filter.AfterID != 0) && filter.Before == nil && filter.BeforeID == 0
	if filter.BeforeID != 0 {
		c, err := r.cursor(ctx, convID, filter.BeforeID)
		if err != nil {
			return nil, err
		}
		q = q.Where("sent_at < ? OR (sent_at = ? AND id < ?)", c.SentAt, c.SentAt, c.ID)
	}
	if filter.AfterID != 0 {
		c, err := r.cursor(ctx, convID, filter.AfterID)
		if err != nil {
			return nil, err
		}
		q = q.Where("sent_at > ? OR (sent_at = ? AND id > ?)", c.SentAt, c.SentAt, c.ID)
	}

	if ascending {
		q = q.Order("sent_at ASC, id ASC")
	} else {
		q = q.Order("sent_at DESC, id DESC")
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var msgs []*models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, models.ClassifyStoreError(err, "Conversation", convID)
	}

	if !ascending {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// SearchMessages returns case-insensitive substring matches, newest first.
func (r *messageRepository) SearchMessages(ctx context.Context, convID uint, term string, limit int) ([]*models.Message, error) {
	defer observability.TrackQuery("search", "messages")()

	var msgs []*models.Message
	err := r.db.WithContext(ctx).
		Preload("Attachments").
		Where("conversation_id = ?", convID).
		Scopes(func(db *gorm.DB) *gorm.DB { return containsText(db, term) }).
		Order("sent_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Conversation", convID)
	}
	return msgs, nil
}

// UpdateContent rewrites a live message's content and marks it edited.
func (r *messageRepository) UpdateContent(ctx context.Context, id uint, content string, editedAt time.Time) (*models.Message, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"content": content, "is_edited": true, "edited_at": editedAt})
	if res.Error != nil {
		return nil, models.ClassifyStoreError(res.Error, "Message", id)
	}
	if res.RowsAffected == 0 {
		return nil, models.NewNotFoundError("Message", id)
	}
	r.log.LogUpdate(ctx, map[string]interface{}{"message_id": id})
	return r.GetMessage(ctx, id)
}

// SoftDelete hides a message and its attachments. When the message was the conversation's
// latest, the pointer moves to the newest remaining message, or is cleared.
func (r *messageRepository) SoftDelete(ctx context.Context, id, deletedBy uint) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&msg, id).Error; err != nil {
			return err
		}
		now := r.now()

		res := tx.Model(&models.Message{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{"deleted_at": now, "deleted_by": deletedBy})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewNotFoundError("Message", id)
		}
		if err := tx.Model(&models.Attachment{}).
			Where("message_id = ?", id).
			Update("deleted_at", now).Error; err != nil {
			return err
		}
		msg.DeletedAt = gorm.DeletedAt{Time: now, Valid: true}
		msg.DeletedBy = &deletedBy

		var conv models.Conversation
		if err := forUpdate(tx).First(&conv, msg.ConversationID).Error; err != nil {
			return err
		}
		if conv.LastMessageID == nil || *conv.LastMessageID != id {
			return nil
		}

		var latest models.Message
		if err := tx.Where("conversation_id = ?", msg.ConversationID).
			Order("sent_at DESC, id DESC").
			Limit(1).Find(&latest).Error; err != nil {
			return err
		}
		pointer := map[string]interface{}{"last_message_id": nil, "last_message_at": nil}
		if latest.ID != 0 {
			pointer = map[string]interface{}{"last_message_id": latest.ID, "last_message_at": latest.SentAt}
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(pointer).Error
	})
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Message", id)
	}
	r.log.LogDelete(ctx, map[string]interface{}{"message_id": id, "deleted_by": deletedBy})
	return &msg, nil
}

// LatestMessage returns the newest live message, or NotFound for an empty conversation.
func (r *messageRepository) LatestMessage(ctx context.Context, convID uint) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("sent_at DESC, id DESC").
		First(&msg).Error
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Message", convID)
	}
	return &msg, nil
}

// SendersBetween lists distinct senders of live messages in (after, upTo], excluding one user.
func (r *messageRepository) SendersBetween(ctx context.Context, convID uint, after *time.Time, upTo time.Time, exclude uint) ([]uint, error) {
	q := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sent_at <= ? AND sender_id <> ?", convID, upTo, exclude)
	if after != nil {
		q = q.Where("sent_at > ?", *after)
	}
	var ids []uint
	if err := q.Distinct().Order("sender_id").Pluck("sender_id", &ids).Error; err != nil {
		return nil, models.ClassifyStoreError(err, "Conversation", convID)
	}
	return ids, nil
}

func (r *messageRepository) CreateAttachment(ctx context.Context, att *models.Attachment) error {
	if err := r.db.WithContext(ctx).Create(att).Error; err != nil {
		return models.ClassifyStoreError(err, "Message", att.MessageID)
	}
	r.log.LogCreate(ctx, map[string]interface{}{"attachment_id": att.ID, "message_id": att.MessageID})
	return nil
}

func (r *messageRepository) GetAttachment(ctx context.Context, id uint) (*models.Attachment, error) {
	var att models.Attachment
	if err := r.db.WithContext(ctx).First(&att, id).Error; err != nil {
		return nil, models.ClassifyStoreError(err, "Attachment", id)
	}
	return &att, nil
}

func (r *messageRepository) DeleteAttachment(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&models.Attachment{}, id)
	if res.Error != nil {
		return models.ClassifyStoreError(res.Error, "Attachment", id)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("Attachment", id)
	}
	r.log.LogDelete(ctx, map[string]interface{}{"attachment_id": id})
	return nil
}

// PurgeableAttachments returns soft-deleted attachments older than the cutoff.
func (r *messageRepository) PurgeableAttachments(ctx context.Context, deletedBefore time.Time, limit int) ([]models.Attachment, error) {
	var atts []models.Attachment
	err := r.db.WithContext(ctx).Unscoped().
		Where("deleted_at IS NOT NULL AND deleted_at < ?", deletedBefore).
		Order("id ASC").
		Limit(limit).
		Find(&atts).Error
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Attachment", 0)
	}
	return atts, nil
}

// PurgeAttachment removes the attachment row permanently.
func (r *messageRepository) PurgeAttachment(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).Unscoped().Delete(&models.Attachment{}, id).Error; err != nil {
		return models.ClassifyStoreError(err, "Attachment", id)
	}
	return nil
}
