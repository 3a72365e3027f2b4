package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"parley/internal/models"
	"parley/internal/observability"

	"gorm.io/gorm"
)

// ErrDirectExists is returned by CreateConversation when the direct pair already has a thread.
var ErrDirectExists = errors.New("direct conversation already exists")

// ChatRepository defines conversation and participant persistence.
type ChatRepository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation, participants []models.Participant) error
	GetConversation(ctx context.Context, id uint) (*models.Conversation, error)
	FindDirectConversation(ctx context.Context, key string) (*models.Conversation, error)
	ListUserConversations(ctx context.Context, userID uint, includeArchived bool) ([]*models.Conversation, error)
	UpdateConversation(ctx context.Context, id uint, fields map[string]interface{}) error
	SetArchived(ctx context.Context, id uint, archived bool, at time.Time) error

	GetParticipant(ctx context.Context, convID, userID uint) (*models.Participant, error)
	ListParticipants(ctx context.Context, convID uint) ([]models.Participant, error)
	AddParticipant(ctx context.Context, convID, userID uint, role models.ParticipantRole) (*models.Participant, error)
	RemoveParticipant(ctx context.Context, convID, userID, promoteID uint) error
	SetRole(ctx context.Context, convID, userID uint, role models.ParticipantRole) error
	SetMuted(ctx context.Context, convID, userID uint, muted bool) error
	AdvanceLastRead(ctx context.Context, convID, userID uint, at time.Time) (bool, error)
	UnreadCounts(ctx context.Context, userID uint, convID uint) (map[uint]int64, error)
}

type chatRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db, log: observability.NewRepoLogger("conversations")}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}

// CreateConversation inserts the conversation and its participant rows in one transaction.
// A direct-key collision returns ErrDirectExists.
func (r *chatRepository) CreateConversation(ctx context.Context, conv *models.Conversation, participants []models.Participant) error {
	defer observability.TrackQuery("create", "conversations")()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Participants").Create(conv).Error; err != nil {
			return err
		}
		for i := range participants {
			participants[i].ConversationID = conv.ID
		}
		if len(participants) > 0 {
			if err := tx.Omit("User").Create(&participants).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if conv.DirectKey != nil && isUniqueViolation(err) {
			return ErrDirectExists
		}
		r.log.LogError(ctx, err, "create")
		return models.ClassifyStoreError(err, "Conversation", conv.ID)
	}
	conv.Participants = participants
	r.log.LogCreate(ctx, map[string]interface{}{"conversation_id": conv.ID, "type": conv.Type})
	return nil
}

func (r *chatRepository) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants", "left_at IS NULL").
		First(&conv, id).Error
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Conversation", id)
	}
	return &conv, nil
}

func (r *chatRepository) FindDirectConversation(ctx context.Context, key string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants", "left_at IS NULL").
		Where("direct_key = ?", key).
		First(&conv).Error
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Conversation", key)
	}
	return &conv, nil
}

func (r *chatRepository) ListUserConversations(ctx context.Context, userID uint, includeArchived bool) ([]*models.Conversation, error) {
	q := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON cp.conversation_id = conversations.id AND cp.user_id = ? AND cp.left_at IS NULL", userID).
		Preload("Participants", "left_at IS NULL")
	if !includeArchived {
		q = q.Where("conversations.is_archived = ?", false)
	}

	var conversations []*models.Conversation
	err := q.
		Order("CASE WHEN conversations.last_message_at IS NULL THEN 1 ELSE 0 END").
		Order("conversations.last_message_at DESC").
		Order("conversations.updated_at DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Conversation", userID)
	}

	for _, c := range conversations {
		for _, p := range c.Participants {
			if p.UserID == userID {
				c.Muted = p.Muted
			}
		}
	}
	return conversations, nil
}

func (r *chatRepository) UpdateConversation(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return models.ClassifyStoreError(res.Error, "Conversation", id)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("Conversation", id)
	}
	r.log.LogUpdate(ctx, map[string]interface{}{"conversation_id": id})
	return nil
}

func (r *chatRepository) SetArchived(ctx context.Context, id uint, archived bool, at time.Time) error {
	fields := map[string]interface{}{"is_archived": archived, "archived_at": nil}
	if archived {
		fields["archived_at"] = at
	}
	return r.UpdateConversation(ctx, id, fields)
}

// GetParticipant returns the row for (convID, userID), including rows of users who left.
func (r *chatRepository) GetParticipant(ctx context.Context, convID, userID uint) (*models.Participant, error) {
	var p models.Participant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		First(&p).Error
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Participant", userID)
	}
	return &p, nil
}

// ListParticipants returns current participants ordered by join time.
func (r *chatRepository) ListParticipants(ctx context.Context, convID uint) ([]models.Participant, error) {
	var ps []models.Participant
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("conversation_id = ? AND left_at IS NULL", convID).
		Order("joined_at ASC, user_id ASC").
		Find(&ps).Error
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Conversation", convID)
	}
	return ps, nil
}

// AddParticipant inserts a participant or reactivates one who left. The read position starts at the
// join time, so history from before the join never counts as unread.
func (r *chatRepository) AddParticipant(ctx context.Context, convID, userID uint, role models.ParticipantRole) (*models.Participant, error) {
	var out models.Participant
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Participant
		err := forUpdate(tx).
			Where("conversation_id = ? AND user_id = ?", convID, userID).
			Limit(1).Find(&existing).Error
		if err != nil {
			return err
		}
		now := storeNow()

		if existing.ConversationID != 0 {
			if existing.IsCurrent() {
				return models.NewConflictError("user is already a participant")
			}
			if err := tx.Model(&models.Participant{}).
				Where("conversation_id = ? AND user_id = ?", convID, userID).
				Updates(map[string]interface{}{"left_at": nil, "joined_at": now, "last_read_at": now, "role": role, "muted": false}).Error; err != nil {
				return err
			}
			existing.LeftAt = nil
			existing.JoinedAt = now
			existing.LastReadAt = &now
			existing.Role = role
			existing.Muted = false
			out = existing
			return nil
		}

		out = models.Participant{ConversationID: convID, UserID: userID, Role: role, JoinedAt: now, LastReadAt: &now}
		return tx.Omit("User").Create(&out).Error
	})
	if err != nil {
		return nil, models.ClassifyStoreError(err, "Conversation", convID)
	}
	r.log.LogCreate(ctx, map[string]interface{}{"conversation_id": convID, "user_id": userID})
	return &out, nil
}

// RemoveParticipant soft-removes userID. When userID is the last current admin, promoteID (if non-zero)
// is promoted in the same transaction; without a promotion the removal is refused unless nobody else remains.
func (r *chatRepository) RemoveParticipant(ctx context.Context, convID, userID, promoteID uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current []models.Participant
		if err := forUpdate(tx).
			Where("conversation_id = ? AND left_at IS NULL", convID).
			Find(&current).Error; err != nil {
			return err
		}

		var target *models.Participant
		otherAdmins, others := 0, 0
		var promote *models.Participant
		for i := range current {
			p := &current[i]
			if p.UserID == userID {
				target = p
				continue
			}
			others++
			if p.Role == models.RoleAdmin {
				otherAdmins++
			}
			if promoteID != 0 && p.UserID == promoteID {
				promote = p
			}
		}
		if target == nil {
			return models.NewNotFoundError("Participant", userID)
		}
		if promoteID != 0 && promote == nil {
			return models.NewValidationError("promotion target must be a current participant")
		}

		if target.Role == models.RoleAdmin && otherAdmins == 0 && others > 0 {
			if promote == nil {
				return models.NewConflictError("cannot remove the last admin without promoting another participant")
			}
		}
		if promote != nil && promote.Role != models.RoleAdmin {
			if err := tx.Model(&models.Participant{}).
				Where("conversation_id = ? AND user_id = ?", convID, promote.UserID).
				Update("role", models.RoleAdmin).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.Participant{}).
			Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", convID, userID).
			Update("left_at", storeNow()).Error
	})
	if err != nil {
		return models.ClassifyStoreError(err, "Conversation", convID)
	}
	r.log.LogDelete(ctx, map[string]interface{}{"conversation_id": convID, "user_id": userID, "promoted": promoteID})
	return nil
}

// SetRole changes a current participant's role, refusing to demote the last admin.
func (r *chatRepository) SetRole(ctx context.Context, convID, userID uint, role models.ParticipantRole) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var admins []models.Participant
		if err := forUpdate(tx).
			Where("conversation_id = ? AND left_at IS NULL AND role = ?", convID, models.RoleAdmin).
			Find(&admins).Error; err != nil {
			return err
		}
		if role == models.RoleMember && len(admins) == 1 && admins[0].UserID == userID {
			return models.NewConflictError("cannot demote the last admin")
		}

		res := tx.Model(&models.Participant{}).
			Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", convID, userID).
			Update("role", role)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewNotFoundError("Participant", userID)
		}
		return nil
	})
	return models.ClassifyStoreError(err, "Conversation", convID)
}

func (r *chatRepository) SetMuted(ctx context.Context, convID, userID uint, muted bool) error {
	res := r.db.WithContext(ctx).Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", convID, userID).
		Update("muted", muted)
	if res.Error != nil {
		return models.ClassifyStoreError(res.Error, "Participant", userID)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("Participant", userID)
	}
	return nil
}

// AdvanceLastRead moves the read position forward to at. It never moves it backward and
// reports whether the row changed.
func (r *chatRepository) AdvanceLastRead(ctx context.Context, convID, userID uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", convID, userID).
		Where("last_read_at IS NULL OR last_read_at < ?", at).
		Update("last_read_at", at)
	if res.Error != nil {
		return false, models.ClassifyStoreError(res.Error, "Participant", userID)
	}
	return res.RowsAffected > 0, nil
}

type unreadRow struct {
	ConversationID uint
	Unread         int64
}

// UnreadCounts counts messages from others newer than the user's read position, per current
// conversation. convID narrows the result to one conversation when non-zero.
func (r *chatRepository) UnreadCounts(ctx context.Context, userID uint, convID uint) (map[uint]int64, error) {
	q := r.db.WithContext(ctx).
		Table("conversation_participants AS cp").
		Select("cp.conversation_id AS conversation_id, COUNT(m.id) AS unread").
		Joins(`LEFT JOIN messages m ON m.conversation_id = cp.conversation_id
			AND m.deleted_at IS NULL
			AND m.sender_id <> cp.user_id
			AND (cp.last_read_at IS NULL OR m.sent_at > cp.last_read_at)`).
		Where("cp.user_id = ? AND cp.left_at IS NULL", userID)
	if convID != 0 {
		q = q.Where("cp.conversation_id = ?", convID)
	}

	var rows []unreadRow
	if err := q.Group("cp.conversation_id").Scan(&rows).Error; err != nil {
		return nil, models.ClassifyStoreError(err, "Participant", userID)
	}

	out := make(map[uint]int64, len(rows))
	for _, row := range rows {
		out[row.ConversationID] = row.Unread
	}
	return out, nil
}
