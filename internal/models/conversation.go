package models

import (
	"fmt"
	"time"
)

// ConversationType distinguishes one-on-one threads from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	return t == ConversationDirect || t == ConversationGroup
}

// ParticipantRole is the per-conversation role of a participant.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// Conversation is a direct or group thread. Conversations are never hard-deleted.
type Conversation struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	Type        ConversationType `gorm:"size:16;not null;index" json:"type"`
	Name        string           `gorm:"size:120" json:"name,omitempty"`
	Description string           `gorm:"size:1000" json:"description,omitempty"`
	Avatar      string           `json:"avatar,omitempty"`
	CreatedBy   uint             `gorm:"not null" json:"created_by"`
	IsArchived  bool             `gorm:"not null" json:"is_archived"`
	ArchivedAt  *time.Time       `json:"archived_at,omitempty"`
	// DirectKey is "<lowID>:<highID>" for direct conversations and NULL for groups.
	DirectKey     *string       `gorm:"size:64;uniqueIndex" json:"-"`
	LastMessageID *uint         `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time    `gorm:"index" json:"last_message_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Participants  []Participant `gorm:"foreignKey:ConversationID" json:"participants,omitempty"`

	UnreadCount int64 `gorm:"-" json:"unread_count"`
	Muted       bool  `gorm:"-" json:"muted"`
}

// IsDirect reports whether the conversation is a one-on-one thread.
func (c *Conversation) IsDirect() bool {
	return c.Type == ConversationDirect
}

// DirectKeyFor returns the canonical pair key for a direct conversation.
func DirectKeyFor(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// Participant links a user to a conversation. Removal is soft (LeftAt set).
type Participant struct {
	ConversationID uint            `gorm:"primaryKey;autoIncrement:false" json:"conversation_id"`
	UserID         uint            `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	Role           ParticipantRole `gorm:"size:16;not null" json:"role"`
	JoinedAt       time.Time       `gorm:"not null" json:"joined_at"`
	LeftAt         *time.Time      `gorm:"index" json:"left_at,omitempty"`
	Muted          bool            `gorm:"not null" json:"muted"`
	LastReadAt     *time.Time      `json:"last_read_at,omitempty"`
	User           *User           `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// TableName pins the join table name.
func (Participant) TableName() string {
	return "conversation_participants"
}

// IsCurrent reports whether the participant has not left.
func (p *Participant) IsCurrent() bool {
	return p.LeftAt == nil
}

// IsAdmin reports whether the participant is a current admin.
func (p *Participant) IsAdmin() bool {
	return p.IsCurrent() && p.Role == RoleAdmin
}
