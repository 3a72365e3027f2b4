package models

import (
	"time"

	"gorm.io/gorm"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// Message is a single chat message. SentAt is assigned at persistence and never changes.
type Message struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ConversationID uint           `gorm:"not null;index:idx_messages_conv_sent,priority:1" json:"conversation_id"`
	SenderID       uint           `gorm:"not null;index" json:"sender_id"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	Type           MessageType    `gorm:"size:16;not null" json:"message_type"`
	ReplyToID      *uint          `gorm:"index" json:"reply_to_id,omitempty"`
	IsEdited       bool           `gorm:"not null" json:"is_edited"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	SentAt         time.Time      `gorm:"not null;index:idx_messages_conv_sent,priority:2" json:"sent_at"`
	DeletedBy      *uint          `json:"deleted_by,omitempty"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Attachments    []Attachment   `gorm:"foreignKey:MessageID" json:"attachments,omitempty"`
}

// Attachment is metadata for an uploaded file. The bytes live in object storage under StorageRef.
type Attachment struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	MessageID   uint           `gorm:"not null;index" json:"message_id"`
	FileName    string         `gorm:"size:255;not null" json:"file_name"`
	ContentType string         `gorm:"size:127;not null" json:"content_type"`
	SizeBytes   int64          `gorm:"not null" json:"size_bytes"`
	StorageRef  string         `gorm:"size:255;not null" json:"storage_ref"`
	CreatedAt   time.Time      `json:"created_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName pins the attachment table name.
func (Attachment) TableName() string {
	return "message_attachments"
}
