// Package models contains data structures for the application's domain models.
package models

import "time"

// User is the slice of the account record the messaging core reads.
// Accounts are owned by the external identity system.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Avatar    string    `json:"avatar,omitempty"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
