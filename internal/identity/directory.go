package identity

import (
	"context"

	"parley/internal/cache"
	"parley/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// UserDirectory answers account questions owned by the external account system.
type UserDirectory interface {
	IsActive(ctx context.Context, userID uint) (bool, error)
}

// GormDirectory reads the users table, cached in Redis when available.
type GormDirectory struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewGormDirectory returns a directory over db. rdb may be nil.
func NewGormDirectory(db *gorm.DB, rdb *redis.Client) *GormDirectory {
	return &GormDirectory{db: db, rdb: rdb}
}

type cachedAccount struct {
	ID     uint `json:"id"`
	Active bool `json:"active"`
}

// IsActive implements UserDirectory.
func (d *GormDirectory) IsActive(ctx context.Context, userID uint) (bool, error) {
	var acct cachedAccount
	err := cache.Aside(ctx, d.rdb, cache.UserKey(userID), &acct, cache.UserTTL, func() error {
		var u models.User
		if err := d.db.WithContext(ctx).Select("id", "is_active").First(&u, userID).Error; err != nil {
			return models.ClassifyStoreError(err, "User", userID)
		}
		acct = cachedAccount{ID: u.ID, Active: u.IsActive}
		return nil
	})
	if err != nil {
		return false, err
	}
	return acct.Active, nil
}

// Forget drops the cached record for userID, e.g. after deactivation.
func (d *GormDirectory) Forget(ctx context.Context, userID uint) {
	cache.Invalidate(ctx, d.rdb, cache.UserKey(userID))
}
