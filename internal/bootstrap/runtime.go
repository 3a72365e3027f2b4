// Package bootstrap wires process-level dependencies shared by the commands.
package bootstrap

import (
	"context"
	"fmt"
	"log"

	"parley/internal/cache"
	"parley/internal/config"
	"parley/internal/database"
	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// InitRuntime connects to the database (applying the schema policy) and Redis, then seeds an
// empty development database when DEV_SEED_PRESET is set. The Redis client is nil when Redis
// is unreachable.
func InitRuntime(ctx context.Context, cfg *config.Config) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	rdb := cache.InitRedis(cfg.RedisURL)

	if err := SeedIfEmpty(ctx, db, cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to seed development data: %w", err)
	}
	return db, rdb, nil
}

// SeedIfEmpty applies cfg.DevSeedPreset in development when the users table is empty.
func SeedIfEmpty(ctx context.Context, db *gorm.DB, cfg *config.Config) error {
	if cfg.DevSeedPreset == "" || cfg.Env != "development" {
		return nil
	}
	opts, ok := seed.Presets[cfg.DevSeedPreset]
	if !ok {
		return fmt.Errorf("unknown seed preset %q", cfg.DevSeedPreset)
	}

	var users int64
	if err := db.WithContext(ctx).Model(&models.User{}).Count(&users).Error; err != nil {
		return err
	}
	if users > 0 {
		return nil
	}

	sum, err := seed.NewSeeder(db, opts).Run(ctx)
	if err != nil {
		return err
	}
	log.Printf("development seed %q applied: %d users, %d conversations, %d messages",
		cfg.DevSeedPreset, sum.Users, sum.Conversations, sum.Messages)
	return nil
}

// TracingConfig maps application config onto the tracer settings.
func TracingConfig(cfg *config.Config, serviceName string) observability.TracingConfig {
	return observability.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   cfg.TracingSampleRatio,
	}
}
