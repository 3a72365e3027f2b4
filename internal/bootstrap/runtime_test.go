package bootstrap

import (
	"context"
	"testing"

	"parley/internal/config"
	"parley/internal/models"
	"parley/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedIfEmpty(t *testing.T) {
	ctx := context.Background()

	t.Run("seeds an empty development database", func(t *testing.T) {
		db := testutil.NewSQLiteDB(t)
		cfg := &config.Config{Env: "development", DevSeedPreset: "small"}
		require.NoError(t, SeedIfEmpty(ctx, db, cfg))

		var users int64
		require.NoError(t, db.Model(&models.User{}).Count(&users).Error)
		assert.Equal(t, int64(10), users)
	})

	t.Run("leaves existing data alone", func(t *testing.T) {
		db := testutil.NewSQLiteDB(t)
		testutil.SeedUsers(t, db, 1)
		cfg := &config.Config{Env: "development", DevSeedPreset: "small"}
		require.NoError(t, SeedIfEmpty(ctx, db, cfg))

		var users int64
		require.NoError(t, db.Model(&models.User{}).Count(&users).Error)
		assert.Equal(t, int64(1), users)
	})

	t.Run("only in development", func(t *testing.T) {
		db := testutil.NewSQLiteDB(t)
		cfg := &config.Config{Env: "production", DevSeedPreset: "small"}
		require.NoError(t, SeedIfEmpty(ctx, db, cfg))

		var users int64
		require.NoError(t, db.Model(&models.User{}).Count(&users).Error)
		assert.Zero(t, users)
	})

	t.Run("unknown preset", func(t *testing.T) {
		db := testutil.NewSQLiteDB(t)
		cfg := &config.Config{Env: "development", DevSeedPreset: "galaxy"}
		assert.Error(t, SeedIfEmpty(ctx, db, cfg))
	})
}

func TestTracingConfig(t *testing.T) {
	cfg := &config.Config{
		Env:                "staging",
		TracingEnabled:     true,
		TracingExporter:    "otlp",
		OTLPEndpoint:       "collector:4318",
		TracingSampleRatio: 0.25,
	}
	tc := TracingConfig(cfg, "parley-api")
	assert.Equal(t, "parley-api", tc.ServiceName)
	assert.Equal(t, "staging", tc.Environment)
	assert.True(t, tc.Enabled)
	assert.Equal(t, "otlp", tc.Exporter)
	assert.Equal(t, "collector:4318", tc.OTLPEndpoint)
	assert.Equal(t, 0.25, tc.SamplerRatio)
}
