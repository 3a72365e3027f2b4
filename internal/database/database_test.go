package database

import (
	"context"
	"strings"
	"testing"

	"parley/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func TestConfigurePool(t *testing.T) {
	db := openSQLite(t)

	cfg := &config.Config{
		DBMaxOpenConns:           10,
		DBMaxIdleConns:           5,
		DBConnMaxLifetimeMinutes: 15,
	}
	require.NoError(t, configurePool(db, cfg))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 10, sqlDB.Stats().MaxOpenConnections)
}

func TestGetMigrations_EmbeddedCoreSchema(t *testing.T) {
	ms := GetMigrations()
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "messaging_core", ms[0].Name)
	assert.Contains(t, ms[0].UpScript, "conversation_participants")
	assert.True(t, strings.Contains(ms[0].DownScript, "DROP TABLE"))
}

func TestRunMigrations_AppliesOnceAndRollsBack(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	ms := []Migration{
		{Version: 1, Name: "widgets", UpScript: "CREATE TABLE widgets (id INTEGER PRIMARY KEY)", DownScript: "DROP TABLE widgets"},
		{Version: 2, Name: "gadgets", UpScript: "CREATE TABLE gadgets (id INTEGER PRIMARY KEY)", DownScript: "DROP TABLE gadgets"},
	}

	require.NoError(t, RunMigrations(ctx, db, ms))
	require.NoError(t, RunMigrations(ctx, db, ms), "second run is a no-op")

	applied, err := AppliedVersions(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, applied)
	assert.True(t, db.Migrator().HasTable("gadgets"))

	require.NoError(t, RollbackMigration(ctx, db, ms, 2))
	assert.False(t, db.Migrator().HasTable("gadgets"))
	applied, err = AppliedVersions(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, applied)

	assert.Error(t, RollbackMigration(ctx, db, ms, 2), "not applied any more")
}

func TestRunMigrations_RejectsUnknownAppliedVersion(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	_, err := AppliedVersions(ctx, db)
	require.NoError(t, err)
	require.NoError(t, db.Create(&MigrationLog{Version: 99, Name: "future"}).Error)

	err = RunMigrations(ctx, db, []Migration{{Version: 1, Name: "a", UpScript: "SELECT 1", DownScript: "SELECT 1"}})
	assert.Error(t, err)
}

func TestSchemaPolicy(t *testing.T) {
	tests := []struct {
		mode, env        string
		wantSQL, wantAut bool
		wantErr          bool
	}{
		{"", "development", true, true, false},
		{"hybrid", "production", true, false, false},
		{"sql", "development", true, false, false},
		{"auto", "test", false, true, false},
		{"auto", "production", false, false, true},
		{"bogus", "development", false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.mode+"/"+tt.env, func(t *testing.T) {
			runSQL, runAuto, err := schemaPolicy(&config.Config{DBSchemaMode: tt.mode, Env: tt.env})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, runSQL)
			assert.Equal(t, tt.wantAut, runAuto)
		})
	}
}

func TestAutoMigrate_CreatesMessagingTables(t *testing.T) {
	db := openSQLite(t)
	require.NoError(t, AutoMigrate(db))
	for _, table := range []string{"users", "conversations", "conversation_participants", "messages", "message_attachments"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}
