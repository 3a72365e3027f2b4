package repository

import (
	"os"
	"testing"

	"parley/internal/observability"
)

func TestMain(m *testing.M) {
	os.Setenv("APP_ENV", "test")
	observability.Config.EnableRepoLogging = false
	os.Exit(m.Run())
}
