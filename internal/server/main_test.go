package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"parley/internal/config"
	"parley/internal/observability"
	"parley/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

func TestMain(m *testing.M) {
	os.Setenv("APP_ENV", "test")
	observability.Config.EnableRepoLogging = false
	observability.Config.EnableWSLogging = false
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:                   "test",
		Port:                  "0",
		JWTSecret:             testSecret,
		JWTIssuer:             "parley-api",
		JWTAudience:           "parley-clients",
		AllowedOrigins:        "http://localhost:5173",
		AttachmentDir:         t.TempDir(),
		AttachmentMaxUploadMB: 1,
		WSTicketTTL:           time.Minute,
		TypingTimeout:         5 * time.Second,
	}
}

// newTestServer builds a server over a fresh SQLite database with the given users seeded.
func newTestServer(t *testing.T, rdb *redis.Client, users ...uint) (*Server, *fiber.App) {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, users...)

	srv, err := NewServerWithDeps(testConfig(t), db, rdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.gateway.Shutdown(context.Background()) })
	return srv, srv.newApp()
}

func (s *Server) testToken(t *testing.T, userID uint) string {
	t.Helper()
	token, err := s.tokens.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func call(t *testing.T, app *fiber.App, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var e apiError
	decode(t, resp, &e)
	return e.Code
}
