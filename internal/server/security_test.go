package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://localhost:5173"

func fromOrigin(t *testing.T, app *fiber.App, method, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(fiber.HeaderOrigin, testOrigin)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestMiddlewareStack_SetsRequestAndSecurityHeaders(t *testing.T) {
	_, app := newTestServer(t, nil)

	resp := fromOrigin(t, app, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderXRequestID))
	assert.Equal(t, "nosniff", resp.Header.Get(fiber.HeaderXContentTypeOptions))
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderXFrameOptions))
	assert.Equal(t, testOrigin, resp.Header.Get(fiber.HeaderAccessControlAllowOrigin))
}

func TestMiddlewareStack_GlobalLimiter(t *testing.T) {
	_, app := newTestServer(t, nil)

	for i := 0; i < 100; i++ {
		resp := fromOrigin(t, app, http.MethodGet, "/health/live")
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
	}

	t.Run("throttled responses keep CORS headers", func(t *testing.T) {
		resp := fromOrigin(t, app, http.MethodGet, "/health/live")
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, testOrigin, resp.Header.Get(fiber.HeaderAccessControlAllowOrigin))
		assert.Equal(t, models.CodeRateLimited, errorCode(t, resp))
	})

	t.Run("preflight bypasses the limiter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/conversations/1", nil)
		req.Header.Set(fiber.HeaderOrigin, testOrigin)
		req.Header.Set(fiber.HeaderAccessControlRequestMethod, http.MethodPatch)
		req.Header.Set(fiber.HeaderAccessControlRequestHeaders, "authorization,content-type")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, testOrigin, resp.Header.Get(fiber.HeaderAccessControlAllowOrigin))
		assert.Contains(t, resp.Header.Get(fiber.HeaderAccessControlAllowMethods), http.MethodPatch)
	})
}

func TestUnknownRoute_ReturnsJSONError(t *testing.T) {
	_, app := newTestServer(t, nil)

	resp := call(t, app, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, models.CodeUnauthorized, errorCode(t, resp))

	resp = call(t, app, http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
