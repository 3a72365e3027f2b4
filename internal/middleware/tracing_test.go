package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"parley/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := observability.Tracer
	observability.Tracer = tp.Tracer("test")
	t.Cleanup(func() {
		observability.Tracer = prev
		_ = tp.Shutdown(t.Context())
	})
	return recorder
}

func TestTracingMiddleware(t *testing.T) {
	recorder := recordSpans(t)

	app := fiber.New()
	app.Use(TracingMiddleware())
	app.Get("/health/live", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/api/conversations/:id", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/api/broken", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusInternalServerError) })

	t.Run("names spans by route pattern", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/conversations/42", nil))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Len(t, resp.Header.Get("X-Trace-ID"), 32)

		spans := recorder.Ended()
		require.NotEmpty(t, spans)
		last := spans[len(spans)-1]
		assert.Equal(t, "GET /api/conversations/:id", last.Name())
		assert.Equal(t, codes.Unset, last.Status().Code)
	})

	t.Run("server errors mark the span", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/broken", nil))
		require.NoError(t, err)
		_ = resp.Body.Close()

		spans := recorder.Ended()
		assert.Equal(t, codes.Error, spans[len(spans)-1].Status().Code)
	})

	t.Run("health checks are not traced", func(t *testing.T) {
		before := len(recorder.Ended())
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health/live", nil))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Empty(t, resp.Header.Get("X-Trace-ID"))
		assert.Len(t, recorder.Ended(), before)
	})
}
