package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"parley/internal/identity"
	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type providerStub struct {
	resolveFn func(context.Context, string) (identity.Identity, error)
}

func (p providerStub) Resolve(ctx context.Context, credential string) (identity.Identity, error) {
	return p.resolveFn(ctx, credential)
}

func TestAuthRequired(t *testing.T) {
	provider := providerStub{resolveFn: func(_ context.Context, cred string) (identity.Identity, error) {
		switch cred {
		case "good":
			return identity.Identity{UserID: 123, Active: true}, nil
		case "flaky":
			return identity.Identity{}, models.NewTransientError(assert.AnError)
		default:
			return identity.Identity{}, models.NewUnauthorizedError("Invalid or expired token")
		}
	}}

	app := fiber.New()
	app.Get("/test", AuthRequired(provider), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"userID": UserID(c)})
	})

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		expectedUserID uint
	}{
		{"Happy Path", "Bearer good", http.StatusOK, 123},
		{"Lowercase scheme", "bearer good", http.StatusOK, 123},
		{"Missing Header", "", http.StatusUnauthorized, 0},
		{"Invalid Format", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, 0},
		{"Rejected Token", "Bearer bad", http.StatusUnauthorized, 0},
		{"Directory Unavailable", "Bearer flaky", http.StatusServiceUnavailable, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			resp, err := app.Test(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusOK {
				var body map[string]interface{}
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, float64(tt.expectedUserID), body["userID"])
			}
		})
	}
}
