package middleware

import (
	"context"
	"strings"

	"parley/internal/identity"
	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(c *fiber.Ctx) string {
	parts := strings.SplitN(c.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthRequired resolves the bearer credential through provider and stores the user ID in locals.
func AuthRequired(provider identity.Provider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := BearerToken(c)
		if token == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization required"))
		}

		id, err := provider.Resolve(c.UserContext(), token)
		if err != nil {
			return models.RespondWithError(c, models.StatusForError(err), err)
		}

		c.Locals("userID", id.UserID)
		c.SetUserContext(context.WithValue(c.UserContext(), UserIDKey, id.UserID))
		return c.Next()
	}
}

// UserID returns the authenticated user ID stored by AuthRequired.
func UserID(c *fiber.Ctx) uint {
	id, _ := c.Locals("userID").(uint)
	return id
}
