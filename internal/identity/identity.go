// Package identity resolves connection and request credentials to users.
package identity

import (
	"context"
	"errors"

	"parley/internal/models"
)

// Identity is a resolved, authenticated user.
type Identity struct {
	UserID uint `json:"user_id"`
	Active bool `json:"active"`
}

// Provider resolves an opaque credential to an Identity.
// Implementations return an UNAUTHORIZED AppError for unknown, expired, or inactive credentials.
type Provider interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// Chain tries each provider in order and returns the first successful resolution.
type Chain []Provider

// Resolve implements Provider.
func (c Chain) Resolve(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, models.NewUnauthorizedError("Credential required")
	}
	var lastErr error
	for _, p := range c {
		if p == nil {
			continue
		}
		id, err := p.Resolve(ctx, credential)
		if err == nil {
			return id, nil
		}
		// Non-auth failures (e.g. the user directory is down) stop the chain.
		if !models.IsCode(err, models.CodeUnauthorized) {
			return Identity{}, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = models.NewUnauthorizedError("Invalid credential")
	}
	return Identity{}, lastErr
}

var errInactive = models.NewUnauthorizedError("Account is inactive")

func requireActive(ctx context.Context, users UserDirectory, userID uint) (Identity, error) {
	if users == nil {
		return Identity{UserID: userID, Active: true}, nil
	}
	active, err := users.IsActive(ctx, userID)
	if err != nil {
		if models.IsCode(err, models.CodeNotFound) {
			return Identity{}, models.NewUnauthorizedError("Unknown user")
		}
		return Identity{}, err
	}
	if !active {
		return Identity{}, errInactive
	}
	return Identity{UserID: userID, Active: true}, nil
}

// IsInactive reports whether err signals a known but deactivated account.
func IsInactive(err error) bool {
	return errors.Is(err, errInactive)
}
