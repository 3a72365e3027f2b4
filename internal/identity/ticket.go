package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const ticketKeyPrefix = "ws_ticket:"

// TicketStore issues short-lived single-use websocket tickets backed by Redis.
type TicketStore struct {
	rdb   *redis.Client
	ttl   time.Duration
	users UserDirectory
}

// NewTicketStore returns a store. A nil rdb disables tickets.
func NewTicketStore(rdb *redis.Client, ttl time.Duration, users UserDirectory) *TicketStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TicketStore{rdb: rdb, ttl: ttl, users: users}
}

// Issue creates a ticket for userID.
func (s *TicketStore) Issue(ctx context.Context, userID uint) (string, error) {
	if s == nil || s.rdb == nil {
		return "", models.NewTransientError(errors.New("ticket store unavailable"))
	}
	ticket := uuid.NewString()
	if err := s.rdb.Set(ctx, ticketKeyPrefix+ticket, strconv.FormatUint(uint64(userID), 10), s.ttl).Err(); err != nil {
		return "", models.NewTransientError(fmt.Errorf("store ticket: %w", err))
	}
	return ticket, nil
}

// Resolve implements Provider. The ticket is consumed atomically.
func (s *TicketStore) Resolve(ctx context.Context, credential string) (Identity, error) {
	if s == nil || s.rdb == nil {
		return Identity{}, models.NewUnauthorizedError("Invalid or expired WebSocket ticket")
	}
	if _, err := uuid.Parse(credential); err != nil {
		return Identity{}, models.NewUnauthorizedError("Invalid or expired WebSocket ticket")
	}
	val, err := s.rdb.GetDel(ctx, ticketKeyPrefix+credential).Result()
	if errors.Is(err, redis.Nil) {
		return Identity{}, models.NewUnauthorizedError("Invalid or expired WebSocket ticket")
	}
	if err != nil {
		return Identity{}, models.NewTransientError(err)
	}
	userID, err := strconv.ParseUint(val, 10, 32)
	if err != nil || userID == 0 {
		return Identity{}, models.NewUnauthorizedError("Invalid or expired WebSocket ticket")
	}
	return requireActive(ctx, s.users, uint(userID))
}
