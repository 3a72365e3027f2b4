package server

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"

	"parley/internal/events"
	"parley/internal/middleware"
	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten means a parse helper already wrote the 400. Handlers return nil on it
// so the fiber error handler leaves the body alone.
var errResponseWritten = errors.New("response already written")

type Pagination struct {
	Limit  int
	Offset int
}

const (
	defaultPageSize    = 50
	maxPaginationLimit = 100
)

// parsePagination reads ?limit and ?offset, clamping limit to (0, maxPaginationLimit].
func parsePagination(c *fiber.Ctx, defaultLimit int) Pagination {
	p := Pagination{
		Limit:  c.QueryInt("limit", defaultLimit),
		Offset: max(c.QueryInt("offset", 0), 0),
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	p.Limit = min(p.Limit, maxPaginationLimit)
	return p
}

// parseID reads a positive route parameter or writes a 400 and returns errResponseWritten.
func parseID(c *fiber.Ctx, param string) (uint, error) {
	id, err := c.ParamsInt(param)
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+humanizeParam(param)))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// parseQueryID reads an optional positive id from the query string. Missing means 0.
func parseQueryID(c *fiber.Ctx, key string) (uint, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+humanizeParam(key)))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// parseCursor reads an optional history bound: an RFC3339 timestamp, or else a message ID.
func parseCursor(c *fiber.Ctx, key string) (uint, *time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil, nil
	}
	// An unencoded "+hh:mm" offset arrives with the plus decoded to a space.
	if at, err := time.Parse(time.RFC3339Nano, strings.ReplaceAll(raw, " ", "+")); err == nil {
		return 0, &at, nil
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+key+": expected an RFC3339 timestamp or a message ID"))
		return 0, nil, errResponseWritten
	}
	return uint(id), nil, nil
}

// humanizeParam turns "userId" or "conversation_id" into the label used in error messages.
func humanizeParam(param string) string {
	if param == "id" {
		return "ID"
	}
	if strings.HasSuffix(param, "_id") {
		return strings.ReplaceAll(strings.TrimSuffix(param, "_id"), "_", " ") + " ID"
	}
	if strings.HasSuffix(param, "Id") {
		words := splitCamel(param[:len(param)-2])
		return strings.ToLower(strings.Join(words, " ")) + " ID"
	}
	return param
}

func splitCamel(s string) []string {
	var words []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			words = append(words, s[start:i])
			start = i
		}
	}
	words = append(words, s[start:])
	return words
}

// respondError writes err with the HTTP status its error code maps to.
func respondError(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, models.StatusForError(err), err)
}

func badRequest(c *fiber.Ctx, message string) error {
	return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError(message))
}

func currentUser(c *fiber.Ctx) uint {
	return middleware.UserID(c)
}

// deliver hands service events to the realtime gateway. Delivery never fails the request.
func (s *Server) deliver(c *fiber.Ctx, evs []events.Event) {
	if s.gateway == nil || len(evs) == 0 {
		return
	}
	s.gateway.Deliver(c.UserContext(), evs...)
}
