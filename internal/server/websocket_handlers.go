package server

import (
	"errors"
	"time"

	"parley/internal/events"
	"parley/internal/middleware"
	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const credentialLocal = "wsCredential"

// IssueWSTicket handles POST /api/ws/ticket. Browsers cannot set headers on an upgrade, so they
// exchange their bearer token for a short-lived single-use ticket and put that in the URL.
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	ticket, err := s.tickets.Issue(c.UserContext(), currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"ticket":     ticket,
		"expires_in": int(s.ticketTTL().Seconds()),
	})
}

func (s *Server) ticketTTL() time.Duration {
	if s.config.WSTicketTTL > 0 {
		return s.config.WSTicketTTL
	}
	return time.Minute
}

// WebSocketUpgrade admits upgrade requests carrying a credential: ?ticket= for browsers, or a
// bearer header for other clients. The credential itself is resolved once the socket is open.
func (s *Server) WebSocketUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return models.RespondWithError(c, fiber.StatusUpgradeRequired,
			models.NewValidationError("WebSocket upgrade required"))
	}
	credential := c.Query("ticket")
	if credential == "" {
		credential = middleware.BearerToken(c)
	}
	if credential == "" {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("WebSocket ticket required"))
	}
	c.Locals(credentialLocal, credential)
	return c.Next()
}

// WebSocketHandler registers the connection with the realtime gateway and serves it until it closes.
func (s *Server) WebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		ctx := s.baseContext()
		credential, _ := conn.Locals(credentialLocal).(string)

		session, err := s.gateway.Connect(ctx, credential, conn)
		if err != nil {
			rejectConnection(conn, err)
			return
		}
		s.gateway.Serve(ctx, session)
	})
}

// rejectConnection reports why a socket was refused and closes it.
func rejectConnection(conn *websocket.Conn, err error) {
	code := models.ErrorCode(err)
	message := "Internal server error"
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if raw, merr := events.New(events.Error, 0, events.ErrorPayload{Code: code, Message: message}).Marshal(); merr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}

	closeCode := websocket.ClosePolicyViolation
	switch code {
	case models.CodeConflict, models.CodeUnavailable, models.CodeTransient:
		closeCode = websocket.CloseTryAgainLater
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, message), time.Now().Add(time.Second))
	_ = conn.Close()
}
