// Package server exposes the messaging core over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/config"
	"parley/internal/database"
	"parley/internal/identity"
	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/realtime"
	"parley/internal/repository"
	"parley/internal/service"
	"parley/internal/storage"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const attachmentJanitorInterval = time.Hour

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	chatRepo       repository.ChatRepository
	messageRepo    repository.MessageRepository
	chatService    *service.ChatService
	messageService *service.MessageService

	users   *identity.GormDirectory
	tokens  *identity.JWTProvider
	tickets *identity.TicketStore
	gateway *realtime.Gateway
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient may be nil, in which case tickets, rate limits and cross-process delivery are off.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	store, err := storage.NewDiskStore(cfg.AttachmentDir)
	if err != nil {
		return nil, fmt.Errorf("attachment storage: %w", err)
	}

	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("parley-api"),
		chatRepo:       repository.NewChatRepository(db),
		messageRepo:    repository.NewMessageRepository(db),
	}
	s.users = identity.NewGormDirectory(db, redisClient)
	s.tokens = identity.NewJWTProvider(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, s.users, redisClient)
	s.tickets = identity.NewTicketStore(redisClient, cfg.WSTicketTTL, s.users)

	s.chatService = service.NewChatService(s.chatRepo, s.messageRepo, s.users)
	s.messageService = service.NewMessageService(s.chatRepo, s.messageRepo, store, service.LimitsFromConfig(cfg))

	s.gateway = realtime.NewGateway(realtime.ConfigFromApp(cfg), realtime.Deps{
		Auth:     identity.Chain{s.tickets, s.tokens},
		Members:  s.chatService,
		Messages: s.messageService,
		Redis:    redisClient,
	})
	return s, nil
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				models.NewRateLimitedError("Too many requests, please try again later."))
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")

	// The upgrade authenticates with its own credential, so it sits ahead of the bearer group.
	api.Get("/ws", s.WebSocketUpgrade, s.WebSocketHandler())

	protected := api.Group("", middleware.AuthRequired(s.tokens))
	protected.Post("/ws/ticket", middleware.RateLimit(s.redis, 30, time.Minute, "ws_ticket"), s.IssueWSTicket)
	protected.Get("/presence", s.GetOnlineUsers)
	protected.Get("/unread", s.GetUnreadCounts)

	conversations := protected.Group("/conversations")
	conversations.Post("/", middleware.RateLimit(s.redis, 20, 10*time.Minute, "create_conversation"), s.CreateConversation)
	conversations.Get("/", s.GetConversations)
	// Specific /:id/:resource routes before the generic /:id routes
	conversations.Get("/:id/participants", s.GetParticipants)
	conversations.Post("/:id/participants", s.AddParticipant)
	conversations.Delete("/:id/participants/:userId", s.RemoveParticipant)
	conversations.Post("/:id/leave", s.LeaveConversation)
	conversations.Post("/:id/admins/:userId", s.PromoteAdmin)
	conversations.Delete("/:id/admins/:userId", s.DemoteAdmin)
	conversations.Put("/:id/mute", s.SetMute)
	conversations.Post("/:id/archive", s.ArchiveConversation)
	conversations.Post("/:id/unarchive", s.UnarchiveConversation)
	conversations.Get("/:id/messages/search", middleware.RateLimit(
		s.redis, 10, time.Minute, "search"), s.SearchMessages)
	conversations.Get("/:id/messages", s.GetMessages)
	conversations.Post("/:id/messages", middleware.RateLimit(
		s.redis, 15, time.Minute, "send_chat"), s.SendMessage)
	conversations.Post("/:id/read", s.MarkConversationRead)
	conversations.Get("/:id/typing", s.GetTypingUsers)
	conversations.Patch("/:id", s.UpdateConversation)
	conversations.Get("/:id", s.GetConversation)

	messages := protected.Group("/messages")
	messages.Post("/:id/read", s.MarkMessageRead)
	messages.Post("/:id/attachments", middleware.RateLimit(
		s.redis, 20, time.Minute, "upload"), s.UploadAttachment)
	messages.Get("/:id", s.GetMessage)
	messages.Patch("/:id", s.EditMessage)
	messages.Delete("/:id", s.DeleteMessage)

	attachments := protected.Group("/attachments")
	attachments.Get("/:id", s.GetAttachment)
	attachments.Delete("/:id", s.DeleteAttachment)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now().UTC(),
	})
}

// ReadinessCheck handles readiness probe requests. Redis is optional; a configured but
// unreachable Redis makes the process unready.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if err := database.Ping(ctx, s.db); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"sessions": s.gateway.SessionCount(),
		"time":     time.Now().UTC(),
	})
}

func (s *Server) newApp() *fiber.App {
	bodyLimit := (s.config.AttachmentMaxUploadMB + 1) << 20
	if bodyLimit < 4<<20 {
		bodyLimit = 4 << 20
	}
	app := fiber.New(fiber.Config{
		AppName:   "Parley API",
		BodyLimit: bodyLimit,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled request error",
				slog.String("path", c.Path()), slog.String("error", err.Error()))
			return models.RespondWithError(c, models.StatusForError(err), err)
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

func (s *Server) baseContext() context.Context {
	if s.shutdownCtx != nil {
		return s.shutdownCtx
	}
	return context.Background()
}

// Start wires the realtime gateway, starts background work and listens on the configured port.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel
	s.app = s.newApp()

	if err := s.gateway.Start(ctx); err != nil {
		// Sessions on this process still receive local delivery.
		middleware.Logger.Warn("realtime broker unavailable, delivering locally only",
			slog.String("error", err.Error()))
	}
	s.messageService.StartAttachmentJanitor(ctx, attachmentJanitorInterval)

	middleware.Logger.Info("Server starting", slog.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown closes live sessions first, then the HTTP server and the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.gateway.Shutdown(ctx); err != nil {
		middleware.Logger.Error("error shutting down realtime gateway", slog.String("error", err.Error()))
	}

	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	middleware.Logger.Info("Server shutdown complete")
	return nil
}
