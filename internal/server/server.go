// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"log/slog"
	"time"

	"duet/internal/bootstrap"
	"duet/internal/config"
	"duet/internal/featureflags"
	"duet/internal/middleware"
	"duet/internal/models"
	"duet/internal/notifications"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	rt             *bootstrap.Runtime
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	feedHub        *notifications.Hub
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
}

// NewServer creates a server over an initialized runtime and builds its
// Fiber app.
func NewServer(rt *bootstrap.Runtime) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         rt.Config,
		rt:             rt,
		promMiddleware: middleware.InitMetrics("duet-api"),
		feedHub:        notifications.NewHub("feed hub"),
		shutdownCtx:    ctx,
		shutdownFn:     cancel,
	}

	app := fiber.New(fiber.Config{
		AppName:   "duet",
		BodyLimit: int(rt.Config.MediaMaxUploadBytes()) + 1<<20,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		},
	})
	s.app = app
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return s
}

// App returns the Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
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

	app.Use(helmet.New(helmet.Config{CrossOriginResourcePolicy: "cross-origin"}))
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: origins != "*",
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || !s.config.IsProduction()
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
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

	app.Get("/media/*", s.ServeMedia)

	redis := s.rt.Redis
	api := app.Group("/api", middleware.IdentityRequired(s.config.JWTSecret, false))

	posts := api.Group("/posts")
	posts.Get("/", s.ListPosts)
	posts.Post("/", middleware.RateLimit(redis, 30, time.Minute, "create_post"), s.CreatePost)
	// Specific /:id/:resource routes before the generic /:id routes
	posts.Post("/:id/like", s.LikePost)
	posts.Post("/:id/comments", middleware.RateLimit(redis, 60, time.Minute, "create_comment"), s.AddComment)
	posts.Get("/:id/comments/:commentId", s.GetComment)
	posts.Post("/:id/comments/:commentId/like", s.LikeComment)
	posts.Post("/:id/comments/:commentId/replies", middleware.RateLimit(redis, 60, time.Minute, "create_reply"), s.AddReply)
	posts.Get("/:id/comments/:commentId/replies/:replyId", s.GetReply)
	posts.Post("/:id/comments/:commentId/replies/:replyId/like", s.LikeReply)
	posts.Get("/:id", s.GetPost)
	posts.Put("/:id", s.EditPost)
	posts.Delete("/:id", s.DeletePost)

	api.Get("/features", s.GetFeatureFlags)
	api.Post("/media", middleware.RateLimit(redis, 20, time.Minute, "upload_media"), s.UploadMedia)

	call := api.Group("/call", s.FeatureRequired(featureflags.CallSignaling))
	call.Get("/", s.GetCall)
	call.Post("/ring", s.RingCall)
	call.Post("/answer", s.AnswerCall)
	call.Post("/end", s.EndCall)

	// Browsers cannot set headers on websocket upgrades, so the token may
	// come from the query string here.
	ws := app.Group("/ws", middleware.IdentityRequired(s.config.JWTSecret, true), s.upgradeRequired)
	ws.Get("/feed", s.WebSocketFeedHandler())
	ws.Get("/call", s.FeatureRequired(featureflags.CallSignaling), s.WebSocketCallHandler())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck handles readiness probe requests
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	storeStatus := "healthy"
	if p, ok := s.rt.Store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			storeStatus = "unhealthy"
		}
	}

	redisStatus := "disabled"
	if s.rt.Redis != nil {
		redisStatus = "healthy"
		if err := s.rt.Redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if storeStatus == "unhealthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"store":          storeStatus,
			"store_backend":  s.config.StoreBackend,
			"redis":          redisStatus,
			"feed_listeners": s.rt.Feed.Subscribers(),
		},
		"time": time.Now(),
	})
}

// FeatureRequired rejects participants outside the flag's rollout with 403.
// Must be placed after IdentityRequired.
func (s *Server) FeatureRequired(flag string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		pid, _ := c.Locals(middleware.ParticipantLocal).(string)
		if !s.rt.Flags.Enabled(flag, pid) {
			return models.RespondWithError(c, fiber.StatusForbidden,
				models.NewForbiddenError("Feature not enabled"))
		}
		return c.Next()
	}
}

// Start runs the background workers and listens until Shutdown.
func (s *Server) Start() error {
	if err := s.rt.Start(s.shutdownCtx); err != nil {
		return err
	}
	middleware.Logger.Info("server starting",
		slog.String("port", s.config.Port),
		slog.String("store_backend", s.config.StoreBackend),
	)
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownFn()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		middleware.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
	}
	if err := s.feedHub.Shutdown(ctx); err != nil {
		middleware.Logger.Error("error shutting down feed hub", slog.String("error", err.Error()))
	}
	if err := s.rt.Close(ctx); err != nil {
		middleware.Logger.Error("error closing runtime", slog.String("error", err.Error()))
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
