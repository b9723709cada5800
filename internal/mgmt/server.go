// Package mgmt exposes the kernel over a Fiber HTTP API.
package mgmt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/resource-kernel/internal/kernel"
	"github.com/p-blackswan/resource-kernel/internal/requestid"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
	BodyLimit   int
}

// Server is the management API Fiber application.
type Server struct {
	app     *fiber.App
	limiter *rateLimiter
	logger  zerolog.Logger
	config  ServerConfig
}

// NewServer creates and configures a new management API server.
func NewServer(cfg ServerConfig, k *kernel.Kernel, logger zerolog.Logger) *Server {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 16 * 1024 * 1024
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		// Params and query values end up stored in the backends.
		Immutable:             true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             cfg.BodyLimit,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "mgmt_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(NewHandlers(k, logger), k)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.Ensure(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORSOrigins,
			AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods:  "GET, POST, PATCH, DELETE, OPTIONS",
			ExposeHeaders: "X-Request-ID, X-Export-Manifest, X-Export-Chunks",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit)
		go s.limiter.sweep(5*time.Minute, 10*time.Minute)
		s.app.Use(s.limiter.handler())
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Int("status", c.Response().StatusCode()).
			Dur("duration", time.Since(start)).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("mgmt api request")
		return err
	})
}

func (s *Server) setupRoutes(h *Handlers, k *kernel.Kernel) {
	// Probe endpoints; the auth middleware lets these through.
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	s.app.Get("/metrics", adaptor.HTTPHandler(k.Metrics().Handler()))

	v1 := s.app.Group("/api/v1")

	v1.Get("/types", h.Types)
	v1.Get("/health", h.HealthDetail)
	v1.Get("/audit", h.Audit)

	v1.Get("/resources/:id", h.GetResource)
	v1.Patch("/resources/:id", h.PatchResource)
	v1.Delete("/resources/:id", h.DeleteResource)

	ws := v1.Group("/workspaces/:ws")
	ws.Post("/resources", h.CreateResource)
	ws.Get("/resources", h.ListResources)
	ws.Post("/resources/query", h.QueryResources)
	ws.Get("/search", h.Search)
	ws.Get("/migrations", h.PendingMigrations)
	ws.Post("/migrations", h.RunMigrations)
	ws.Get("/export", h.Export)
	ws.Get("/export/chunks", h.ExportChunks)
	ws.Get("/export/chunks/:index", h.ExportChunk)
	ws.Post("/reindex", h.Reindex)

	v1.Post("/imports/validate", h.ValidateImport)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("management API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	if s.limiter != nil {
		s.limiter.close()
	}
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		errType, detail := "http_error", err.Error()
		if code == fiber.StatusInternalServerError {
			// Don't leak internal details
			errType, detail = "internal_error", "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    utils.StatusMessage(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
