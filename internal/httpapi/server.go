// Package httpapi is the HTTP surface over one or more
// heavytasks.Manager instances: a fiber REST app for triggering
// fetches and reporting health/metrics, paired with a plain
// net/http + gorilla/websocket server (see ws.go) for streaming
// progress and results back to a caller.
//
// Grounded on internal/mgmt's server.go (fiber app construction,
// middleware ordering, RFC 7807 ProblemDetail error shape) and
// auth.go (bearer-token middleware), generalized from task-engine
// CRUD routes to a generic fetch-trigger route parameterized over
// whichever Manager instantiation is mounted.
package httpapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/heavytasks/internal/health"
	"github.com/p-blackswan/heavytasks/internal/metrics"
	"github.com/p-blackswan/heavytasks/internal/requestid"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance"`
}

func ProblemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// AuthConfig selects how requests are authenticated. Mode "jwt"
// verifies a Bearer token against SigningKey (HMAC); mode "none"
// skips authentication entirely (local development only).
type AuthConfig struct {
	Mode       string
	SigningKey string
}

// NewAuthMiddleware returns a fiber middleware that verifies a
// Bearer JWT. Unlike the teacher's GitHub App flow (which mints a
// JWT to exchange for an installation token), this middleware only
// ever verifies tokens issued by an external identity provider — it
// never signs one itself.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Mode == "none" {
			return c.Next()
		}

		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return ProblemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized", "Authorization header must use the Bearer scheme")
		}
		raw := strings.TrimPrefix(authHeader, "Bearer ")

		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(cfg.SigningKey), nil
		})
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("rejected request: invalid bearer token")
			return ProblemResponse(c, fiber.StatusUnauthorized,
				"invalid_token", "Unauthorized", "Bearer token failed verification")
		}

		return c.Next()
	}
}

// Config holds configuration for the REST server.
type Config struct {
	ListenAddr  string
	Auth        AuthConfig
	CORSOrigins string
	TLSCert     string
	TLSKey      string
}

// Server is the fetch-trigger REST application.
type Server struct {
	app    *fiber.App
	api    fiber.Router
	logger zerolog.Logger
	config Config
}

// NewServer constructs a Server with health, readiness, and metrics
// routes already mounted. Callers register one route group per
// Manager instantiation via API().
func NewServer(cfg Config, checker *health.Checker, metricsCollector *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{app: app, logger: logger.With().Str("component", "httpapi").Logger(), config: cfg}

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})
	if cfg.CORSOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST",
		}))
	}
	app.Use(NewAuthMiddleware(cfg.Auth, logger))
	app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path != "/healthz" && path != "/readyz" && path != "/metrics" {
			logger.Info().Str("method", c.Method()).Str("path", path).
				Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).Msg("httpapi request")
		}
		return c.Next()
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/readyz", func(c *fiber.Ctx) error {
		results := checker.RunAll(c.Context())
		for _, st := range results {
			if st == health.StatusDown {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready", "checks": results})
			}
		}
		return c.JSON(fiber.Map{"status": "ready", "checks": results})
	})
	if metricsCollector != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	}

	s.api = app.Group("/api/v1")
	return s
}

// API returns the /api/v1 route group that per-manager route mounts
// (see ws.go / cmd/heavytasksd) register onto.
func (s *Server) API() fiber.Router { return s.api }

// Start runs the server; blocks until Shutdown is called.
func (s *Server) Start() error {
	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(s.config.ListenAddr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error { return s.app.Shutdown() }

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		logger.Error().Err(err).Int("status", code).Str("path", c.Path()).Msg("unhandled httpapi error")
		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "an internal error occurred"
		}
		return c.Status(code).JSON(ProblemDetail{
			Type: "internal_error", Title: "Internal Server Error",
			Status: code, Detail: detail, Instance: c.Path(),
		})
	}
}
