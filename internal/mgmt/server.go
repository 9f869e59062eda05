package mgmt

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/leadgen-agent/internal/artifact"
	"github.com/p-blackswan/leadgen-agent/internal/health"
	"github.com/p-blackswan/leadgen-agent/internal/metrics"
	"github.com/p-blackswan/leadgen-agent/internal/orchestrator"
	"github.com/p-blackswan/leadgen-agent/internal/requestid"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins []string
	TLSCert     string
	TLSKey      string
	// KeepAlive is the SSE comment interval. Zero means 15s.
	KeepAlive time.Duration
}

// Server is the API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer creates and configures a new API server. Metrics may be nil.
func NewServer(
	cfg ServerConfig,
	orch *orchestrator.Orchestrator,
	repo *artifact.Repository,
	checker *health.Checker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api_server").Logger(),
		config: cfg,
		done:   make(chan struct{}),
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	s.handlers = NewHandlers(orch, checker, s.done, keepAlive, logger)
	projects := NewProjectHandlers(repo, logger)

	s.setupMiddleware(cfg, m, logger)
	s.setupRoutes(s.handlers, projects, m)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, m *metrics.Metrics, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID: honour a well-formed incoming id, else mint one.
	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.FromHeader(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals(localRequestID, reqID)
		return c.Next()
	})

	if m != nil {
		s.app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			code := c.Response().StatusCode()
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			} else if err != nil {
				code = fiber.StatusInternalServerError
			}
			m.RecordRequest(c.Route().Path, strconv.Itoa(code), time.Since(start).Seconds())
			return err
		})
	}

	if len(cfg.CORSOrigins) > 0 {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.CORSOrigins, ","),
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID",
			AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	// Audit log
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		reqID, _ := c.Locals(localRequestID).(string)
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("namespace", namespaceOf(c)).
			Str("request_id", reqID).
			Msg("api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, p *ProjectHandlers, m *metrics.Metrics) {
	// Probe endpoints (no auth required, handled in auth middleware)
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	v1 := s.app.Group("/api/v1")
	operator := requireRole(RoleOperator)

	v1.Post("/generations", operator, h.SubmitGeneration)

	v1.Get("/tasks", h.ListTasks)
	v1.Get("/tasks/history", h.TaskHistory)
	v1.Get("/tasks/:id", h.GetTask)
	v1.Get("/tasks/:id/events", h.TaskEvents)
	v1.Post("/tasks/:id/retry", operator, h.RetryTask)
	v1.Post("/tasks/:id/cancel", operator, h.CancelTask)
	v1.Delete("/tasks/:id", operator, h.DismissTask)

	v1.Get("/events", h.NamespaceEvents)
	v1.Get("/health", h.HealthDetail)

	p.RegisterRoutes(v1, operator)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("API server starting")

	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(addr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(addr)
}

// Shutdown ends open event streams, then gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("API server shutting down")
	s.closeOnce.Do(func() { close(s.done) })
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		title := "Request Failed"
		errType := "request_failed"
		// Don't leak internal details
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
			title = "Internal Server Error"
			errType = "internal_error"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    title,
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
