package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resolvepay/reconcile"
)

// Reconciler is the subset of the payment engine the HTTP surface drives.
type Reconciler interface {
	Initiate(ctx context.Context, req reconcile.InitRequest) (*reconcile.InitResult, error)
	ProcessNotification(ctx context.Context, n reconcile.IPNotification) (*reconcile.ProcessResult, error)
	Status(ctx context.Context, sessionID string) (*reconcile.StatusSnapshot, error)
}

// StatusStream delivers live status updates for a session. *reconcile.Hub
// satisfies it.
type StatusStream interface {
	Subscribe(sessionID string) (<-chan reconcile.StatusEvent, func())
}

// Config carries the settings for the API server.
type Config struct {
	// Engine processes payments. Required.
	Engine Reconciler

	// Stream feeds the event streaming endpoint. The endpoint responds
	// 503 when nil.
	Stream StatusStream

	// APIKeys lists the keys accepted on merchant endpoints. Empty
	// disables auth, which is only sensible for local runs and tests.
	APIKeys []string

	// Logger receives request-level diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP API for payment reconciliation.
type Server struct {
	engine Reconciler
	stream StatusStream
	keys   map[string]struct{}
	logger *slog.Logger
	router *gin.Engine
}

// NewServer assembles the gin router with all payment routes.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keys := make(map[string]struct{}, len(config.APIKeys))
	for _, k := range config.APIKeys {
		if k != "" {
			keys[k] = struct{}{}
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		engine: config.Engine,
		stream: config.Stream,
		keys:   keys,
		logger: logger,
		router: router,
	}

	router.GET("/healthz", s.handleHealthz)

	payment := router.Group("/payment")
	{
		payment.POST("/init", s.requireAPIKey(), s.handleInit)
		payment.POST("/ipn/:sessionId", s.handleIPN)
		payment.POST("/success/:sessionId", s.handleLanding)
		payment.POST("/fail/:sessionId", s.handleLanding)
		payment.POST("/cancel/:sessionId", s.handleLanding)
		payment.GET("/status/:sessionId", s.handleStatus)
		payment.GET("/events/:sessionId", s.handleEvents)
	}

	return s
}

// Handler returns the router as an http.Handler for mounting and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API on addr until the listener fails.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// requireAPIKey rejects merchant requests that do not carry a configured
// key. Gateway-facing routes are authenticated by signature instead, so
// they never use this middleware.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.keys) == 0 {
			c.Next()
			return
		}
		if _, ok := s.keys[c.GetHeader("X-API-Key")]; !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or unknown API key",
			})
			return
		}
		c.Next()
	}
}
