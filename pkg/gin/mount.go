// Package gin mounts the payment reconciliation endpoints on a
// gin-gonic router, for merchants embedding the flow in an existing gin
// service instead of running the standalone API server.
package gin

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resolvepay/reconcile"
	"github.com/resolvepay/reconcile/gateway"
)

// eventName is the SSE event type carrying status updates.
const eventName = "paymentStatusUpdate"

// Reconciler is the engine surface the mounted routes drive.
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

// MountOptions is the options for Mount.
type MountOptions struct {
	Stream  StatusStream
	APIKeys []string
	Logger  *slog.Logger
}

// Options is the type for the options for Mount.
type Options func(*MountOptions)

// WithStream is an option for Mount to enable the event stream endpoint.
func WithStream(stream StatusStream) Options {
	return func(options *MountOptions) {
		options.Stream = stream
	}
}

// WithAPIKeys is an option for Mount to require a key on merchant routes.
func WithAPIKeys(keys ...string) Options {
	return func(options *MountOptions) {
		options.APIKeys = keys
	}
}

// WithLogger is an option for Mount to set the logger.
func WithLogger(logger *slog.Logger) Options {
	return func(options *MountOptions) {
		options.Logger = logger
	}
}

// Mount registers the payment routes on a gin router under /payment.
func Mount(r gin.IRouter, engine Reconciler, opts ...Options) {
	options := &MountOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keys := make(map[string]struct{}, len(options.APIKeys))
	for _, k := range options.APIKeys {
		if k != "" {
			keys[k] = struct{}{}
		}
	}

	h := &handlers{
		engine: engine,
		stream: options.Stream,
		keys:   keys,
		logger: logger,
	}

	g := r.Group("/payment")
	{
		g.POST("/init", h.requireAPIKey(), h.init)
		g.POST("/ipn/:sessionId", h.ipn)
		g.POST("/success/:sessionId", h.landing)
		g.POST("/fail/:sessionId", h.landing)
		g.POST("/cancel/:sessionId", h.landing)
		g.GET("/status/:sessionId", h.status)
		g.GET("/events/:sessionId", h.events)
	}
}

type handlers struct {
	engine Reconciler
	stream StatusStream
	keys   map[string]struct{}
	logger *slog.Logger
}

// requireAPIKey rejects merchant requests that do not carry a configured
// key. With no keys configured the check is disabled.
func (h *handlers) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(h.keys) == 0 {
			c.Next()
			return
		}
		if _, ok := h.keys[c.GetHeader("X-API-Key")]; !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or unknown API key",
			})
			return
		}
		c.Next()
	}
}

func (h *handlers) init(c *gin.Context) {
	var req reconcile.InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   reconcile.ErrCodeInvalidRequest,
			"message": err.Error(),
		})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   reconcile.ErrCodeInvalidRequest,
			"message": err.Error(),
		})
		return
	}

	result, err := h.engine.Initiate(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("payment initiation failed",
			"productId", req.ProductID,
			"error", err)
		h.errorJSON(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// ipn receives gateway notifications. The response status is the
// acknowledgement: 2xx and 4xx stop redelivery, 5xx asks the gateway to
// try again later.
func (h *handlers) ipn(c *gin.Context) {
	sessionID := c.Param("sessionId")

	n, err := gateway.NotificationFromRequest(c.Request, sessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   reconcile.ErrCodeInvalidNotification,
			"message": err.Error(),
		})
		return
	}

	result, err := h.engine.ProcessNotification(c.Request.Context(), *n)
	if err != nil {
		h.logger.Warn("notification rejected",
			"sessionId", sessionID,
			"tran_id", n.TranID,
			"error", err)
		h.errorJSON(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    result.Order.Status,
		"tran_id":   result.Order.TranID,
		"duplicate": result.Duplicate,
	})
}

// landing serves the browser redirect pages. Landings never mutate an
// order; they report its actual state and show processing while the
// decision is still outstanding.
func (h *handlers) landing(c *gin.Context) {
	snap, err := h.engine.Status(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.errorJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome": displayState(snap.Status),
		"payment": snap,
	})
}

func (h *handlers) status(c *gin.Context) {
	snap, err := h.engine.Status(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.errorJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// events streams status updates for one session, starting with a snapshot
// of the current state and ending at a terminal status or disconnect.
func (h *handlers) events(c *gin.Context) {
	if h.stream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "stream_unavailable",
			"message": "event streaming is not enabled",
		})
		return
	}

	sessionID := c.Param("sessionId")

	snap, err := h.engine.Status(c.Request.Context(), sessionID)
	if err != nil {
		h.errorJSON(c, err)
		return
	}

	events, cancel := h.stream.Subscribe(sessionID)
	defer cancel()

	c.Writer.Header().Set("Cache-Control", "no-cache")

	initial := reconcile.StatusEvent{
		SessionID: snap.SessionID,
		TranID:    snap.TranID,
		Status:    snap.Status,
	}

	first := true
	c.Stream(func(w io.Writer) bool {
		if first {
			first = false
			c.SSEvent(eventName, initial)
			return !initial.Status.Terminal()
		}
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(eventName, event)
			return !event.Status.Terminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// displayState maps an order status to the outcome a landing page shows.
func displayState(status reconcile.OrderStatus) string {
	switch status {
	case reconcile.StatusSuccess, reconcile.StatusSyncPending:
		return "succeeded"
	case reconcile.StatusFailed:
		return "failed"
	case reconcile.StatusCancelled:
		return "cancelled"
	default:
		return "processing"
	}
}

// errorJSON renders a processing error with the status the acknowledgement
// contract assigns to its code.
func (h *handlers) errorJSON(c *gin.Context, err error) {
	code := reconcile.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case reconcile.ErrCodeUnresolvedSession:
		status = http.StatusNotFound
	case reconcile.ErrCodeConflictingFinalization:
		status = http.StatusConflict
	case reconcile.ErrCodeValidationFailed, reconcile.ErrCodeCheckoutFailed:
		status = http.StatusBadGateway
	case reconcile.ErrCodeInvalidNotification, reconcile.ErrCodeInvalidRequest:
		status = http.StatusBadRequest
	default:
		code = "internal_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
