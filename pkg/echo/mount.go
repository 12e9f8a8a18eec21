// Package echo mounts the payment reconciliation endpoints on a
// labstack/echo application, for merchants embedding the flow in an
// existing echo service instead of running the standalone API server.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

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

// Mount registers the payment routes on an echo router under /payment.
func Mount(e *echo.Echo, engine Reconciler, opts ...Options) {
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

	g := e.Group("/payment")
	g.POST("/init", h.init, h.requireAPIKey)
	g.POST("/ipn/:sessionId", h.ipn)
	g.POST("/success/:sessionId", h.landing)
	g.POST("/fail/:sessionId", h.landing)
	g.POST("/cancel/:sessionId", h.landing)
	g.GET("/status/:sessionId", h.status)
	g.GET("/events/:sessionId", h.events)
}

type handlers struct {
	engine Reconciler
	stream StatusStream
	keys   map[string]struct{}
	logger *slog.Logger
}

// requireAPIKey rejects merchant requests that do not carry a configured
// key. With no keys configured the check is disabled.
func (h *handlers) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if len(h.keys) == 0 {
			return next(c)
		}
		if _, ok := h.keys[c.Request().Header.Get("X-API-Key")]; !ok {
			return c.JSON(http.StatusUnauthorized, echo.Map{
				"error":   "unauthorized",
				"message": "missing or unknown API key",
			})
		}
		return next(c)
	}
}

func (h *handlers) init(c echo.Context) error {
	var req reconcile.InitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":   reconcile.ErrCodeInvalidRequest,
			"message": err.Error(),
		})
	}
	if err := req.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":   reconcile.ErrCodeInvalidRequest,
			"message": err.Error(),
		})
	}

	result, err := h.engine.Initiate(c.Request().Context(), req)
	if err != nil {
		h.logger.Error("payment initiation failed",
			"productId", req.ProductID,
			"error", err)
		return h.errorJSON(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// ipn receives gateway notifications. The response status is the
// acknowledgement: 2xx and 4xx stop redelivery, 5xx asks the gateway to
// try again later.
func (h *handlers) ipn(c echo.Context) error {
	sessionID := c.Param("sessionId")

	n, err := gateway.NotificationFromRequest(c.Request(), sessionID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":   reconcile.ErrCodeInvalidNotification,
			"message": err.Error(),
		})
	}

	result, err := h.engine.ProcessNotification(c.Request().Context(), *n)
	if err != nil {
		h.logger.Warn("notification rejected",
			"sessionId", sessionID,
			"tran_id", n.TranID,
			"error", err)
		return h.errorJSON(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":    result.Order.Status,
		"tran_id":   result.Order.TranID,
		"duplicate": result.Duplicate,
	})
}

// landing serves the browser redirect pages. Landings never mutate an
// order; they report its actual state and show processing while the
// decision is still outstanding.
func (h *handlers) landing(c echo.Context) error {
	snap, err := h.engine.Status(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return h.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"outcome": displayState(snap.Status),
		"payment": snap,
	})
}

func (h *handlers) status(c echo.Context) error {
	snap, err := h.engine.Status(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return h.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// events streams status updates for one session, starting with a snapshot
// of the current state and ending at a terminal status or disconnect.
func (h *handlers) events(c echo.Context) error {
	if h.stream == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"error":   "stream_unavailable",
			"message": "event streaming is not enabled",
		})
	}

	sessionID := c.Param("sessionId")

	snap, err := h.engine.Status(c.Request().Context(), sessionID)
	if err != nil {
		return h.errorJSON(c, err)
	}

	events, cancel := h.stream.Subscribe(sessionID)
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	current := reconcile.StatusEvent{
		SessionID: snap.SessionID,
		TranID:    snap.TranID,
		Status:    snap.Status,
	}
	if err := writeEvent(w, current); err != nil || current.Status.Terminal() {
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, event); err != nil || event.Status.Terminal() {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// writeEvent emits one SSE frame and flushes it to the client.
func writeEvent(w *echo.Response, event reconcile.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, data); err != nil {
		return err
	}
	w.Flush()
	return nil
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
func (h *handlers) errorJSON(c echo.Context, err error) error {
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
	return c.JSON(status, echo.Map{"error": code, "message": err.Error()})
}
