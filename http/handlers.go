package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resolvepay/reconcile"
	"github.com/resolvepay/reconcile/gateway"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleInit(c *gin.Context) {
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

	result, err := s.engine.Initiate(c.Request.Context(), req)
	if err != nil {
		status, code := errorStatus(err)
		s.logger.Error("payment initiation failed",
			"productId", req.ProductID,
			"error", err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// handleIPN receives gateway notifications. The response status is the
// acknowledgement: 2xx and 4xx stop redelivery, 5xx asks the gateway to
// try again later.
func (s *Server) handleIPN(c *gin.Context) {
	sessionID := c.Param("sessionId")

	n, err := gateway.NotificationFromRequest(c.Request, sessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   reconcile.ErrCodeInvalidNotification,
			"message": err.Error(),
		})
		return
	}

	result, err := s.engine.ProcessNotification(c.Request.Context(), *n)
	if err != nil {
		status, code := errorStatus(err)
		s.logger.Warn("notification rejected",
			"sessionId", sessionID,
			"tran_id", n.TranID,
			"code", code,
			"error", err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    result.Order.Status,
		"tran_id":   result.Order.TranID,
		"duplicate": result.Duplicate,
	})
}

// handleLanding serves the browser redirect pages. The redirect races the
// gateway notification, so the page reports the order's actual state and
// shows processing while the decision is still outstanding. Landings never
// mutate an order.
func (s *Server) handleLanding(c *gin.Context) {
	sessionID := c.Param("sessionId")

	snap, err := s.engine.Status(c.Request.Context(), sessionID)
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcome": displayState(snap.Status),
		"payment": snap,
	})
}

// displayState maps an order status to the outcome a landing page shows.
// SYNC_PENDING reads as succeeded: the payment is settled, only the
// fulfilment call is still catching up.
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

func (s *Server) handleStatus(c *gin.Context) {
	snap, err := s.engine.Status(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}
