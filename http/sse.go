package http

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resolvepay/reconcile"
)

// eventName is the SSE event type carrying status updates.
const eventName = "paymentStatusUpdate"

// handleEvents streams status updates for one session. The first event is
// a snapshot of the current state so a client that connects after the
// decision still sees it; live events follow until the order reaches a
// terminal status or the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	if s.stream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "stream_unavailable",
			"message": "event streaming is not enabled",
		})
		return
	}

	sessionID := c.Param("sessionId")

	snap, err := s.engine.Status(c.Request.Context(), sessionID)
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	events, cancel := s.stream.Subscribe(sessionID)
	defer cancel()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

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
