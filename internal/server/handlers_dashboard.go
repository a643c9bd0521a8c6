package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const realtimeHeartbeatInterval = 25 * time.Second

func (h *httpHandler) handleAnalyticsSummary(c *gin.Context) {
	actor, _ := actorFromContext(c)
	summary, err := h.analytics.Summary(c.Request.Context(), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleEvents streams the caller's realtime messages as server-sent events
// until the client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	actor, _ := actorFromContext(c)
	ctx := c.Request.Context()
	subscription := h.realtime.Subscribe(ctx, actor.UserID)
	defer subscription.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-subscription.Events():
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		}
	})
}
