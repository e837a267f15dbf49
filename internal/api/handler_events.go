package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"fleet/internal/service"

	"github.com/gin-gonic/gin"
)

type EventHandler struct {
	svc *service.Service
}

func NewEventHandler(svc *service.Service) *EventHandler {
	return &EventHandler{svc: svc}
}

// StreamFleet GET /api/v1/events
func (h *EventHandler) StreamFleet(c *gin.Context) {
	h.stream(c, "")
}

// StreamWorker GET /api/v1/nodes/:name/events
// 通过 SSE 推送单个 worker 的日志
func (h *EventHandler) StreamWorker(c *gin.Context) {
	h.stream(c, c.Param("name"))
}

func (h *EventHandler) stream(c *gin.Context, worker string) {
	eventCh, err := h.svc.StreamEvents(c.Request.Context(), worker)
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// 长连接不受 http.Server.WriteTimeout 约束
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Warn("Failed to disable write deadline for SSE", "error", err)
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			data, err := json.Marshal(SSEEvent{
				Type:      string(event.Type),
				Worker:    event.Worker,
				Pool:      event.Pool,
				Message:   event.Message,
				Fatal:     event.Fatal,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			})
			if err != nil {
				return false
			}

			c.SSEvent("message", string(data))
			return true

		case <-c.Request.Context().Done():
			return false

		case <-heartbeat.C:
			c.SSEvent("ping", "")
			return true
		}
	})
}
