// internal/handlers/websocket/websocket_handler.go
package websocket

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"zapfy-billing/internal/middleware"
	"zapfy-billing/internal/pkg/response"
	ws "zapfy-billing/internal/websocket"
)

type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWebSocketHandler builds the stream endpoint. With a dashboard origin
// configured, cross-origin upgrades are limited to it; without one the
// upgrader falls back to gorilla's same-origin check.
func NewWebSocketHandler(hub *ws.Hub, dashboardOrigin string, logger *zap.Logger) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if dashboardOrigin != "" {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			return originAllowed(dashboardOrigin, r.Header.Get("Origin"))
		}
	}
	return &WebSocketHandler{
		hub:      hub,
		upgrader: upgrader,
		logger:   logger,
	}
}

// originAllowed accepts requests from the configured origin. A missing Origin
// header means a non-browser client, which the bearer token already gates.
func originAllowed(allowed, origin string) bool {
	if origin == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSuffix(origin, "/"), strings.TrimSuffix(allowed, "/"))
}

// HandleConnection upgrades an authenticated operator to a live event stream.
// An optional tenant_id query narrows the stream to one tenant.
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	operatorID := middleware.GetOperatorID(c)
	if operatorID == "" {
		response.Unauthorized(c, "missing operator identity")
		return
	}

	var tenantFilter int64
	if raw := c.Query("tenant_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			response.Error(c, http.StatusBadRequest, "invalid tenant_id", err)
			return
		}
		tenantFilter = id
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.Error(err),
			zap.String("ip", c.ClientIP()),
		)
		return
	}

	client := ws.NewClient(h.hub, conn, operatorID, tenantFilter)
	client.Start()

	h.logger.Info("websocket stream opened",
		zap.String("operator_id", operatorID),
		zap.Int64("tenant_filter", tenantFilter),
	)
}

// GetStats reports connection counts (admin only).
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	response.Success(c, http.StatusOK, "websocket stats", gin.H{
		"connections": h.hub.ClientCount(),
		"timestamp":   time.Now(),
	})
}
