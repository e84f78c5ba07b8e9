// internal/handlers/webhook/webhook_handler.go
package webhook

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"zapfy-billing/internal/domain/charge"
	xerrors "zapfy-billing/internal/pkg/errors"
	"zapfy-billing/internal/pkg/response"
	"zapfy-billing/internal/service/reconciler"
)

// Rails retry on non-2xx, so only failures we want redelivered return one.
// Bad signatures get 401 and invariant rejections get 200: redelivering
// either would produce the same answer.
const maxPayloadBytes = 256 * 1024

type WebhookHandler struct {
	reconciler *reconciler.Reconciler
	logger     *zap.Logger
}

func NewWebhookHandler(rec *reconciler.Reconciler, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: rec, logger: logger}
}

// HandleWebhook ingests a provider notification for the rail in the path.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	rail, err := charge.ParseRail(c.Param("rail"))
	if err != nil {
		response.Error(c, http.StatusNotFound, "unknown payment rail", err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "failed to read payload", err)
		return
	}

	err = h.reconciler.Process(c.Request.Context(), rail, payload, c.Request.Header)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrInvalidSignature) {
			h.logger.Warn("webhook signature rejected",
				zap.String("rail", string(rail)),
				zap.String("ip", c.ClientIP()),
			)
			response.Error(c, http.StatusUnauthorized, "signature verification failed", err)
			return
		}
		if xerrors.Is(err, xerrors.ErrNotFound) {
			// The charge reference is not in the ledger yet. Ask the rail
			// to redeliver once the recording write has landed.
			h.logger.Warn("webhook deferred, charge not yet resolvable",
				zap.String("rail", string(rail)),
				zap.Error(err),
			)
			response.Error(c, http.StatusServiceUnavailable, "event not yet processable", err)
			return
		}
		h.logger.Error("webhook processing failed",
			zap.String("rail", string(rail)),
			zap.Error(err),
		)
		response.Error(c, http.StatusInternalServerError, "event processing failed", err)
		return
	}

	response.Success(c, http.StatusOK, "event accepted", nil)
}
