// internal/handlers/subscription/subscription_handler.go
package subscription

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"zapfy-billing/internal/domain/subscription"
	xerrors "zapfy-billing/internal/pkg/errors"
	"zapfy-billing/internal/pkg/response"
	service "zapfy-billing/internal/service/subscription"
)

type SubscriptionHandler struct {
	subscriptionService *service.SubscriptionService
}

func NewSubscriptionHandler(subscriptionService *service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptionService: subscriptionService,
	}
}

// Checkout opens a subscription and dispatches the first charge. A gateway
// timeout still returns the created records with 202: the webhook settles the
// outcome.
func (h *SubscriptionHandler) Checkout(c *gin.Context) {
	var req subscription.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	result, err := h.subscriptionService.Checkout(c.Request.Context(), &req)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrOutcomeUnknown) && result != nil {
			response.Success(c, http.StatusAccepted, "checkout pending, charge outcome unknown", result)
			return
		}
		response.Error(c, xerrors.HTTPStatus(err), "failed to start checkout", err)
		return
	}

	response.Success(c, http.StatusCreated, "checkout started", result)
}

// GetSubscription retrieves a subscription by reference.
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	result, err := h.subscriptionService.GetSubscription(c.Request.Context(), c.Param("ref"))
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "subscription not found", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription retrieved", result)
}

// ListByTenant retrieves all subscriptions of one tenant.
func (h *SubscriptionHandler) ListByTenant(c *gin.Context) {
	tenantID, err := strconv.ParseInt(c.Query("tenant_id"), 10, 64)
	if err != nil || tenantID <= 0 {
		response.Error(c, http.StatusBadRequest, "invalid tenant_id", err)
		return
	}

	result, err := h.subscriptionService.ListByTenant(c.Request.Context(), tenantID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list subscriptions", err)
		return
	}

	response.Success(c, http.StatusOK, "subscriptions retrieved", result)
}

// Cancel cancels a subscription, immediately or at period end.
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	var req subscription.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	result, err := h.subscriptionService.Cancel(c.Request.Context(), c.Param("ref"), &req)
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to cancel subscription", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription cancelled", result)
}

// Resume undoes a scheduled cancellation, or reinstates an already-cancelled
// subscription whose paid period has not elapsed.
func (h *SubscriptionHandler) Resume(c *gin.Context) {
	result, err := h.subscriptionService.Resume(c.Request.Context(), c.Param("ref"))
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to resume subscription", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription resumed", result)
}

// ChangePlan switches plans mid-period with prorated settlement.
func (h *SubscriptionHandler) ChangePlan(c *gin.Context) {
	var req subscription.ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	result, err := h.subscriptionService.ChangePlan(c.Request.Context(), c.Param("ref"), &req)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrOutcomeUnknown) && result != nil {
			response.Success(c, http.StatusAccepted, "plan changed, charge outcome unknown", result)
			return
		}
		response.Error(c, xerrors.HTTPStatus(err), "failed to change plan", err)
		return
	}

	response.Success(c, http.StatusOK, "plan changed", result)
}

// Pause suspends billing without cancelling.
func (h *SubscriptionHandler) Pause(c *gin.Context) {
	result, err := h.subscriptionService.Pause(c.Request.Context(), c.Param("ref"))
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to pause subscription", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription paused", result)
}

// Unpause resumes billing on a paused subscription.
func (h *SubscriptionHandler) Unpause(c *gin.Context) {
	result, err := h.subscriptionService.Unpause(c.Request.Context(), c.Param("ref"))
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to unpause subscription", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription unpaused", result)
}
