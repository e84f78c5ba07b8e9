// internal/handlers/plan/plan_handler.go
package plan

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"zapfy-billing/internal/domain/plan"
	xerrors "zapfy-billing/internal/pkg/errors"
	"zapfy-billing/internal/pkg/response"
	"zapfy-billing/internal/service/catalog"
)

type PlanHandler struct {
	catalogService *catalog.CatalogService
}

func NewPlanHandler(catalogService *catalog.CatalogService) *PlanHandler {
	return &PlanHandler{
		catalogService: catalogService,
	}
}

// ListPlans retrieves the active plan catalog.
func (h *PlanHandler) ListPlans(c *gin.Context) {
	result, err := h.catalogService.ListPlans(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list plans", err)
		return
	}

	response.Success(c, http.StatusOK, "plans retrieved", result)
}

// GetPlan retrieves a plan by code.
func (h *PlanHandler) GetPlan(c *gin.Context) {
	result, err := h.catalogService.GetPlanByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "plan not found", err)
		return
	}

	response.Success(c, http.StatusOK, "plan retrieved", result)
}

// CreatePlan registers a new plan (admin only).
func (h *PlanHandler) CreatePlan(c *gin.Context) {
	var req plan.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	result, err := h.catalogService.CreatePlan(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to create plan", err)
		return
	}

	response.Success(c, http.StatusCreated, "plan created", result)
}

// DeactivatePlan removes a plan from sale (admin only). Existing
// subscriptions keep renewing on it.
func (h *PlanHandler) DeactivatePlan(c *gin.Context) {
	planID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid plan ID", err)
		return
	}

	if err := h.catalogService.DeactivatePlan(c.Request.Context(), planID); err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to deactivate plan", err)
		return
	}

	response.Success(c, http.StatusOK, "plan deactivated", nil)
}
