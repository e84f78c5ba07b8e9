// internal/handlers/affiliate/affiliate_handler.go
package affiliate

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"zapfy-billing/internal/domain/affiliate"
	xerrors "zapfy-billing/internal/pkg/errors"
	"zapfy-billing/internal/pkg/response"
	"zapfy-billing/internal/service/commission"
)

type AffiliateHandler struct {
	commissionEngine *commission.Engine
}

func NewAffiliateHandler(commissionEngine *commission.Engine) *AffiliateHandler {
	return &AffiliateHandler{
		commissionEngine: commissionEngine,
	}
}

// CreateAffiliate registers a new affiliate (admin only).
func (h *AffiliateHandler) CreateAffiliate(c *gin.Context) {
	var req affiliate.CreateAffiliateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	result, err := h.commissionEngine.CreateAffiliate(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to create affiliate", err)
		return
	}

	response.Success(c, http.StatusCreated, "affiliate created", result)
}

// ListCommissions retrieves an affiliate's commission ledger.
func (h *AffiliateHandler) ListCommissions(c *gin.Context) {
	affiliateID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid affiliate ID", err)
		return
	}

	result, err := h.commissionEngine.ListCommissions(c.Request.Context(), affiliateID)
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to list commissions", err)
		return
	}

	response.Success(c, http.StatusOK, "commissions retrieved", result)
}

// ApproveCommissions moves an affiliate's accrued commissions to approved,
// making them payable.
func (h *AffiliateHandler) ApproveCommissions(c *gin.Context) {
	affiliateID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid affiliate ID", err)
		return
	}

	approved, err := h.commissionEngine.ApproveCommissions(c.Request.Context(), affiliateID)
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to approve commissions", err)
		return
	}

	response.Success(c, http.StatusOK, "commissions approved", gin.H{
		"approved": approved,
	})
}

// CreatePayout batches an affiliate's approved commissions into one payout.
func (h *AffiliateHandler) CreatePayout(c *gin.Context) {
	var req affiliate.CreatePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	result, err := h.commissionEngine.CreatePayout(c.Request.Context(), &req)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			response.Error(c, http.StatusConflict, "no approved commissions to pay out", err)
			return
		}
		response.Error(c, xerrors.HTTPStatus(err), "failed to create payout", err)
		return
	}

	response.Success(c, http.StatusCreated, "payout created", result)
}

// MarkPayoutDisbursed records that a payout left the bank.
func (h *AffiliateHandler) MarkPayoutDisbursed(c *gin.Context) {
	payoutID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid payout ID", err)
		return
	}

	if err := h.commissionEngine.MarkPayoutDisbursed(c.Request.Context(), payoutID); err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to mark payout disbursed", err)
		return
	}

	response.Success(c, http.StatusOK, "payout marked disbursed", nil)
}

// ListPayouts retrieves an affiliate's payout history.
func (h *AffiliateHandler) ListPayouts(c *gin.Context) {
	affiliateID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid affiliate ID", err)
		return
	}

	result, err := h.commissionEngine.ListPayouts(c.Request.Context(), affiliateID)
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to list payouts", err)
		return
	}

	response.Success(c, http.StatusOK, "payouts retrieved", result)
}
