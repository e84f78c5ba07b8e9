// internal/handlers/taxdoc/taxdoc_handler.go
package taxdoc

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	xerrors "zapfy-billing/internal/pkg/errors"
	"zapfy-billing/internal/pkg/response"
	"zapfy-billing/internal/service/taxdoc"
)

type TaxDocHandler struct {
	issuer *taxdoc.Issuer
}

func NewTaxDocHandler(issuer *taxdoc.Issuer) *TaxDocHandler {
	return &TaxDocHandler{issuer: issuer}
}

// ListFailures retrieves tax documents whose issuance exhausted its retries.
func (h *TaxDocHandler) ListFailures(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	result, err := h.issuer.ListFailures(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list tax document failures", err)
		return
	}

	response.Success(c, http.StatusOK, "tax document failures retrieved", gin.H{
		"documents": result,
		"count":     len(result),
	})
}

// RetryIssuance re-runs issuance for one invoice after a terminal failure.
func (h *TaxDocHandler) RetryIssuance(c *gin.Context) {
	invoiceID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid invoice ID", err)
		return
	}

	if err := h.issuer.Retry(c.Request.Context(), invoiceID); err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "tax document issuance failed", err)
		return
	}

	response.Success(c, http.StatusOK, "tax document issued", nil)
}
