// internal/handlers/invoice/invoice_handler.go
package invoice

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	xerrors "zapfy-billing/internal/pkg/errors"
	"zapfy-billing/internal/pkg/response"
	"zapfy-billing/internal/service/ledger"
)

type InvoiceHandler struct {
	ledgerService *ledger.LedgerService
}

func NewInvoiceHandler(ledgerService *ledger.LedgerService) *InvoiceHandler {
	return &InvoiceHandler{
		ledgerService: ledgerService,
	}
}

// GetInvoice retrieves an invoice by reference.
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	result, err := h.ledgerService.GetInvoice(c.Request.Context(), c.Param("ref"))
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "invoice not found", err)
		return
	}

	response.Success(c, http.StatusOK, "invoice retrieved", result)
}

// ListBySubscription retrieves all invoices of a subscription.
func (h *InvoiceHandler) ListBySubscription(c *gin.Context) {
	result, err := h.ledgerService.ListInvoices(c.Request.Context(), c.Param("ref"))
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to list invoices", err)
		return
	}

	response.Success(c, http.StatusOK, "invoices retrieved", result)
}

// ListCharges retrieves the charge attempts recorded against an invoice.
func (h *InvoiceHandler) ListCharges(c *gin.Context) {
	result, err := h.ledgerService.ListCharges(c.Request.Context(), c.Param("ref"))
	if err != nil {
		response.Error(c, xerrors.HTTPStatus(err), "failed to list charges", err)
		return
	}

	response.Success(c, http.StatusOK, "charges retrieved", result)
}

// ListRejectedEvents retrieves webhook events the reconciler refused to
// apply, for manual review.
func (h *InvoiceHandler) ListRejectedEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	result, err := h.ledgerService.ListRejectedEvents(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list rejected events", err)
		return
	}

	response.Success(c, http.StatusOK, "rejected events retrieved", gin.H{
		"events": result,
		"count":  len(result),
	})
}
