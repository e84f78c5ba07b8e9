// internal/service/taxdoc/issuer.go
package taxdoc

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"zapfy-billing/internal/domain/invoice"
	"zapfy-billing/internal/domain/taxdoc"
	"zapfy-billing/internal/events"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type DocStore interface {
	EnsureForInvoice(ctx context.Context, invoiceID int64) (*taxdoc.TaxDocument, error)
	FindByInvoice(ctx context.Context, invoiceID int64) (*taxdoc.TaxDocument, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkIssued(ctx context.Context, id int64, externalRef string) error
	MarkError(ctx context.Context, id int64, reason string) error
	ListErrors(ctx context.Context, limit int) ([]*taxdoc.TaxDocument, error)
}

type InvoiceStore interface {
	FindByID(ctx context.Context, id int64) (*invoice.Invoice, error)
	SetTaxDocStatus(ctx context.Context, id int64, status invoice.TaxDocState) error
}

// Issuer drives tax-document issuance off paid invoices. Transient provider
// failures retry with exponential backoff up to the attempt budget; a
// permanent rejection is terminal and lands on the operator queue. Document
// state never influences invoice or subscription state.
type Issuer struct {
	docRepo     DocStore
	invoiceRepo InvoiceStore
	client      DocumentClient
	maxAttempts int
	logger      *zap.Logger
}

func NewIssuer(docRepo DocStore, invoiceRepo InvoiceStore, client DocumentClient, maxAttempts int, logger *zap.Logger) *Issuer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Issuer{
		docRepo:     docRepo,
		invoiceRepo: invoiceRepo,
		client:      client,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Register subscribes the issuer to payment events.
func (i *Issuer) Register(bus *events.Bus) {
	bus.Subscribe("taxdoc-issuer", func(ctx context.Context, e events.Event) {
		if err := i.IssueForInvoice(ctx, e.InvoiceID); err != nil {
			i.logger.Error("tax document issuance failed",
				zap.Int64("invoice_id", e.InvoiceID), zap.Error(err))
		}
	}, events.InvoicePaid)
}

// IssueForInvoice issues the tax document for a paid invoice. Idempotent: an
// already issued document, or one another worker is processing, is left
// alone.
func (i *Issuer) IssueForInvoice(ctx context.Context, invoiceID int64) error {
	inv, err := i.invoiceRepo.FindByID(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.State != invoice.StatePaid {
		return fmt.Errorf("%w: invoice %d is %s, not paid", xerrors.ErrInvalidTransition, inv.ID, inv.State)
	}

	doc, err := i.docRepo.EnsureForInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	if doc.Status == taxdoc.StatusIssued {
		return nil
	}

	if err := i.docRepo.MarkProcessing(ctx, doc.ID); err != nil {
		if xerrors.Is(err, xerrors.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	if err := i.invoiceRepo.SetTaxDocStatus(ctx, inv.ID, invoice.TaxDocProcessing); err != nil {
		i.logger.Warn("failed to set invoice tax doc status", zap.Error(err))
	}

	result, err := i.issueWithRetry(ctx, inv)
	if err != nil {
		if markErr := i.docRepo.MarkError(ctx, doc.ID, err.Error()); markErr != nil {
			i.logger.Error("failed to record tax document error", zap.Error(markErr))
		}
		if statusErr := i.invoiceRepo.SetTaxDocStatus(ctx, inv.ID, invoice.TaxDocError); statusErr != nil {
			i.logger.Warn("failed to set invoice tax doc status", zap.Error(statusErr))
		}
		return err
	}

	if err := i.docRepo.MarkIssued(ctx, doc.ID, result.DocumentRef); err != nil {
		return err
	}
	if err := i.invoiceRepo.SetTaxDocStatus(ctx, inv.ID, invoice.TaxDocIssued); err != nil {
		i.logger.Warn("failed to set invoice tax doc status", zap.Error(err))
	}

	i.logger.Info("tax document issued",
		zap.Int64("invoice_id", inv.ID),
		zap.String("document_ref", result.DocumentRef),
	)
	return nil
}

func (i *Issuer) issueWithRetry(ctx context.Context, inv *invoice.Invoice) (*IssueResult, error) {
	req := IssueRequest{
		InvoiceRef: inv.Reference,
		Amount:     inv.Amount,
		Currency:   inv.Currency,
	}
	if inv.PaidAt.Valid {
		req.PaidAt = inv.PaidAt.Time
	}

	var result *IssueResult
	op := func() error {
		res, err := i.client.Issue(ctx, req)
		if err != nil {
			if xerrors.Is(err, xerrors.ErrPermanentProvider) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(i.maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

// Retry re-runs issuance for a document an operator pulled off the error
// queue.
func (i *Issuer) Retry(ctx context.Context, invoiceID int64) error {
	return i.IssueForInvoice(ctx, invoiceID)
}

// ListFailures is the operator queue of documents that gave up retrying.
func (i *Issuer) ListFailures(ctx context.Context, limit int) ([]*taxdoc.TaxDocument, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return i.docRepo.ListErrors(ctx, limit)
}
