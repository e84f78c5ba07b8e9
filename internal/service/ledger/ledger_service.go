// internal/service/ledger/ledger_service.go
package ledger

import (
	"context"

	"go.uber.org/zap"

	"zapfy-billing/internal/domain/charge"
	"zapfy-billing/internal/domain/invoice"
	"zapfy-billing/internal/domain/subscription"
	"zapfy-billing/internal/domain/webhookevent"
)

type InvoiceStore interface {
	FindByReference(ctx context.Context, ref string) (*invoice.Invoice, error)
	ListBySubscription(ctx context.Context, subscriptionID int64) ([]*invoice.Invoice, error)
}

type ChargeStore interface {
	ListByInvoice(ctx context.Context, invoiceID int64) ([]*charge.Charge, error)
}

type SubscriptionStore interface {
	FindByReference(ctx context.Context, ref string) (*subscription.Subscription, error)
}

type EventLog interface {
	ListRejected(ctx context.Context, limit int) ([]*webhookevent.WebhookEvent, error)
}

// LedgerService serves read-only views over the billing ledger for operator
// dashboards. All writes go through the invoicer and the reconciler.
type LedgerService struct {
	invoiceRepo      InvoiceStore
	chargeRepo       ChargeStore
	subscriptionRepo SubscriptionStore
	eventLog         EventLog
	logger           *zap.Logger
}

func NewLedgerService(
	invoiceRepo InvoiceStore,
	chargeRepo ChargeStore,
	subscriptionRepo SubscriptionStore,
	eventLog EventLog,
	logger *zap.Logger,
) *LedgerService {
	return &LedgerService{
		invoiceRepo:      invoiceRepo,
		chargeRepo:       chargeRepo,
		subscriptionRepo: subscriptionRepo,
		eventLog:         eventLog,
		logger:           logger,
	}
}

func (s *LedgerService) GetInvoice(ctx context.Context, ref string) (*invoice.Invoice, error) {
	return s.invoiceRepo.FindByReference(ctx, ref)
}

// ListInvoices returns all invoices of the subscription with the given
// reference, newest period first.
func (s *LedgerService) ListInvoices(ctx context.Context, subscriptionRef string) ([]*invoice.Invoice, error) {
	sub, err := s.subscriptionRepo.FindByReference(ctx, subscriptionRef)
	if err != nil {
		return nil, err
	}
	return s.invoiceRepo.ListBySubscription(ctx, sub.ID)
}

// ListCharges returns the attempt history of one invoice in attempt order.
func (s *LedgerService) ListCharges(ctx context.Context, invoiceRef string) ([]*charge.Charge, error) {
	inv, err := s.invoiceRepo.FindByReference(ctx, invoiceRef)
	if err != nil {
		return nil, err
	}
	return s.chargeRepo.ListByInvoice(ctx, inv.ID)
}

// ListRejectedEvents exposes the dead-letter side of the webhook log.
func (s *LedgerService) ListRejectedEvents(ctx context.Context, limit int) ([]*webhookevent.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.eventLog.ListRejected(ctx, limit)
}
