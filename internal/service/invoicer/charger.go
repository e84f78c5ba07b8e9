// internal/service/invoicer/charger.go
package invoicer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"zapfy-billing/internal/domain/charge"
	"zapfy-billing/internal/domain/invoice"
	"zapfy-billing/internal/domain/subscription"
	"zapfy-billing/internal/events"
	"zapfy-billing/internal/gateway"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type ChargeStore interface {
	CreateWithTx(ctx context.Context, tx pgx.Tx, c *charge.Charge) error
	FindByIdempotencyKey(ctx context.Context, key string) (*charge.Charge, error)
	SetExternalRefWithTx(ctx context.Context, tx pgx.Tx, id int64, externalRef string) error
	UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []charge.ChargeState, to charge.ChargeState, failureCode string) error
}

type InvoiceStore interface {
	CreateWithTx(ctx context.Context, tx pgx.Tx, inv *invoice.Invoice) error
	FindByID(ctx context.Context, id int64) (*invoice.Invoice, error)
	MarkPaidWithTx(ctx context.Context, tx pgx.Tx, id int64, paidAt time.Time) error
	UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []invoice.InvoiceState, to invoice.InvoiceState) error
	ScheduleRetryWithTx(ctx context.Context, tx pgx.Tx, id int64, attemptCount int, nextRetryAt time.Time) error
	ClearRetryWithTx(ctx context.Context, tx pgx.Tx, id int64, attemptCount int) error
	FindRetryDue(ctx context.Context, now time.Time, limit int) ([]*invoice.Invoice, error)
}

// SubscriptionTransitions is the slice of the state machine a failed charge
// needs: flagging past due and canceling on an exhausted budget.
type SubscriptionTransitions interface {
	MarkPastDueWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error)
	CancelExhaustedWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error)
}

type TxBeginner interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// Charger opens charge attempts. One instance serves both the checkout path
// and the renewal/retry runs.
type Charger struct {
	registry    *gateway.Registry
	chargeRepo  ChargeStore
	invoiceRepo InvoiceStore
	subRepo     SubscriptionStore
	transitions SubscriptionTransitions
	db          TxBeginner
	bus         *events.Bus
	retry       invoice.RetryPolicy
	logger      *zap.Logger
}

func NewCharger(
	registry *gateway.Registry,
	chargeRepo ChargeStore,
	invoiceRepo InvoiceStore,
	subRepo SubscriptionStore,
	transitions SubscriptionTransitions,
	db TxBeginner,
	bus *events.Bus,
	retry invoice.RetryPolicy,
	logger *zap.Logger,
) *Charger {
	return &Charger{
		registry:    registry,
		chargeRepo:  chargeRepo,
		invoiceRepo: invoiceRepo,
		subRepo:     subRepo,
		transitions: transitions,
		db:          db,
		bus:         bus,
		retry:       retry,
		logger:      logger,
	}
}

// SetTransitions wires the subscription state machine in after construction.
// The subscription service and the charger reference each other, so one side
// has to be attached late.
func (c *Charger) SetTransitions(t SubscriptionTransitions) {
	c.transitions = t
}

// Dispatch opens charge attempt n for the invoice. The idempotency key is
// deterministic from the invoice reference and attempt, so calling Dispatch
// twice for the same attempt returns the existing charge instead of opening a
// second one with the rail.
//
// A timed-out rail call returns the charge together with ErrOutcomeUnknown.
// The attempt stays open; the rail's webhook settles it either way.
func (c *Charger) Dispatch(ctx context.Context, inv *invoice.Invoice, attempt int) (*charge.Charge, error) {
	key := charge.IdempotencyKey(inv.Reference, attempt)

	existing, err := c.chargeRepo.FindByIdempotencyKey(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !xerrors.Is(err, xerrors.ErrNotFound) {
		return nil, err
	}

	adapter, err := c.registry.ForRail(inv.Rail)
	if err != nil {
		return nil, err
	}

	ch := &charge.Charge{
		Reference:      "ch_" + ulid.Make().String(),
		InvoiceID:      inv.ID,
		Rail:           inv.Rail,
		State:          charge.StateRequiresAction,
		IdempotencyKey: key,
		Attempt:        attempt,
	}

	tx, err := c.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := c.chargeRepo.CreateWithTx(ctx, tx, ch); err != nil {
		if xerrors.Is(err, xerrors.ErrDuplicateEntry) {
			return c.chargeRepo.FindByIdempotencyKey(ctx, key)
		}
		return nil, err
	}
	if err := c.invoiceRepo.ClearRetryWithTx(ctx, tx, inv.ID, attempt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	handle, err := adapter.CreateCharge(ctx, gateway.ChargeRequest{
		InvoiceRef:     inv.Reference,
		IdempotencyKey: key,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		DueDate:        inv.DueDate,
		Metadata: map[string]string{
			"subscription_id": fmt.Sprintf("%d", inv.SubscriptionID),
			"attempt":         fmt.Sprintf("%d", attempt),
		},
	})

	switch {
	case err == nil:
		if err := c.recordHandle(ctx, ch, handle); err != nil {
			return nil, err
		}
		return ch, nil

	case xerrors.Is(err, xerrors.ErrOutcomeUnknown):
		c.logger.Warn("charge outcome unknown, waiting for webhook",
			zap.Int64("invoice_id", inv.ID),
			zap.String("idempotency_key", key),
		)
		return ch, xerrors.ErrOutcomeUnknown

	case xerrors.Is(err, xerrors.ErrPermanentProvider):
		c.logger.Warn("charge rejected at creation",
			zap.Int64("invoice_id", inv.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := c.failSynchronously(ctx, ch, inv); err != nil {
			return nil, err
		}
		return c.chargeRepo.FindByIdempotencyKey(ctx, key)

	default:
		return nil, err
	}
}

// recordHandle stores the rail's answer. Card charges may come back already
// succeeded; the invoice still becomes paid only through the reconciled
// webhook, so a settled create and a later charge.succeeded event converge on
// the same row.
func (c *Charger) recordHandle(ctx context.Context, ch *charge.Charge, handle *gateway.ChargeHandle) error {
	tx, err := c.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := c.chargeRepo.SetExternalRefWithTx(ctx, tx, ch.ID, handle.ExternalRef); err != nil {
		return err
	}
	if handle.State != charge.StateRequiresAction {
		from := []charge.ChargeState{charge.StateRequiresAction}
		if err := c.chargeRepo.UpdateStateWithTx(ctx, tx, ch.ID, from, handle.State, ""); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	ch.ExternalRef.String = handle.ExternalRef
	ch.ExternalRef.Valid = true
	ch.State = handle.State
	return nil
}

// failSynchronously applies the failure policy for a create call the rail
// rejected outright. No webhook will arrive for it, so the same ladder the
// reconciler runs for webhook failures runs here.
func (c *Charger) failSynchronously(ctx context.Context, ch *charge.Charge, inv *invoice.Invoice) error {
	sub, err := c.subRepo.FindByID(ctx, inv.SubscriptionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	nextAt, hasBudget := c.retry.NextAt(ch.Attempt, now)

	tx, err := c.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	from := []charge.ChargeState{charge.StateRequiresAction, charge.StateProcessing}
	if err := c.chargeRepo.UpdateStateWithTx(ctx, tx, ch.ID, from, charge.StateFailed, "create_rejected"); err != nil {
		return err
	}

	var pastDue, canceled bool
	if hasBudget {
		if err := c.invoiceRepo.ScheduleRetryWithTx(ctx, tx, inv.ID, ch.Attempt, nextAt); err != nil {
			return err
		}
		if pastDue, err = c.transitions.MarkPastDueWithTx(ctx, tx, sub); err != nil {
			return err
		}
	} else {
		pending := []invoice.InvoiceState{invoice.StatePending}
		if err := c.invoiceRepo.UpdateStateWithTx(ctx, tx, inv.ID, pending, invoice.StateOverdue); err != nil {
			return err
		}
		if canceled, err = c.transitions.CancelExhaustedWithTx(ctx, tx, sub); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.bus.Publish(events.Event{
		Type:           events.InvoicePaymentFailed,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
		ChargeID:       ch.ID,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		Rail:           string(inv.Rail),
		Reason:         "create_rejected",
	})
	if pastDue {
		c.bus.Publish(events.Event{Type: events.SubscriptionPastDue, TenantID: sub.TenantID, SubscriptionID: sub.ID})
	}
	if !hasBudget {
		c.bus.Publish(events.Event{Type: events.InvoiceOverdue, TenantID: sub.TenantID, SubscriptionID: sub.ID, InvoiceID: inv.ID})
		if canceled {
			c.bus.Publish(events.Event{Type: events.SubscriptionCanceled, TenantID: sub.TenantID, SubscriptionID: sub.ID, Reason: "payment_failed"})
		}
	}
	return nil
}
