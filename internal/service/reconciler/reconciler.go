// internal/service/reconciler/reconciler.go
package reconciler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"zapfy-billing/internal/domain/charge"
	"zapfy-billing/internal/domain/invoice"
	"zapfy-billing/internal/domain/subscription"
	"zapfy-billing/internal/domain/webhookevent"
	"zapfy-billing/internal/events"
	"zapfy-billing/internal/gateway"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type EventLog interface {
	InsertReceived(ctx context.Context, rail charge.Rail, externalID string) (bool, error)
	Find(ctx context.Context, rail charge.Rail, externalID string) (*webhookevent.WebhookEvent, error)
	MarkOutcomeWithTx(ctx context.Context, tx pgx.Tx, rail charge.Rail, externalID string, outcome webhookevent.Outcome, reason string) error
	MarkOutcome(ctx context.Context, rail charge.Rail, externalID string, outcome webhookevent.Outcome, reason string) error
}

type ChargeStore interface {
	FindByID(ctx context.Context, id int64) (*charge.Charge, error)
	FindByExternalRef(ctx context.Context, rail charge.Rail, externalRef string) (*charge.Charge, error)
	UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []charge.ChargeState, to charge.ChargeState, failureCode string) error
}

type InvoiceStore interface {
	FindByID(ctx context.Context, id int64) (*invoice.Invoice, error)
	MarkPaidWithTx(ctx context.Context, tx pgx.Tx, id int64, paidAt time.Time) error
	UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []invoice.InvoiceState, to invoice.InvoiceState) error
	ScheduleRetryWithTx(ctx context.Context, tx pgx.Tx, id int64, attemptCount int, nextRetryAt time.Time) error
}

type SubscriptionStore interface {
	FindByID(ctx context.Context, id int64) (*subscription.Subscription, error)
}

// Transitions is the reconciler's view of the subscription state machine.
// Every method runs inside the reconciler's transaction.
type Transitions interface {
	ActivateOnPaymentWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error)
	MarkPastDueWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error)
	CancelExhaustedWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error)
	CancelFromUpstreamWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error)
}

type CommissionReverser interface {
	RevokeByInvoiceWithTx(ctx context.Context, tx pgx.Tx, invoiceID int64) error
}

type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type TxBeginner interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

const invoiceLockTTL = 10 * time.Second

// unmatchedGrace is how long an event whose charge reference resolves to
// nothing stays reprocessable. Rails can deliver a webhook before the charge
// row carries its external reference, since the reference is recorded in a
// follow-up write after the provider call returns.
const unmatchedGrace = 10 * time.Minute

// Reconciler turns raw rail webhooks into ledger state. Processing one event
// is: verify, dedup, resolve, lock the invoice, re-read fresh state, apply
// the mutation and the dedup-log outcome in one transaction, then emit domain
// events. Every path is idempotent; the dedup log's atomic insert is the one
// serialization point duplicate deliveries cannot get past.
type Reconciler struct {
	registry       *gateway.Registry
	eventLog       EventLog
	chargeRepo     ChargeStore
	invoiceRepo    InvoiceStore
	subRepo        SubscriptionStore
	transitions    Transitions
	commissionRepo CommissionReverser
	locker         Locker
	db             TxBeginner
	bus            *events.Bus
	retry          invoice.RetryPolicy
	logger         *zap.Logger
}

func NewReconciler(
	registry *gateway.Registry,
	eventLog EventLog,
	chargeRepo ChargeStore,
	invoiceRepo InvoiceStore,
	subRepo SubscriptionStore,
	transitions Transitions,
	commissionRepo CommissionReverser,
	locker Locker,
	db TxBeginner,
	bus *events.Bus,
	retry invoice.RetryPolicy,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		registry:       registry,
		eventLog:       eventLog,
		chargeRepo:     chargeRepo,
		invoiceRepo:    invoiceRepo,
		subRepo:        subRepo,
		transitions:    transitions,
		commissionRepo: commissionRepo,
		locker:         locker,
		db:             db,
		bus:            bus,
		retry:          retry,
		logger:         logger,
	}
}

// Process handles one inbound webhook delivery. A nil return means the rail
// should consider the delivery accepted, including events that were absorbed
// as duplicates or rejected as unmatchable; redelivering those would change
// nothing.
func (r *Reconciler) Process(ctx context.Context, rail charge.Rail, payload []byte, header http.Header) error {
	adapter, err := r.registry.ForRail(rail)
	if err != nil {
		return err
	}

	ev, err := adapter.NormalizeWebhook(payload, header)
	if err != nil {
		return err
	}

	inserted, err := r.eventLog.InsertReceived(ctx, rail, ev.ExternalID)
	if err != nil {
		return err
	}
	if !inserted {
		prior, err := r.eventLog.Find(ctx, rail, ev.ExternalID)
		if err != nil {
			return err
		}
		// A prior delivery that finished (applied, rejected or deduplicated)
		// absorbs this one. Only a row stuck in received is reprocessed,
		// which happens after a crash between insert and finalize.
		if prior.Outcome != webhookevent.OutcomeReceived {
			r.logger.Debug("duplicate webhook delivery absorbed",
				zap.String("rail", string(rail)),
				zap.String("external_id", ev.ExternalID),
				zap.String("outcome", string(prior.Outcome)),
			)
			return nil
		}
	}

	ch, err := r.chargeRepo.FindByExternalRef(ctx, rail, ev.ChargeRef)
	if xerrors.Is(err, xerrors.ErrNotFound) {
		return r.handleUnmatched(ctx, ev)
	}
	if err != nil {
		return err
	}

	key := fmt.Sprintf("invoice:%d", ch.InvoiceID)
	return r.locker.WithLock(ctx, key, invoiceLockTTL, func(ctx context.Context) error {
		return r.apply(ctx, ev, ch.ID)
	})
}

// apply re-reads fresh state under the invoice lock and dispatches on the
// event type.
func (r *Reconciler) apply(ctx context.Context, ev *gateway.NormalizedEvent, chargeID int64) error {
	ch, err := r.chargeRepo.FindByID(ctx, chargeID)
	if err != nil {
		return err
	}
	inv, err := r.invoiceRepo.FindByID(ctx, ch.InvoiceID)
	if err != nil {
		return err
	}
	sub, err := r.subRepo.FindByID(ctx, inv.SubscriptionID)
	if err != nil {
		return err
	}

	switch ev.Type {
	case gateway.EventChargeSucceeded:
		return r.applySucceeded(ctx, ev, ch, inv, sub)
	case gateway.EventChargeFailed:
		return r.applyFailed(ctx, ev, ch, inv, sub)
	case gateway.EventChargeRefunded:
		return r.applyRefunded(ctx, ev, ch, inv, sub)
	case gateway.EventSubscriptionCanceled:
		return r.applyUpstreamCancel(ctx, ev, sub)
	default:
		return r.reject(ctx, ev, "unsupported event type")
	}
}

func (r *Reconciler) applySucceeded(ctx context.Context, ev *gateway.NormalizedEvent, ch *charge.Charge, inv *invoice.Invoice, sub *subscription.Subscription) error {
	if ch.State == charge.StateSucceeded && inv.State == invoice.StatePaid {
		return r.dedup(ctx, ev, "payment already applied")
	}
	if inv.State == invoice.StateRefunded {
		return r.rejectInvariant(ctx, ev, inv, "success event on refunded invoice")
	}
	if ch.State == charge.StateFailed {
		return r.rejectInvariant(ctx, ev, inv, "success event for failed charge")
	}

	paidAt := ev.OccurredAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The from-set includes succeeded because card charges can settle
	// synchronously at creation; the webhook then confirms a state the
	// charge already holds.
	from := []charge.ChargeState{charge.StateRequiresAction, charge.StateProcessing, charge.StateSucceeded}
	if err := r.chargeRepo.UpdateStateWithTx(ctx, tx, ch.ID, from, charge.StateSucceeded, ""); err != nil {
		return err
	}
	if err := r.invoiceRepo.MarkPaidWithTx(ctx, tx, inv.ID, paidAt); err != nil {
		if xerrors.Is(err, xerrors.ErrInvalidTransition) {
			tx.Rollback(ctx)
			return r.rejectInvariant(ctx, ev, inv, "invoice not in payable state")
		}
		return err
	}
	activated, err := r.transitions.ActivateOnPaymentWithTx(ctx, tx, sub)
	if err != nil {
		return err
	}
	if err := r.eventLog.MarkOutcomeWithTx(ctx, tx, ev.Rail, ev.ExternalID, webhookevent.OutcomeApplied, ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info("payment applied",
		zap.Int64("invoice_id", inv.ID),
		zap.Int64("charge_id", ch.ID),
		zap.String("rail", string(ev.Rail)),
	)

	r.bus.Publish(events.Event{
		Type:           events.InvoicePaid,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
		ChargeID:       ch.ID,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		Rail:           string(ev.Rail),
	})
	if activated {
		r.bus.Publish(events.Event{
			Type:           events.SubscriptionActive,
			TenantID:       sub.TenantID,
			SubscriptionID: sub.ID,
		})
	}
	return nil
}

func (r *Reconciler) applyFailed(ctx context.Context, ev *gateway.NormalizedEvent, ch *charge.Charge, inv *invoice.Invoice, sub *subscription.Subscription) error {
	if ch.State == charge.StateSucceeded || inv.State == invoice.StatePaid {
		return r.rejectInvariant(ctx, ev, inv, "failure event after settled payment")
	}
	if ch.State == charge.StateFailed {
		return r.dedup(ctx, ev, "failure already applied")
	}
	if inv.State.Terminal() {
		return r.rejectInvariant(ctx, ev, inv, "failure event on terminal invoice")
	}

	now := time.Now().UTC()
	nextAt, hasBudget := r.retry.NextAt(ch.Attempt, now)

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	from := []charge.ChargeState{charge.StateRequiresAction, charge.StateProcessing}
	if err := r.chargeRepo.UpdateStateWithTx(ctx, tx, ch.ID, from, charge.StateFailed, ev.FailureCode); err != nil {
		return err
	}

	var pastDue, canceled bool
	if hasBudget {
		if err := r.invoiceRepo.ScheduleRetryWithTx(ctx, tx, inv.ID, ch.Attempt, nextAt); err != nil {
			return err
		}
		if pastDue, err = r.transitions.MarkPastDueWithTx(ctx, tx, sub); err != nil {
			return err
		}
	} else {
		pending := []invoice.InvoiceState{invoice.StatePending}
		if err := r.invoiceRepo.UpdateStateWithTx(ctx, tx, inv.ID, pending, invoice.StateOverdue); err != nil {
			return err
		}
		if canceled, err = r.transitions.CancelExhaustedWithTx(ctx, tx, sub); err != nil {
			return err
		}
	}

	if err := r.eventLog.MarkOutcomeWithTx(ctx, tx, ev.Rail, ev.ExternalID, webhookevent.OutcomeApplied, ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info("payment failure applied",
		zap.Int64("invoice_id", inv.ID),
		zap.Int64("charge_id", ch.ID),
		zap.Int("attempt", ch.Attempt),
		zap.String("failure_code", ev.FailureCode),
		zap.Bool("retry_scheduled", hasBudget),
	)

	r.bus.Publish(events.Event{
		Type:           events.InvoicePaymentFailed,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
		ChargeID:       ch.ID,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		Rail:           string(ev.Rail),
		Reason:         ev.FailureCode,
	})
	if pastDue {
		r.bus.Publish(events.Event{Type: events.SubscriptionPastDue, TenantID: sub.TenantID, SubscriptionID: sub.ID})
	}
	if !hasBudget {
		r.bus.Publish(events.Event{Type: events.InvoiceOverdue, TenantID: sub.TenantID, SubscriptionID: sub.ID, InvoiceID: inv.ID})
		if canceled {
			r.bus.Publish(events.Event{Type: events.SubscriptionCanceled, TenantID: sub.TenantID, SubscriptionID: sub.ID, Reason: "payment_failed"})
		}
	}
	return nil
}

func (r *Reconciler) applyRefunded(ctx context.Context, ev *gateway.NormalizedEvent, ch *charge.Charge, inv *invoice.Invoice, sub *subscription.Subscription) error {
	if inv.State == invoice.StateRefunded {
		return r.dedup(ctx, ev, "refund already applied")
	}
	if inv.State != invoice.StatePaid {
		return r.reject(ctx, ev, "refund event for unpaid invoice")
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	paid := []invoice.InvoiceState{invoice.StatePaid}
	if err := r.invoiceRepo.UpdateStateWithTx(ctx, tx, inv.ID, paid, invoice.StateRefunded); err != nil {
		return err
	}
	// An accrued commission on a refunded invoice is void. Commissions
	// already swept into a payout are settled and stay.
	if err := r.commissionRepo.RevokeByInvoiceWithTx(ctx, tx, inv.ID); err != nil {
		return err
	}
	if err := r.eventLog.MarkOutcomeWithTx(ctx, tx, ev.Rail, ev.ExternalID, webhookevent.OutcomeApplied, ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info("refund applied",
		zap.Int64("invoice_id", inv.ID),
		zap.Int64("charge_id", ch.ID),
	)

	r.bus.Publish(events.Event{
		Type:           events.InvoiceRefunded,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
		ChargeID:       ch.ID,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		Rail:           string(ev.Rail),
	})
	return nil
}

func (r *Reconciler) applyUpstreamCancel(ctx context.Context, ev *gateway.NormalizedEvent, sub *subscription.Subscription) error {
	if sub.State == subscription.StateCanceled {
		return r.dedup(ctx, ev, "subscription already canceled")
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	canceled, err := r.transitions.CancelFromUpstreamWithTx(ctx, tx, sub)
	if err != nil {
		return err
	}
	if err := r.eventLog.MarkOutcomeWithTx(ctx, tx, ev.Rail, ev.ExternalID, webhookevent.OutcomeApplied, ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if canceled {
		r.logger.Info("upstream cancellation applied", zap.Int64("subscription_id", sub.ID))
		r.bus.Publish(events.Event{
			Type:           events.SubscriptionCanceled,
			TenantID:       sub.TenantID,
			SubscriptionID: sub.ID,
			Reason:         "upstream",
		})
	}
	return nil
}

// handleUnmatched decides what to do with an event whose charge reference is
// not in the ledger yet. Inside the grace window the event row stays in
// received and the rail gets a retryable error, so its redelivery re-resolves
// once the charge's external reference lands. Past the window the event is
// genuinely unmatchable and goes to the rejected audit queue.
func (r *Reconciler) handleUnmatched(ctx context.Context, ev *gateway.NormalizedEvent) error {
	row, err := r.eventLog.Find(ctx, ev.Rail, ev.ExternalID)
	if err != nil {
		return err
	}
	if time.Since(row.ReceivedAt) >= unmatchedGrace {
		return r.reject(ctx, ev, "unknown charge reference")
	}
	r.logger.Warn("charge reference not recorded yet, deferring to redelivery",
		zap.String("rail", string(ev.Rail)),
		zap.String("external_id", ev.ExternalID),
		zap.String("charge_ref", ev.ChargeRef),
	)
	return fmt.Errorf("%w: charge %q not recorded yet", xerrors.ErrNotFound, ev.ChargeRef)
}

// dedup finalizes an event that describes state already applied. Not an
// error: rails redeliver freely.
func (r *Reconciler) dedup(ctx context.Context, ev *gateway.NormalizedEvent, reason string) error {
	r.logger.Debug("semantic duplicate absorbed",
		zap.String("rail", string(ev.Rail)),
		zap.String("external_id", ev.ExternalID),
		zap.String("reason", reason),
	)
	return r.eventLog.MarkOutcome(ctx, ev.Rail, ev.ExternalID, webhookevent.OutcomeDeduplicated, reason)
}

// reject finalizes an event that cannot be applied. The delivery is still
// acknowledged; the rejected row is the operator's audit trail.
func (r *Reconciler) reject(ctx context.Context, ev *gateway.NormalizedEvent, reason string) error {
	r.logger.Warn("webhook event rejected",
		zap.String("rail", string(ev.Rail)),
		zap.String("external_id", ev.ExternalID),
		zap.String("type", string(ev.Type)),
		zap.String("reason", reason),
	)
	return r.eventLog.MarkOutcome(ctx, ev.Rail, ev.ExternalID, webhookevent.OutcomeRejected, reason)
}

// rejectInvariant is reject plus a loud log: the event asked for a backward
// transition out of a terminal state, which points at a provider or
// integration bug.
func (r *Reconciler) rejectInvariant(ctx context.Context, ev *gateway.NormalizedEvent, inv *invoice.Invoice, reason string) error {
	r.logger.Error("invariant violation in webhook event",
		zap.String("rail", string(ev.Rail)),
		zap.String("external_id", ev.ExternalID),
		zap.String("type", string(ev.Type)),
		zap.Int64("invoice_id", inv.ID),
		zap.String("invoice_state", string(inv.State)),
		zap.String("reason", reason),
		zap.Error(xerrors.ErrInvariantViolation),
	)
	return r.eventLog.MarkOutcome(ctx, ev.Rail, ev.ExternalID, webhookevent.OutcomeRejected, reason)
}
