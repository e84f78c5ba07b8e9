// internal/service/subscription/subscription_service.go
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"zapfy-billing/internal/config"
	"zapfy-billing/internal/domain/affiliate"
	"zapfy-billing/internal/domain/charge"
	"zapfy-billing/internal/domain/invoice"
	"zapfy-billing/internal/domain/plan"
	"zapfy-billing/internal/domain/subscription"
	"zapfy-billing/internal/events"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type SubscriptionStore interface {
	CreateWithTx(ctx context.Context, tx pgx.Tx, s *subscription.Subscription) error
	FindByID(ctx context.Context, id int64) (*subscription.Subscription, error)
	FindByReference(ctx context.Context, ref string) (*subscription.Subscription, error)
	ListByTenant(ctx context.Context, tenantID int64) ([]*subscription.Subscription, error)
	UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []subscription.State, to subscription.State) error
	UpdateState(ctx context.Context, id int64, from []subscription.State, to subscription.State) error
	SetCancelSchedule(ctx context.Context, id int64, atPeriodEnd, scheduled bool) error
	ChangePlanWithTx(ctx context.Context, tx pgx.Tx, id, planID, pendingCredit int64) error
	FindScheduledCancelDue(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	FindIncompleteExpired(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.Subscription, error)
}

type PlanStore interface {
	FindByID(ctx context.Context, id int64) (*plan.Plan, error)
	FindByCode(ctx context.Context, code string) (*plan.Plan, error)
}

type InvoiceStore interface {
	CreateWithTx(ctx context.Context, tx pgx.Tx, inv *invoice.Invoice) error
}

type ReferralStore interface {
	FindAffiliateByCode(ctx context.Context, code string) (*affiliate.Affiliate, error)
	CreateReferral(ctx context.Context, ref *affiliate.Referral) error
}

// ChargeDispatcher opens a charge attempt for an invoice on its rail.
type ChargeDispatcher interface {
	Dispatch(ctx context.Context, inv *invoice.Invoice, attempt int) (*charge.Charge, error)
}

// UsageSource reports how many instances a tenant currently runs. Downgrades
// below current usage are refused.
type UsageSource interface {
	InstancesUsed(ctx context.Context, tenantID int64) (int, error)
}

type TxBeginner interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

type SubscriptionService struct {
	subscriptionRepo SubscriptionStore
	planRepo         PlanStore
	invoiceRepo      InvoiceStore
	referralRepo     ReferralStore
	charger          ChargeDispatcher
	usage            UsageSource
	db               TxBeginner
	bus              *events.Bus
	cfg              config.BillingConfig
	logger           *zap.Logger
}

func NewSubscriptionService(
	subscriptionRepo SubscriptionStore,
	planRepo PlanStore,
	invoiceRepo InvoiceStore,
	referralRepo ReferralStore,
	charger ChargeDispatcher,
	usage UsageSource,
	db TxBeginner,
	bus *events.Bus,
	cfg config.BillingConfig,
	logger *zap.Logger,
) *SubscriptionService {
	return &SubscriptionService{
		subscriptionRepo: subscriptionRepo,
		planRepo:         planRepo,
		invoiceRepo:      invoiceRepo,
		referralRepo:     referralRepo,
		charger:          charger,
		usage:            usage,
		db:               db,
		bus:              bus,
		cfg:              cfg,
		logger:           logger,
	}
}

// CheckoutResult is what a new checkout produced: the incomplete
// subscription, its first invoice and the first charge attempt.
type CheckoutResult struct {
	Subscription *subscription.Subscription `json:"subscription"`
	Invoice      *invoice.Invoice           `json:"invoice"`
	Charge       *charge.Charge             `json:"charge,omitempty"`
}

// Checkout opens a subscription for a tenant. The subscription starts
// incomplete and activates only when the first charge settles; an unpaid
// checkout expires on its own.
func (s *SubscriptionService) Checkout(ctx context.Context, req *subscription.CheckoutRequest) (*CheckoutResult, error) {
	if _, err := charge.ParseRail(string(req.Rail)); err != nil {
		return nil, err
	}

	p, err := s.planRepo.FindByCode(ctx, req.PlanCode)
	if err != nil {
		return nil, fmt.Errorf("plan not found: %w", err)
	}

	now := time.Now().UTC()

	sub := &subscription.Subscription{
		Reference:          "sub_" + ulid.Make().String(),
		TenantID:           req.TenantID,
		PlanID:             p.ID,
		State:              subscription.StateIncomplete,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   p.PeriodEnd(now),
		Rail:               req.Rail,
	}

	inv := &invoice.Invoice{
		Reference:    "inv_" + ulid.Make().String(),
		PeriodStart:  sub.CurrentPeriodStart,
		PeriodEnd:    sub.CurrentPeriodEnd,
		Amount:       p.Price,
		Currency:     p.Currency,
		State:        invoice.StatePending,
		DueDate:      now.AddDate(0, 0, s.cfg.InvoiceDueDays),
		Rail:         req.Rail,
		TaxDocStatus: invoice.TaxDocNone,
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.subscriptionRepo.CreateWithTx(ctx, tx, sub); err != nil {
		return nil, err
	}
	inv.SubscriptionID = sub.ID
	if err := s.invoiceRepo.CreateWithTx(ctx, tx, inv); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if req.ReferralCode != "" {
		s.attachReferral(ctx, req.TenantID, req.ReferralCode)
	}

	s.logger.Info("checkout created",
		zap.Int64("subscription_id", sub.ID),
		zap.String("subscription_reference", sub.Reference),
		zap.Int64("tenant_id", req.TenantID),
		zap.String("plan_code", p.Code),
		zap.String("rail", string(req.Rail)),
	)

	ch, err := s.charger.Dispatch(ctx, inv, 1)
	if err != nil && !xerrors.Is(err, xerrors.ErrOutcomeUnknown) {
		return nil, err
	}
	return &CheckoutResult{Subscription: sub, Invoice: inv, Charge: ch}, err
}

// attachReferral binds the tenant to the affiliate behind the code,
// snapshotting the commission rate. A bad code never fails the checkout.
func (s *SubscriptionService) attachReferral(ctx context.Context, tenantID int64, code string) {
	aff, err := s.referralRepo.FindAffiliateByCode(ctx, code)
	if err != nil {
		s.logger.Warn("referral code not found", zap.String("code", code), zap.Error(err))
		return
	}

	err = s.referralRepo.CreateReferral(ctx, &affiliate.Referral{
		AffiliateID: aff.ID,
		TenantID:    tenantID,
		RateBps:     aff.RateBps,
	})
	if xerrors.Is(err, xerrors.ErrDuplicateEntry) {
		s.logger.Debug("tenant already referred", zap.Int64("tenant_id", tenantID))
		return
	}
	if err != nil {
		s.logger.Warn("failed to create referral", zap.Error(err))
	}
}

// GetSubscription retrieves a subscription by reference.
func (s *SubscriptionService) GetSubscription(ctx context.Context, ref string) (*subscription.Subscription, error) {
	return s.subscriptionRepo.FindByReference(ctx, ref)
}

// ListByTenant retrieves a tenant's subscriptions.
func (s *SubscriptionService) ListByTenant(ctx context.Context, tenantID int64) ([]*subscription.Subscription, error) {
	return s.subscriptionRepo.ListByTenant(ctx, tenantID)
}

// Cancel ends a subscription. With AtPeriodEnd the subscription keeps its
// state and only a schedule flag is set; access continues until the paid
// period ends. Without it the cancellation applies immediately and is not
// resumable.
func (s *SubscriptionService) Cancel(ctx context.Context, ref string, req *subscription.CancelRequest) (*subscription.Subscription, error) {
	sub, err := s.subscriptionRepo.FindByReference(ctx, ref)
	if err != nil {
		return nil, err
	}

	if sub.State == subscription.StateCanceled || sub.State == subscription.StateIncompleteExpired {
		return nil, xerrors.ErrInvalidTransition
	}

	if req.AtPeriodEnd {
		if !sub.State.Billable() && sub.State != subscription.StatePastDue {
			return nil, xerrors.ErrInvalidTransition
		}
		if err := s.subscriptionRepo.SetCancelSchedule(ctx, sub.ID, true, true); err != nil {
			return nil, err
		}
		s.logger.Info("cancellation scheduled",
			zap.Int64("subscription_id", sub.ID),
			zap.String("reason", req.Reason),
		)
		return s.subscriptionRepo.FindByID(ctx, sub.ID)
	}

	from := []subscription.State{
		subscription.StateTrialing,
		subscription.StateActive,
		subscription.StatePastDue,
		subscription.StatePaused,
		subscription.StateIncomplete,
	}
	if err := s.subscriptionRepo.UpdateState(ctx, sub.ID, from, subscription.StateCanceled); err != nil {
		return nil, err
	}
	if err := s.subscriptionRepo.SetCancelSchedule(ctx, sub.ID, false, false); err != nil {
		return nil, err
	}

	s.logger.Info("subscription canceled",
		zap.Int64("subscription_id", sub.ID),
		zap.String("reason", req.Reason),
	)
	s.bus.Publish(events.Event{
		Type:           events.SubscriptionCanceled,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Reason:         req.Reason,
	})

	return s.subscriptionRepo.FindByID(ctx, sub.ID)
}

// Resume undoes a scheduled cancellation. Before the period ends this just
// clears the schedule flag; a subscription already canceled by the schedule
// can be resumed only while its paid period still runs. Immediate
// cancellations are never resumable.
func (s *SubscriptionService) Resume(ctx context.Context, ref string) (*subscription.Subscription, error) {
	sub, err := s.subscriptionRepo.FindByReference(ctx, ref)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	switch {
	case sub.CancelAtPeriodEnd && (sub.State.Billable() || sub.State == subscription.StatePastDue):
		if err := s.subscriptionRepo.SetCancelSchedule(ctx, sub.ID, false, false); err != nil {
			return nil, err
		}

	case sub.State == subscription.StateCanceled && sub.CancelScheduled && now.Before(sub.CurrentPeriodEnd):
		from := []subscription.State{subscription.StateCanceled}
		if err := s.subscriptionRepo.UpdateState(ctx, sub.ID, from, subscription.StateActive); err != nil {
			return nil, err
		}
		if err := s.subscriptionRepo.SetCancelSchedule(ctx, sub.ID, false, false); err != nil {
			return nil, err
		}
		s.bus.Publish(events.Event{
			Type:           events.SubscriptionActive,
			TenantID:       sub.TenantID,
			SubscriptionID: sub.ID,
		})

	default:
		return nil, xerrors.ErrInvalidTransition
	}

	s.logger.Info("subscription resumed", zap.Int64("subscription_id", sub.ID))
	return s.subscriptionRepo.FindByID(ctx, sub.ID)
}

// ChangePlanResult carries the prorated outcome of a plan switch. For an
// upgrade a supplemental invoice is charged immediately; for a downgrade the
// credit waits for the next renewal.
type ChangePlanResult struct {
	Subscription *subscription.Subscription `json:"subscription"`
	Delta        int64                      `json:"delta"`
	Invoice      *invoice.Invoice           `json:"invoice,omitempty"`
	Charge       *charge.Charge             `json:"charge,omitempty"`
}

// ChangePlan switches the subscription to a new plan mid-period. The price
// difference for the remaining period is settled pro rata.
func (s *SubscriptionService) ChangePlan(ctx context.Context, ref string, req *subscription.ChangePlanRequest) (*ChangePlanResult, error) {
	sub, err := s.subscriptionRepo.FindByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !sub.State.Billable() {
		return nil, xerrors.ErrInvalidTransition
	}

	newPlan, err := s.planRepo.FindByCode(ctx, req.PlanCode)
	if err != nil {
		return nil, fmt.Errorf("plan not found: %w", err)
	}
	if newPlan.ID == sub.PlanID {
		return nil, fmt.Errorf("%w: already on plan %s", xerrors.ErrConflict, req.PlanCode)
	}

	oldPlan, err := s.planRepo.FindByID(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if newPlan.Currency != oldPlan.Currency {
		return nil, fmt.Errorf("%w: plan currency mismatch", xerrors.ErrInvalidInput)
	}

	if newPlan.InstanceQuota < oldPlan.InstanceQuota && s.usage != nil {
		used, err := s.usage.InstancesUsed(ctx, sub.TenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to check instance usage: %w", err)
		}
		if used > newPlan.InstanceQuota {
			return nil, fmt.Errorf("%w: %d instances in use, new plan allows %d",
				xerrors.ErrConflict, used, newPlan.InstanceQuota)
		}
	}

	now := time.Now().UTC()
	delta := Prorate(oldPlan.Price, newPlan.Price, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)

	var supplemental *invoice.Invoice
	pendingCredit := sub.PendingCredit
	if delta > 0 {
		supplemental = &invoice.Invoice{
			Reference:      "inv_" + ulid.Make().String(),
			SubscriptionID: sub.ID,
			PeriodStart:    now,
			PeriodEnd:      sub.CurrentPeriodEnd,
			Amount:         delta,
			Currency:       newPlan.Currency,
			State:          invoice.StatePending,
			DueDate:        now.AddDate(0, 0, s.cfg.InvoiceDueDays),
			Rail:           sub.Rail,
			TaxDocStatus:   invoice.TaxDocNone,
			Supplemental:   true,
		}
	} else {
		pendingCredit += -delta
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.subscriptionRepo.ChangePlanWithTx(ctx, tx, sub.ID, newPlan.ID, pendingCredit); err != nil {
		return nil, err
	}
	if supplemental != nil {
		if err := s.invoiceRepo.CreateWithTx(ctx, tx, supplemental); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("plan changed",
		zap.Int64("subscription_id", sub.ID),
		zap.String("from_plan", oldPlan.Code),
		zap.String("to_plan", newPlan.Code),
		zap.Int64("proration_delta", delta),
	)

	result := &ChangePlanResult{Delta: delta, Invoice: supplemental}
	if supplemental != nil {
		ch, err := s.charger.Dispatch(ctx, supplemental, 1)
		if err != nil && !xerrors.Is(err, xerrors.ErrOutcomeUnknown) {
			return nil, err
		}
		result.Charge = ch
	}

	result.Subscription, err = s.subscriptionRepo.FindByID(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Pause suspends renewal invoicing for an active subscription.
func (s *SubscriptionService) Pause(ctx context.Context, ref string) (*subscription.Subscription, error) {
	return s.transitionByRef(ctx, ref, []subscription.State{subscription.StateActive}, subscription.StatePaused)
}

// Unpause puts a paused subscription back on the billing schedule. If the
// period already ended, the next generator run issues the renewal invoice.
func (s *SubscriptionService) Unpause(ctx context.Context, ref string) (*subscription.Subscription, error) {
	return s.transitionByRef(ctx, ref, []subscription.State{subscription.StatePaused}, subscription.StateActive)
}

func (s *SubscriptionService) transitionByRef(ctx context.Context, ref string, from []subscription.State, to subscription.State) (*subscription.Subscription, error) {
	sub, err := s.subscriptionRepo.FindByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.subscriptionRepo.UpdateState(ctx, sub.ID, from, to); err != nil {
		return nil, err
	}
	s.logger.Info("subscription state changed",
		zap.Int64("subscription_id", sub.ID),
		zap.String("to", string(to)),
	)
	return s.subscriptionRepo.FindByID(ctx, sub.ID)
}
