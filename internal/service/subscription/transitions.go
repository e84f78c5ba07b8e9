// internal/service/subscription/transitions.go
package subscription

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"zapfy-billing/internal/domain/subscription"
	"zapfy-billing/internal/events"
	xerrors "zapfy-billing/internal/pkg/errors"
)

// Reconciler-driven transitions. These run inside the reconciler's webhook
// transaction so the subscription write commits or rolls back together with
// the invoice and dedup-log writes. Each returns whether the state actually
// changed, which is what gates event emission.

// ActivateOnPaymentWithTx moves the subscription to active after a settled
// charge. Payment on a canceled or paused subscription is recorded against
// the invoice but never reactivates it.
func (s *SubscriptionService) ActivateOnPaymentWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error) {
	switch sub.State {
	case subscription.StateActive:
		return false, nil
	case subscription.StateIncomplete, subscription.StateTrialing, subscription.StatePastDue:
		from := []subscription.State{
			subscription.StateIncomplete,
			subscription.StateTrialing,
			subscription.StatePastDue,
		}
		if err := s.subscriptionRepo.UpdateStateWithTx(ctx, tx, sub.ID, from, subscription.StateActive); err != nil {
			return false, err
		}
		return true, nil
	default:
		s.logger.Info("payment on inactive subscription, not reactivating",
			zap.Int64("subscription_id", sub.ID),
			zap.String("state", string(sub.State)),
		)
		return false, nil
	}
}

// MarkPastDueWithTx flags a billable subscription after a failed charge that
// still has retry budget.
func (s *SubscriptionService) MarkPastDueWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error) {
	if !sub.State.Billable() {
		return false, nil
	}
	from := []subscription.State{subscription.StateActive, subscription.StateTrialing}
	if err := s.subscriptionRepo.UpdateStateWithTx(ctx, tx, sub.ID, from, subscription.StatePastDue); err != nil {
		return false, err
	}
	return true, nil
}

// CancelExhaustedWithTx cancels the subscription once the charge-attempt
// budget is spent.
func (s *SubscriptionService) CancelExhaustedWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error) {
	return s.cancelWithTx(ctx, tx, sub)
}

// CancelFromUpstreamWithTx applies a cancellation the rail reported, e.g. a
// revoked card mandate.
func (s *SubscriptionService) CancelFromUpstreamWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error) {
	return s.cancelWithTx(ctx, tx, sub)
}

func (s *SubscriptionService) cancelWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error) {
	if sub.State == subscription.StateCanceled || sub.State == subscription.StateIncompleteExpired {
		return false, nil
	}
	from := []subscription.State{
		subscription.StateTrialing,
		subscription.StateActive,
		subscription.StatePastDue,
		subscription.StatePaused,
		subscription.StateIncomplete,
	}
	if err := s.subscriptionRepo.UpdateStateWithTx(ctx, tx, sub.ID, from, subscription.StateCanceled); err != nil {
		return false, err
	}
	return true, nil
}

// FinalizeScheduledCancels cancels subscriptions whose scheduled cancellation
// has come due. Called from the billing scheduler.
func (s *SubscriptionService) FinalizeScheduledCancels(ctx context.Context, now time.Time) (int, error) {
	due, err := s.subscriptionRepo.FindScheduledCancelDue(ctx, now, 500)
	if err != nil {
		return 0, err
	}

	var count int
	for _, sub := range due {
		from := []subscription.State{
			subscription.StateTrialing,
			subscription.StateActive,
			subscription.StatePastDue,
		}
		err := s.subscriptionRepo.UpdateState(ctx, sub.ID, from, subscription.StateCanceled)
		if xerrors.Is(err, xerrors.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			s.logger.Error("failed to finalize scheduled cancel",
				zap.Int64("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		count++
		s.bus.Publish(events.Event{
			Type:           events.SubscriptionCanceled,
			TenantID:       sub.TenantID,
			SubscriptionID: sub.ID,
			Reason:         "scheduled",
		})
	}

	if count > 0 {
		s.logger.Info("scheduled cancellations finalized", zap.Int("count", count))
	}
	return count, nil
}

// ExpireIncomplete expires checkouts that never collected their first
// successful charge within the expiry window.
func (s *SubscriptionService) ExpireIncomplete(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.IncompleteExpiry)
	stale, err := s.subscriptionRepo.FindIncompleteExpired(ctx, cutoff, 500)
	if err != nil {
		return 0, err
	}

	var count int
	for _, sub := range stale {
		from := []subscription.State{subscription.StateIncomplete}
		err := s.subscriptionRepo.UpdateState(ctx, sub.ID, from, subscription.StateIncompleteExpired)
		if xerrors.Is(err, xerrors.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			s.logger.Error("failed to expire incomplete subscription",
				zap.Int64("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.Info("incomplete subscriptions expired", zap.Int("count", count))
	}
	return count, nil
}
