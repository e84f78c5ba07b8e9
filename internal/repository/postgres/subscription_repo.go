// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zapfy-billing/internal/domain/subscription"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type SubscriptionRepository struct {
	db *pgxpool.Pool
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, reference, tenant_id, plan_id, state,
	current_period_start, current_period_end,
	cancel_at_period_end, cancel_scheduled, canceled_at,
	pending_credit, rail, external_refs, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var s subscription.Subscription
	var refsJSON []byte

	err := row.Scan(
		&s.ID, &s.Reference, &s.TenantID, &s.PlanID, &s.State,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd, &s.CancelScheduled, &s.CanceledAt,
		&s.PendingCredit, &s.Rail, &refsJSON, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	if len(refsJSON) > 0 {
		_ = json.Unmarshal(refsJSON, &s.ExternalRefs)
	}
	return &s, nil
}

// CreateWithTx inserts a subscription inside a transaction.
func (r *SubscriptionRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, s *subscription.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			reference, tenant_id, plan_id, state,
			current_period_start, current_period_end,
			cancel_at_period_end, cancel_scheduled,
			pending_credit, rail, external_refs
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	var refsJSON []byte
	var err error
	if s.ExternalRefs != nil {
		refsJSON, err = json.Marshal(s.ExternalRefs)
		if err != nil {
			return fmt.Errorf("failed to marshal external refs: %w", err)
		}
	}

	err = tx.QueryRow(
		ctx, query,
		s.Reference, s.TenantID, s.PlanID, s.State,
		s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd, s.CancelScheduled,
		s.PendingCredit, s.Rail, refsJSON,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) FindByID(ctx context.Context, id int64) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, id))
}

func (r *SubscriptionRepository) FindByReference(ctx context.Context, ref string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE reference = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, ref))
}

func (r *SubscriptionRepository) ListByTenant(ctx context.Context, tenantID int64) ([]*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, tenantID)
}

func (r *SubscriptionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*subscription.Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*subscription.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// UpdateStateWithTx is the conditional state write every transition goes
// through: the update applies only when the row still holds one of the
// expected prior states. ErrInvalidTransition when it no longer does.
func (r *SubscriptionRepository) UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []subscription.State, to subscription.State) error {
	query := `
		UPDATE subscriptions
		SET state = $1, updated_at = NOW(),
		    canceled_at = CASE WHEN $1 = 'canceled' THEN NOW() ELSE canceled_at END
		WHERE id = $2 AND state = ANY($3)
	`

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	tag, err := tx.Exec(ctx, query, to, id, states)
	if err != nil {
		return fmt.Errorf("failed to update subscription state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInvalidTransition
	}
	return nil
}

// UpdateState is the non-transactional variant for operator-initiated single
// transitions.
func (r *SubscriptionRepository) UpdateState(ctx context.Context, id int64, from []subscription.State, to subscription.State) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.UpdateStateWithTx(ctx, tx, id, from, to); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetCancelSchedule flips the cancel-at-period-end flag. scheduled records
// whether the eventual cancellation came from a schedule, which is what makes
// a later resume legal.
func (r *SubscriptionRepository) SetCancelSchedule(ctx context.Context, id int64, atPeriodEnd, scheduled bool) error {
	query := `
		UPDATE subscriptions
		SET cancel_at_period_end = $1, cancel_scheduled = $2, updated_at = NOW()
		WHERE id = $3
	`
	tag, err := r.db.Exec(ctx, query, atPeriodEnd, scheduled, id)
	if err != nil {
		return fmt.Errorf("failed to set cancel schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// AdvancePeriodWithTx moves the subscription into its next billing period.
func (r *SubscriptionRepository) AdvancePeriodWithTx(ctx context.Context, tx pgx.Tx, id int64, start, end time.Time) error {
	query := `
		UPDATE subscriptions
		SET current_period_start = $1, current_period_end = $2, updated_at = NOW()
		WHERE id = $3
	`
	tag, err := tx.Exec(ctx, query, start, end, id)
	if err != nil {
		return fmt.Errorf("failed to advance subscription period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// ChangePlanWithTx repoints the subscription at a new plan and stores any
// proration credit for the next invoice.
func (r *SubscriptionRepository) ChangePlanWithTx(ctx context.Context, tx pgx.Tx, id, planID, pendingCredit int64) error {
	query := `
		UPDATE subscriptions
		SET plan_id = $1, pending_credit = $2, updated_at = NOW()
		WHERE id = $3
	`
	tag, err := tx.Exec(ctx, query, planID, pendingCredit, id)
	if err != nil {
		return fmt.Errorf("failed to change plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// ConsumeCreditWithTx zeroes the pending credit after it was applied to an
// invoice, storing any unconsumed remainder.
func (r *SubscriptionRepository) ConsumeCreditWithTx(ctx context.Context, tx pgx.Tx, id, remainder int64) error {
	query := `UPDATE subscriptions SET pending_credit = $1, updated_at = NOW() WHERE id = $2`
	tag, err := tx.Exec(ctx, query, remainder, id)
	if err != nil {
		return fmt.Errorf("failed to consume pending credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// FindDueForRenewal returns billable subscriptions whose period has ended and
// that are not scheduled for cancellation.
func (r *SubscriptionRepository) FindDueForRenewal(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE state IN ('active', 'trialing')
		  AND current_period_end <= $1
		  AND cancel_at_period_end = FALSE
		ORDER BY current_period_end
		LIMIT $2`
	return r.list(ctx, query, now, limit)
}

// FindScheduledCancelDue returns subscriptions whose scheduled cancellation
// has come due: the flag is set and the paid period has ended.
func (r *SubscriptionRepository) FindScheduledCancelDue(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE state IN ('active', 'trialing', 'past_due')
		  AND cancel_at_period_end = TRUE
		  AND current_period_end <= $1
		ORDER BY current_period_end
		LIMIT $2`
	return r.list(ctx, query, now, limit)
}

// FindIncompleteExpired returns incomplete subscriptions older than the
// expiry window, which never collected a first successful charge.
func (r *SubscriptionRepository) FindIncompleteExpired(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE state = 'incomplete' AND created_at <= $1
		ORDER BY created_at
		LIMIT $2`
	return r.list(ctx, query, cutoff, limit)
}
