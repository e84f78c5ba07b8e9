// internal/domain/subscription/entity.go
package subscription

import (
	"database/sql"
	"time"

	"zapfy-billing/internal/domain/charge"
)

type State string

const (
	StateTrialing          State = "trialing"
	StateActive            State = "active"
	StatePastDue           State = "past_due"
	StatePaused            State = "paused"
	StateCanceled          State = "canceled"
	StateIncomplete        State = "incomplete"
	StateIncompleteExpired State = "incomplete_expired"
)

// Billable reports whether the subscription participates in renewal
// invoicing.
func (s State) Billable() bool {
	return s == StateActive || s == StateTrialing
}

// Subscription binds a tenant to a plan. It is never hard-deleted; ending a
// subscription is the soft-state transition to canceled. All state mutations
// go through the state machine service, never through a generic update.
type Subscription struct {
	ID        int64  `json:"id" db:"id"`
	Reference string `json:"reference" db:"reference"`
	TenantID  int64  `json:"tenant_id" db:"tenant_id"`
	PlanID    int64  `json:"plan_id" db:"plan_id"`

	State State `json:"state" db:"state"`

	CurrentPeriodStart time.Time `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end" db:"current_period_end"`

	// CancelAtPeriodEnd schedules cancellation instead of applying it
	// immediately. CancelScheduled records that the eventual canceled state
	// came from a schedule, which is what makes a resume legal.
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CancelScheduled   bool         `json:"cancel_scheduled" db:"cancel_scheduled"`
	CanceledAt        sql.NullTime `json:"canceled_at,omitempty" db:"canceled_at"`

	// PendingCredit is a negative proration delta, in minor units, to be
	// consumed by the next renewal invoice. Never refunded automatically.
	PendingCredit int64 `json:"pending_credit" db:"pending_credit"`

	// Rail is the tenant's configured settlement rail for this subscription.
	Rail charge.Rail `json:"rail" db:"rail"`

	// ExternalRefs holds rail-specific subscription identifiers, when a rail
	// has its own notion of a subscription.
	ExternalRefs map[string]string `json:"external_refs,omitempty" db:"external_refs"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
