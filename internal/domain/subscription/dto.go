// internal/domain/subscription/dto.go
package subscription

import "zapfy-billing/internal/domain/charge"

// CheckoutRequest opens a new subscription for a tenant. The subscription is
// created incomplete and activates on its first successful charge.
type CheckoutRequest struct {
	TenantID     int64       `json:"tenant_id" binding:"required"`
	PlanCode     string      `json:"plan_code" binding:"required"`
	Rail         charge.Rail `json:"rail" binding:"required"`
	ReferralCode string      `json:"referral_code,omitempty"`
}

// CancelRequest cancels a subscription, immediately or at period end.
type CancelRequest struct {
	AtPeriodEnd bool   `json:"at_period_end"`
	Reason      string `json:"reason,omitempty"`
}

// ChangePlanRequest switches the subscription to a new plan mid-period with
// prorated settlement of the price difference.
type ChangePlanRequest struct {
	PlanCode string `json:"plan_code" binding:"required"`
}
