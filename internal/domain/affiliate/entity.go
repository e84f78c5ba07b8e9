// internal/domain/affiliate/entity.go
package affiliate

import (
	"database/sql"
	"time"
)

// Affiliate owns a unique referral code and earns commissions on invoices
// paid by tenants it referred.
type Affiliate struct {
	ID           int64     `json:"id" db:"id"`
	Reference    string    `json:"reference" db:"reference"`
	Name         string    `json:"name" db:"name"`
	ReferralCode string    `json:"referral_code" db:"referral_code"`
	RateBps      int       `json:"rate_bps" db:"rate_bps"`
	Active       bool      `json:"active" db:"active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Referral links a referring affiliate to a referred tenant. At most one per
// tenant. RateBps snapshots the affiliate's rate at referral time, so later
// rate changes never retroactively alter accrued commissions.
type Referral struct {
	ID          int64     `json:"id" db:"id"`
	AffiliateID int64     `json:"affiliate_id" db:"affiliate_id"`
	TenantID    int64     `json:"tenant_id" db:"tenant_id"`
	RateBps     int       `json:"rate_bps" db:"rate_bps"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type CommissionStatus string

const (
	CommissionAccrued  CommissionStatus = "accrued"
	CommissionApproved CommissionStatus = "approved"
	CommissionPaid     CommissionStatus = "paid"
)

// Commission is created at most once per (referral, invoice) pair; the unique
// constraint is what makes the credit exactly-once under redelivery.
type Commission struct {
	ID         int64            `json:"id" db:"id"`
	ReferralID int64            `json:"referral_id" db:"referral_id"`
	InvoiceID  int64            `json:"invoice_id" db:"invoice_id"`
	Amount     int64            `json:"amount" db:"amount"`
	Currency   string           `json:"currency" db:"currency"`
	Status     CommissionStatus `json:"status" db:"status"`
	PayoutID   sql.NullInt64    `json:"payout_id,omitempty" db:"payout_id"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

type PayoutStatus string

const (
	PayoutOpen      PayoutStatus = "open"
	PayoutApproved  PayoutStatus = "approved"
	PayoutDisbursed PayoutStatus = "disbursed"
)

// Payout aggregates approved, unpaid commissions into a disbursement batch.
type Payout struct {
	ID          int64        `json:"id" db:"id"`
	AffiliateID int64        `json:"affiliate_id" db:"affiliate_id"`
	Amount      int64        `json:"amount" db:"amount"`
	Currency    string       `json:"currency" db:"currency"`
	Status      PayoutStatus `json:"status" db:"status"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	DisbursedAt sql.NullTime `json:"disbursed_at,omitempty" db:"disbursed_at"`
}
