// internal/domain/invoice/entity.go
package invoice

import (
	"database/sql"
	"time"

	"zapfy-billing/internal/domain/charge"
)

type InvoiceState string

const (
	StateDraft    InvoiceState = "draft"
	StatePending  InvoiceState = "pending"
	StatePaid     InvoiceState = "paid"
	StateOverdue  InvoiceState = "overdue"
	StateRefunded InvoiceState = "refunded"
)

// Terminal reports whether the state may never regress. Once paid or
// refunded, no later event moves the invoice back to pending or overdue.
func (s InvoiceState) Terminal() bool {
	return s == StatePaid || s == StateRefunded
}

type TaxDocState string

const (
	TaxDocNone       TaxDocState = "none"
	TaxDocPending    TaxDocState = "pending"
	TaxDocProcessing TaxDocState = "processing"
	TaxDocIssued     TaxDocState = "issued"
	TaxDocError      TaxDocState = "error"
)

// Invoice bills one period of one subscription. Uniqueness on
// (subscription_id, period_start) guarantees one renewal invoice per period;
// supplemental invoices (proration upgrades) are exempt from that constraint.
type Invoice struct {
	ID             int64  `json:"id" db:"id"`
	Reference      string `json:"reference" db:"reference"`
	SubscriptionID int64  `json:"subscription_id" db:"subscription_id"`

	PeriodStart time.Time `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time `json:"period_end" db:"period_end"`

	// Amount is in the currency's minor unit.
	Amount   int64  `json:"amount" db:"amount"`
	Currency string `json:"currency" db:"currency"`

	State   InvoiceState `json:"state" db:"state"`
	DueDate time.Time    `json:"due_date" db:"due_date"`
	PaidAt  sql.NullTime `json:"paid_at,omitempty" db:"paid_at"`

	Rail charge.Rail `json:"rail" db:"rail"`

	// AttemptCount is the number of charge attempts made so far. NextRetryAt
	// is set by the reconciler when a failed attempt still has retry budget.
	AttemptCount int          `json:"attempt_count" db:"attempt_count"`
	NextRetryAt  sql.NullTime `json:"next_retry_at,omitempty" db:"next_retry_at"`

	TaxDocStatus TaxDocState `json:"tax_doc_status" db:"tax_doc_status"`
	Supplemental bool        `json:"supplemental" db:"supplemental"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
