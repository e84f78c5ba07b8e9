// internal/domain/charge/entity.go
package charge

import (
	"database/sql"
	"fmt"
	"time"

	xerrors "zapfy-billing/internal/pkg/errors"
)

// Rail identifies an external settlement channel. Dispatch is always on this
// enum stored on the Invoice, never on dynamic type inspection.
type Rail string

const (
	RailCard    Rail = "card"
	RailInstant Rail = "instant_transfer"
	RailSlip    Rail = "bank_slip"
)

// ParseRail maps the path segment used on webhook endpoints to a Rail.
func ParseRail(s string) (Rail, error) {
	switch Rail(s) {
	case RailCard, RailInstant, RailSlip:
		return Rail(s), nil
	}
	return "", fmt.Errorf("%w: unknown rail %q", xerrors.ErrInvalidInput, s)
}

type ChargeState string

const (
	StateRequiresAction ChargeState = "requires_action"
	StateProcessing     ChargeState = "processing"
	StateSucceeded      ChargeState = "succeeded"
	StateFailed         ChargeState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s ChargeState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Charge is one attempt to collect an Invoice on a rail. Retries create new
// Charge rows; a failed Charge is never mutated back into flight.
type Charge struct {
	ID          int64          `json:"id" db:"id"`
	Reference   string         `json:"reference" db:"reference"`
	InvoiceID   int64          `json:"invoice_id" db:"invoice_id"`
	Rail        Rail           `json:"rail" db:"rail"`
	ExternalRef sql.NullString `json:"external_ref,omitempty" db:"external_ref"`
	State       ChargeState    `json:"state" db:"state"`

	// IdempotencyKey is deterministic from the invoice reference and attempt
	// number, so a repeated createCharge call can never open two external
	// charges.
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`
	Attempt        int    `json:"attempt" db:"attempt"`

	FailureCode sql.NullString `json:"failure_code,omitempty" db:"failure_code"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IdempotencyKey derives the key for a given invoice attempt.
func IdempotencyKey(invoiceRef string, attempt int) string {
	return fmt.Sprintf("%s:%02d", invoiceRef, attempt)
}
