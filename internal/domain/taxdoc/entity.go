// internal/domain/taxdoc/entity.go
package taxdoc

import (
	"database/sql"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusIssued     Status = "issued"
	StatusError      Status = "error"
)

// TaxDocument tracks compliance-document issuance for one paid invoice.
// Transient provider errors retry with backoff; a permanent rejection is
// terminal and lands on the operator queue.
type TaxDocument struct {
	ID          int64          `json:"id" db:"id"`
	InvoiceID   int64          `json:"invoice_id" db:"invoice_id"`
	Status      Status         `json:"status" db:"status"`
	Attempts    int            `json:"attempts" db:"attempts"`
	ExternalRef sql.NullString `json:"external_ref,omitempty" db:"external_ref"`
	LastError   sql.NullString `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}
