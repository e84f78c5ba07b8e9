// internal/domain/webhookevent/entity.go
package webhookevent

import (
	"database/sql"
	"time"

	"zapfy-billing/internal/domain/charge"
)

type Outcome string

const (
	// OutcomeReceived is recorded durably before any processing. A crash
	// between received and applied leaves the row reprocessable on the
	// rail's redelivery.
	OutcomeReceived Outcome = "received"

	// OutcomeApplied means the event's state mutation committed together
	// with this mark in one transaction.
	OutcomeApplied Outcome = "applied"

	// OutcomeRejected covers forged signatures, unknown invoice/charge
	// references and terminal-state regressions. Never silently dropped;
	// operators audit these rows.
	OutcomeRejected Outcome = "rejected"

	// OutcomeDeduplicated marks a redelivery whose effects were already
	// applied under a different event id.
	OutcomeDeduplicated Outcome = "deduplicated"
)

// WebhookEvent is the dedup log. The primary key (rail, external_id) is the
// sole mechanism preventing duplicate-delivery double-processing.
type WebhookEvent struct {
	Rail       charge.Rail    `json:"rail" db:"rail"`
	ExternalID string         `json:"external_id" db:"external_id"`
	ReceivedAt time.Time      `json:"received_at" db:"received_at"`
	Outcome    Outcome        `json:"outcome" db:"outcome"`
	Reason     sql.NullString `json:"reason,omitempty" db:"reason"`
}
