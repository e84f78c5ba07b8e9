// internal/gateway/gateway.go
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"zapfy-billing/internal/domain/charge"
	xerrors "zapfy-billing/internal/pkg/errors"
)

// EventType is the rail-independent classification of an inbound webhook.
type EventType string

const (
	EventChargeSucceeded      EventType = "charge.succeeded"
	EventChargeFailed         EventType = "charge.failed"
	EventChargeRefunded       EventType = "charge.refunded"
	EventSubscriptionCanceled EventType = "subscription.canceled"
)

// ChargeRequest asks a rail to collect an amount for an invoice. The
// idempotency key is deterministic from the invoice and attempt, so a
// repeated call can never open two external charges.
type ChargeRequest struct {
	InvoiceRef     string
	IdempotencyKey string
	Amount         int64
	Currency       string

	// DueDate matters to the bank-slip rail, which prints it on the slip.
	DueDate time.Time

	Metadata map[string]string
}

// ChargeHandle is the rail's answer to a create request. Card charges may
// come back already succeeded; instant-transfer and bank-slip charges settle
// only via a later webhook, so State is usually processing.
type ChargeHandle struct {
	ExternalRef string
	State       charge.ChargeState
}

// NormalizedEvent is the common shape every adapter reduces its rail-specific
// webhook payload to, after verifying authenticity.
type NormalizedEvent struct {
	Rail        charge.Rail
	ExternalID  string
	Type        EventType
	ChargeRef   string
	FailureCode string
	OccurredAt  time.Time
}

// Adapter is the single contract every settlement-rail integration
// satisfies. A forged webhook must never make it past NormalizeWebhook.
type Adapter interface {
	Rail() charge.Rail

	// CreateCharge is idempotent on req.IdempotencyKey. A timeout returns
	// ErrOutcomeUnknown, never a fabricated failure.
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeHandle, error)

	CancelCharge(ctx context.Context, externalRef string) error

	// NormalizeWebhook verifies the payload signature and reduces the
	// rail-specific body to a NormalizedEvent. ErrInvalidSignature on
	// verification failure.
	NormalizeWebhook(payload []byte, header http.Header) (*NormalizedEvent, error)
}

// Registry holds the adapter instances constructed once at process start.
// Dispatch is by rail enum, never by dynamic type inspection.
type Registry struct {
	adapters map[charge.Rail]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[charge.Rail]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Rail()] = a
	}
	return &Registry{adapters: m}
}

func (r *Registry) ForRail(rail charge.Rail) (Adapter, error) {
	a, ok := r.adapters[rail]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for rail %q", xerrors.ErrNotFound, rail)
	}
	return a, nil
}
