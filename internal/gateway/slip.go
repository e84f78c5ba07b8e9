// internal/gateway/slip.go
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"zapfy-billing/internal/config"
	"zapfy-billing/internal/domain/charge"
	xerrors "zapfy-billing/internal/pkg/errors"
)

const slipSignatureHeader = "X-Boletoflow-Signature"

// ChargeFinder is the slice of the ledger store the slip adapter needs: the
// slip rail has no native idempotency, so a create first checks for an
// existing charge under the same key.
type ChargeFinder interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*charge.Charge, error)
}

// SlipAdapter integrates the bank-slip rail. Slips settle days later, only
// ever via webhook, and expire unpaid.
type SlipAdapter struct {
	client  *railClient
	secret  string
	charges ChargeFinder
}

func NewSlipAdapter(cfg config.RailConfig, charges ChargeFinder) *SlipAdapter {
	return &SlipAdapter{
		client:  newRailClient(cfg),
		secret:  cfg.WebhookSecret,
		charges: charges,
	}
}

func (a *SlipAdapter) Rail() charge.Rail { return charge.RailSlip }

type slipChargeRequest struct {
	OrderRef string `json:"order_ref"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	DueDate  string `json:"due_date"`
}

type slipChargeResponse struct {
	SlipID  string `json:"slip_id"`
	Barcode string `json:"barcode"`
}

func (a *SlipAdapter) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeHandle, error) {
	// The rail cannot dedupe for us. An existing charge under this key with
	// an external reference means the slip was already issued.
	existing, err := a.charges.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if existing != nil && existing.ExternalRef.Valid {
		return &ChargeHandle{ExternalRef: existing.ExternalRef.String, State: existing.State}, nil
	}

	body := slipChargeRequest{
		OrderRef: req.InvoiceRef,
		Amount:   req.Amount,
		Currency: req.Currency,
		DueDate:  req.DueDate.Format("2006-01-02"),
	}

	var resp slipChargeResponse
	if err := a.client.postJSON(ctx, "/api/slips", req.IdempotencyKey, body, &resp); err != nil {
		return nil, err
	}

	return &ChargeHandle{ExternalRef: resp.SlipID, State: charge.StateProcessing}, nil
}

func (a *SlipAdapter) CancelCharge(ctx context.Context, externalRef string) error {
	return a.client.postJSON(ctx, fmt.Sprintf("/api/slips/%s/cancel", externalRef), "", struct{}{}, nil)
}

type slipWebhookPayload struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"` // slip.paid | slip.expired | slip.refunded
	SlipID    string    `json:"slip_id"`
	PaidAt    time.Time `json:"paid_at,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *SlipAdapter) NormalizeWebhook(payload []byte, header http.Header) (*NormalizedEvent, error) {
	if err := verifySignature(a.secret, payload, header.Get(slipSignatureHeader)); err != nil {
		return nil, err
	}

	var p slipWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed bank-slip webhook: %v", xerrors.ErrInvalidInput, err)
	}

	ev := &NormalizedEvent{
		Rail:       charge.RailSlip,
		ExternalID: p.ID,
		ChargeRef:  p.SlipID,
		OccurredAt: p.Timestamp,
	}

	switch p.Event {
	case "slip.paid":
		ev.Type = EventChargeSucceeded
	case "slip.expired":
		ev.Type = EventChargeFailed
		ev.FailureCode = "expired"
	case "slip.refunded":
		ev.Type = EventChargeRefunded
	default:
		return nil, fmt.Errorf("%w: unsupported bank-slip event %q", xerrors.ErrInvalidInput, p.Event)
	}

	return ev, nil
}
