// internal/gateway/instant.go
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"zapfy-billing/internal/config"
	"zapfy-billing/internal/domain/charge"
	xerrors "zapfy-billing/internal/pkg/errors"
)

const instantSignatureHeader = "X-Pixrail-Signature"

// InstantAdapter integrates the instant bank-transfer rail. Settlement is
// always asynchronous: the create call only opens a payment intent and the
// confirmation arrives by webhook.
type InstantAdapter struct {
	client *railClient
	secret string
}

func NewInstantAdapter(cfg config.RailConfig) *InstantAdapter {
	return &InstantAdapter{
		client: newRailClient(cfg),
		secret: cfg.WebhookSecret,
	}
}

func (a *InstantAdapter) Rail() charge.Rail { return charge.RailInstant }

type instantChargeRequest struct {
	ExternalReference string `json:"external_reference"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	ExpiresInSeconds  int    `json:"expires_in_seconds"`
}

type instantChargeResponse struct {
	TxID   string `json:"txid"`
	Status string `json:"status"` // waiting_payment
}

func (a *InstantAdapter) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeHandle, error) {
	body := instantChargeRequest{
		ExternalReference: req.InvoiceRef,
		Amount:            req.Amount,
		Currency:          req.Currency,
		ExpiresInSeconds:  24 * 3600,
	}

	var resp instantChargeResponse
	if err := a.client.postJSON(ctx, "/v2/transfers", req.IdempotencyKey, body, &resp); err != nil {
		return nil, err
	}

	return &ChargeHandle{ExternalRef: resp.TxID, State: charge.StateProcessing}, nil
}

func (a *InstantAdapter) CancelCharge(ctx context.Context, externalRef string) error {
	return a.client.postJSON(ctx, fmt.Sprintf("/v2/transfers/%s/cancel", externalRef), "", struct{}{}, nil)
}

type instantWebhookPayload struct {
	NotificationID string    `json:"notification_id"`
	Kind           string    `json:"kind"` // transfer.settled | transfer.expired | transfer.returned
	TxID           string    `json:"txid"`
	Timestamp      time.Time `json:"timestamp"`
}

func (a *InstantAdapter) NormalizeWebhook(payload []byte, header http.Header) (*NormalizedEvent, error) {
	if err := verifySignature(a.secret, payload, header.Get(instantSignatureHeader)); err != nil {
		return nil, err
	}

	var p instantWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed instant-transfer webhook: %v", xerrors.ErrInvalidInput, err)
	}

	ev := &NormalizedEvent{
		Rail:       charge.RailInstant,
		ExternalID: p.NotificationID,
		ChargeRef:  p.TxID,
		OccurredAt: p.Timestamp,
	}

	switch p.Kind {
	case "transfer.settled":
		ev.Type = EventChargeSucceeded
	case "transfer.expired":
		ev.Type = EventChargeFailed
		ev.FailureCode = "expired"
	case "transfer.returned":
		ev.Type = EventChargeRefunded
	default:
		return nil, fmt.Errorf("%w: unsupported instant-transfer event %q", xerrors.ErrInvalidInput, p.Kind)
	}

	return ev, nil
}
