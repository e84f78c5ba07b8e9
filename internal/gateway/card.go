// internal/gateway/card.go
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

const cardSignatureHeader = "X-Cardgate-Signature"

// CardAdapter integrates the card rail. Cards are the only rail that may
// settle synchronously inside the create call; the webhook still arrives
// later and is absorbed by the dedup log.
type CardAdapter struct {
	client *railClient
	secret string
}

func NewCardAdapter(cfg config.RailConfig) *CardAdapter {
	return &CardAdapter{
		client: newRailClient(cfg),
		secret: cfg.WebhookSecret,
	}
}

func (a *CardAdapter) Rail() charge.Rail { return charge.RailCard }

type cardChargeRequest struct {
	Reference   string            `json:"reference"`
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	Capture     bool              `json:"capture"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type cardChargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"` // authorized | captured | declined | processing
}

func (a *CardAdapter) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeHandle, error) {
	body := cardChargeRequest{
		Reference:   req.InvoiceRef,
		AmountCents: req.Amount,
		Currency:    req.Currency,
		Capture:     true,
		Metadata:    req.Metadata,
	}

	var resp cardChargeResponse
	if err := a.client.postJSON(ctx, "/v1/charges", req.IdempotencyKey, body, &resp); err != nil {
		return nil, err
	}

	state := charge.StateProcessing
	switch resp.Status {
	case "captured":
		state = charge.StateSucceeded
	case "declined":
		state = charge.StateFailed
	}

	return &ChargeHandle{ExternalRef: resp.ID, State: state}, nil
}

func (a *CardAdapter) CancelCharge(ctx context.Context, externalRef string) error {
	return a.client.postJSON(ctx, fmt.Sprintf("/v1/charges/%s/void", externalRef), "", struct{}{}, nil)
}

type cardWebhookPayload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"` // charge.captured | charge.declined | charge.refunded
	ChargeID    string    `json:"charge_id"`
	DeclineCode string    `json:"decline_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (a *CardAdapter) NormalizeWebhook(payload []byte, header http.Header) (*NormalizedEvent, error) {
	if err := verifySignature(a.secret, payload, header.Get(cardSignatureHeader)); err != nil {
		return nil, err
	}

	var p cardWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed card webhook: %v", xerrors.ErrInvalidInput, err)
	}

	ev := &NormalizedEvent{
		Rail:       charge.RailCard,
		ExternalID: p.EventID,
		ChargeRef:  p.ChargeID,
		OccurredAt: p.CreatedAt,
	}

	switch p.EventType {
	case "charge.captured":
		ev.Type = EventChargeSucceeded
	case "charge.declined":
		ev.Type = EventChargeFailed
		ev.FailureCode = p.DeclineCode
	case "charge.refunded":
		ev.Type = EventChargeRefunded
	default:
		return nil, fmt.Errorf("%w: unsupported card event %q", xerrors.ErrInvalidInput, p.EventType)
	}

	return ev, nil
}
