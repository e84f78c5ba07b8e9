// internal/gateway/gateway_test.go
package gateway

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapfy-billing/internal/config"
	"zapfy-billing/internal/domain/charge"
	xerrors "zapfy-billing/internal/pkg/errors"
)

const testSecret = "whsec_test"

func signedHeader(name string, payload []byte) http.Header {
	h := http.Header{}
	h.Set(name, SignPayload(testSecret, payload))
	return h
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)

	assert.NoError(t, verifySignature(testSecret, payload, SignPayload(testSecret, payload)))

	err := verifySignature(testSecret, payload, SignPayload("wrong-secret", payload))
	assert.ErrorIs(t, err, xerrors.ErrInvalidSignature)

	err = verifySignature(testSecret, payload, "")
	assert.ErrorIs(t, err, xerrors.ErrInvalidSignature)

	err = verifySignature("", payload, SignPayload(testSecret, payload))
	assert.ErrorIs(t, err, xerrors.ErrInvalidSignature)
}

func TestCardNormalizeWebhook(t *testing.T) {
	adapter := NewCardAdapter(config.RailConfig{WebhookSecret: testSecret})
	occurred := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("captured maps to succeeded", func(t *testing.T) {
		payload, _ := json.Marshal(cardWebhookPayload{
			EventID: "evt_1", EventType: "charge.captured", ChargeID: "card_9", CreatedAt: occurred,
		})

		ev, err := adapter.NormalizeWebhook(payload, signedHeader(cardSignatureHeader, payload))
		require.NoError(t, err)
		assert.Equal(t, charge.RailCard, ev.Rail)
		assert.Equal(t, "evt_1", ev.ExternalID)
		assert.Equal(t, "card_9", ev.ChargeRef)
		assert.Equal(t, EventChargeSucceeded, ev.Type)
		assert.Equal(t, occurred, ev.OccurredAt)
	})

	t.Run("declined carries the decline code", func(t *testing.T) {
		payload, _ := json.Marshal(cardWebhookPayload{
			EventID: "evt_2", EventType: "charge.declined", ChargeID: "card_9", DeclineCode: "insufficient_funds",
		})

		ev, err := adapter.NormalizeWebhook(payload, signedHeader(cardSignatureHeader, payload))
		require.NoError(t, err)
		assert.Equal(t, EventChargeFailed, ev.Type)
		assert.Equal(t, "insufficient_funds", ev.FailureCode)
	})

	t.Run("refunded maps to refunded", func(t *testing.T) {
		payload, _ := json.Marshal(cardWebhookPayload{
			EventID: "evt_3", EventType: "charge.refunded", ChargeID: "card_9",
		})

		ev, err := adapter.NormalizeWebhook(payload, signedHeader(cardSignatureHeader, payload))
		require.NoError(t, err)
		assert.Equal(t, EventChargeRefunded, ev.Type)
	})

	t.Run("bad signature never reaches parsing", func(t *testing.T) {
		payload := []byte(`{"event_id":"evt_4","event_type":"charge.captured"}`)
		h := http.Header{}
		h.Set(cardSignatureHeader, "deadbeef")

		_, err := adapter.NormalizeWebhook(payload, h)
		assert.ErrorIs(t, err, xerrors.ErrInvalidSignature)
	})

	t.Run("unsupported event type", func(t *testing.T) {
		payload, _ := json.Marshal(cardWebhookPayload{EventID: "evt_5", EventType: "charge.disputed"})

		_, err := adapter.NormalizeWebhook(payload, signedHeader(cardSignatureHeader, payload))
		assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
	})
}

func TestInstantNormalizeWebhook(t *testing.T) {
	adapter := NewInstantAdapter(config.RailConfig{WebhookSecret: testSecret})

	payload, _ := json.Marshal(instantWebhookPayload{
		NotificationID: "ntf_1", Kind: "transfer.expired", TxID: "tx_7",
	})

	ev, err := adapter.NormalizeWebhook(payload, signedHeader(instantSignatureHeader, payload))
	require.NoError(t, err)
	assert.Equal(t, charge.RailInstant, ev.Rail)
	assert.Equal(t, EventChargeFailed, ev.Type)
	assert.Equal(t, "expired", ev.FailureCode)
	assert.Equal(t, "tx_7", ev.ChargeRef)
}

func TestRegistryForRail(t *testing.T) {
	card := NewCardAdapter(config.RailConfig{})
	registry := NewRegistry(card)

	got, err := registry.ForRail(charge.RailCard)
	require.NoError(t, err)
	assert.Same(t, card, got.(*CardAdapter))

	_, err = registry.ForRail(charge.RailSlip)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}
