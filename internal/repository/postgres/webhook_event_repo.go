// internal/repository/postgres/webhook_event_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zapfy-billing/internal/domain/charge"
	"zapfy-billing/internal/domain/webhookevent"
	xerrors "zapfy-billing/internal/pkg/errors"
)

// WebhookEventRepository is the dedup log. Its insert-if-absent is the sole
// serialization point for concurrent duplicate deliveries of one event.
type WebhookEventRepository struct {
	db *pgxpool.Pool
}

func NewWebhookEventRepository(db *pgxpool.Pool) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// InsertReceived atomically records the event as received. The boolean is
// true when this call created the row; false means another delivery got
// there first.
func (r *WebhookEventRepository) InsertReceived(ctx context.Context, rail charge.Rail, externalID string) (bool, error) {
	query := `
		INSERT INTO webhook_events (rail, external_id, received_at, outcome)
		VALUES ($1, $2, NOW(), 'received')
		ON CONFLICT (rail, external_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, rail, externalID)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Find returns the logged event.
func (r *WebhookEventRepository) Find(ctx context.Context, rail charge.Rail, externalID string) (*webhookevent.WebhookEvent, error) {
	query := `
		SELECT rail, external_id, received_at, outcome, reason
		FROM webhook_events
		WHERE rail = $1 AND external_id = $2
	`

	var ev webhookevent.WebhookEvent
	err := r.db.QueryRow(ctx, query, rail, externalID).Scan(
		&ev.Rail, &ev.ExternalID, &ev.ReceivedAt, &ev.Outcome, &ev.Reason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find webhook event: %w", err)
	}
	return &ev, nil
}

// MarkOutcomeWithTx finalizes the event in the same transaction as the state
// mutation it caused, so apply and record commit or roll back together. The
// outcome guard makes finalization first-writer-wins: a row already out of
// received keeps its outcome and the update is a no-op.
func (r *WebhookEventRepository) MarkOutcomeWithTx(ctx context.Context, tx pgx.Tx, rail charge.Rail, externalID string, outcome webhookevent.Outcome, reason string) error {
	query := `
		UPDATE webhook_events
		SET outcome = $1, reason = NULLIF($2, '')
		WHERE rail = $3 AND external_id = $4 AND outcome = 'received'
	`
	if _, err := tx.Exec(ctx, query, outcome, reason, rail, externalID); err != nil {
		return fmt.Errorf("failed to mark webhook event outcome: %w", err)
	}
	return nil
}

// MarkOutcome is the standalone variant for outcomes that carry no state
// mutation (rejected, deduplicated). Same first-writer-wins guard.
func (r *WebhookEventRepository) MarkOutcome(ctx context.Context, rail charge.Rail, externalID string, outcome webhookevent.Outcome, reason string) error {
	query := `
		UPDATE webhook_events
		SET outcome = $1, reason = NULLIF($2, '')
		WHERE rail = $3 AND external_id = $4 AND outcome = 'received'
	`
	if _, err := r.db.Exec(ctx, query, outcome, reason, rail, externalID); err != nil {
		return fmt.Errorf("failed to mark webhook event outcome: %w", err)
	}
	return nil
}

// ListRejected exposes unmatched and rejected events for operator audit.
func (r *WebhookEventRepository) ListRejected(ctx context.Context, limit int) ([]*webhookevent.WebhookEvent, error) {
	query := `
		SELECT rail, external_id, received_at, outcome, reason
		FROM webhook_events
		WHERE outcome = 'rejected'
		ORDER BY received_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejected webhook events: %w", err)
	}
	defer rows.Close()

	var events []*webhookevent.WebhookEvent
	for rows.Next() {
		var ev webhookevent.WebhookEvent
		if err := rows.Scan(&ev.Rail, &ev.ExternalID, &ev.ReceivedAt, &ev.Outcome, &ev.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
