// internal/repository/postgres/charge_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zapfy-billing/internal/domain/charge"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type ChargeRepository struct {
	db *pgxpool.Pool
}

func NewChargeRepository(db *pgxpool.Pool) *ChargeRepository {
	return &ChargeRepository{db: db}
}

const chargeColumns = `
	id, reference, invoice_id, rail, external_ref, state,
	idempotency_key, attempt, failure_code, created_at, updated_at`

func scanCharge(row pgx.Row) (*charge.Charge, error) {
	var c charge.Charge

	err := row.Scan(
		&c.ID, &c.Reference, &c.InvoiceID, &c.Rail, &c.ExternalRef, &c.State,
		&c.IdempotencyKey, &c.Attempt, &c.FailureCode, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan charge: %w", err)
	}
	return &c, nil
}

// CreateWithTx inserts a charge attempt. The unique idempotency key rejects a
// duplicate attempt row; the partial unique index on (invoice_id) where
// state = 'succeeded' backs the one-succeeded-charge-per-invoice invariant.
func (r *ChargeRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, c *charge.Charge) error {
	query := `
		INSERT INTO charges (
			reference, invoice_id, rail, external_ref, state,
			idempotency_key, attempt, failure_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := tx.QueryRow(
		ctx, query,
		c.Reference, c.InvoiceID, c.Rail, c.ExternalRef, c.State,
		c.IdempotencyKey, c.Attempt, c.FailureCode,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)

	if isUniqueViolation(err) {
		return xerrors.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("failed to create charge: %w", err)
	}
	return nil
}

func (r *ChargeRepository) FindByID(ctx context.Context, id int64) (*charge.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE id = $1`
	return scanCharge(r.db.QueryRow(ctx, query, id))
}

// FindByExternalRef resolves the charge a rail webhook refers to.
func (r *ChargeRepository) FindByExternalRef(ctx context.Context, rail charge.Rail, externalRef string) (*charge.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE rail = $1 AND external_ref = $2`
	return scanCharge(r.db.QueryRow(ctx, query, rail, externalRef))
}

func (r *ChargeRepository) FindByIdempotencyKey(ctx context.Context, key string) (*charge.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE idempotency_key = $1`
	return scanCharge(r.db.QueryRow(ctx, query, key))
}

func (r *ChargeRepository) ListByInvoice(ctx context.Context, invoiceID int64) ([]*charge.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE invoice_id = $1 ORDER BY attempt`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	defer rows.Close()

	var charges []*charge.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

// UpdateStateWithTx applies a conditional charge state transition. A
// transition out of a terminal state affects zero rows and surfaces as
// ErrInvalidTransition for the caller to classify.
func (r *ChargeRepository) UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []charge.ChargeState, to charge.ChargeState, failureCode string) error {
	query := `
		UPDATE charges
		SET state = $1,
		    failure_code = NULLIF($2, ''),
		    updated_at = NOW()
		WHERE id = $3 AND state = ANY($4)
	`

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	tag, err := tx.Exec(ctx, query, to, failureCode, id, states)
	if err != nil {
		return fmt.Errorf("failed to update charge state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInvalidTransition
	}
	return nil
}

// SetExternalRefWithTx attaches the rail's identifier once the rail answered
// the create call.
func (r *ChargeRepository) SetExternalRefWithTx(ctx context.Context, tx pgx.Tx, id int64, externalRef string) error {
	query := `UPDATE charges SET external_ref = $1, updated_at = NOW() WHERE id = $2`
	tag, err := tx.Exec(ctx, query, externalRef, id)
	if err != nil {
		return fmt.Errorf("failed to set charge external ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// FindSucceededByInvoice returns the invoice's single succeeded charge.
func (r *ChargeRepository) FindSucceededByInvoice(ctx context.Context, invoiceID int64) (*charge.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE invoice_id = $1 AND state = 'succeeded'`
	return scanCharge(r.db.QueryRow(ctx, query, invoiceID))
}
