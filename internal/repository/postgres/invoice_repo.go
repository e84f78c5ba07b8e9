// internal/repository/postgres/invoice_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zapfy-billing/internal/domain/invoice"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type InvoiceRepository struct {
	db *pgxpool.Pool
}

func NewInvoiceRepository(db *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

const invoiceColumns = `
	id, reference, subscription_id, period_start, period_end,
	amount, currency, state, due_date, paid_at, rail,
	attempt_count, next_retry_at, tax_doc_status, supplemental,
	created_at, updated_at`

func scanInvoice(row pgx.Row) (*invoice.Invoice, error) {
	var inv invoice.Invoice

	err := row.Scan(
		&inv.ID, &inv.Reference, &inv.SubscriptionID, &inv.PeriodStart, &inv.PeriodEnd,
		&inv.Amount, &inv.Currency, &inv.State, &inv.DueDate, &inv.PaidAt, &inv.Rail,
		&inv.AttemptCount, &inv.NextRetryAt, &inv.TaxDocStatus, &inv.Supplemental,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	return &inv, nil
}

// CreateWithTx inserts a new invoice. The partial unique index on
// (subscription_id, period_start) makes renewal generation idempotent:
// a second generator run for the same period gets ErrDuplicateEntry.
func (r *InvoiceRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, inv *invoice.Invoice) error {
	query := `
		INSERT INTO invoices (
			reference, subscription_id, period_start, period_end,
			amount, currency, state, due_date, rail,
			attempt_count, tax_doc_status, supplemental
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	err := tx.QueryRow(
		ctx, query,
		inv.Reference, inv.SubscriptionID, inv.PeriodStart, inv.PeriodEnd,
		inv.Amount, inv.Currency, inv.State, inv.DueDate, inv.Rail,
		inv.AttemptCount, inv.TaxDocStatus, inv.Supplemental,
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)

	if isUniqueViolation(err) {
		return xerrors.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) FindByID(ctx context.Context, id int64) (*invoice.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	return scanInvoice(r.db.QueryRow(ctx, query, id))
}

func (r *InvoiceRepository) FindByReference(ctx context.Context, ref string) (*invoice.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE reference = $1`
	return scanInvoice(r.db.QueryRow(ctx, query, ref))
}

func (r *InvoiceRepository) ListBySubscription(ctx context.Context, subscriptionID int64) ([]*invoice.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE subscription_id = $1 ORDER BY period_start DESC`
	return r.list(ctx, query, subscriptionID)
}

func (r *InvoiceRepository) list(ctx context.Context, query string, args ...interface{}) ([]*invoice.Invoice, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*invoice.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// MarkPaidWithTx moves an invoice to paid. Overdue is a payable state too:
// bank slips regularly settle after the due date. The WHERE guard makes the
// write conditional: a duplicate or late event affects zero rows.
func (r *InvoiceRepository) MarkPaidWithTx(ctx context.Context, tx pgx.Tx, id int64, paidAt time.Time) error {
	query := `
		UPDATE invoices
		SET state = 'paid', paid_at = $1, next_retry_at = NULL,
		    tax_doc_status = 'pending', updated_at = NOW()
		WHERE id = $2 AND state IN ('pending', 'overdue')
	`
	tag, err := tx.Exec(ctx, query, paidAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark invoice paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInvalidTransition
	}
	return nil
}

// UpdateStateWithTx applies a conditional invoice state transition.
func (r *InvoiceRepository) UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []invoice.InvoiceState, to invoice.InvoiceState) error {
	query := `
		UPDATE invoices
		SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = ANY($3)
	`

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	tag, err := tx.Exec(ctx, query, to, id, states)
	if err != nil {
		return fmt.Errorf("failed to update invoice state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInvalidTransition
	}
	return nil
}

// ScheduleRetryWithTx records the outcome of a failed attempt and when the
// next one runs. Attempt history itself lives in the charges table.
func (r *InvoiceRepository) ScheduleRetryWithTx(ctx context.Context, tx pgx.Tx, id int64, attemptCount int, nextRetryAt time.Time) error {
	query := `
		UPDATE invoices
		SET attempt_count = $1, next_retry_at = $2, updated_at = NOW()
		WHERE id = $3 AND state = 'pending'
	`
	tag, err := tx.Exec(ctx, query, attemptCount, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("failed to schedule invoice retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInvalidTransition
	}
	return nil
}

// ClearRetryWithTx removes the retry marker once the new charge attempt is
// in flight, and bumps the attempt counter.
func (r *InvoiceRepository) ClearRetryWithTx(ctx context.Context, tx pgx.Tx, id int64, attemptCount int) error {
	query := `
		UPDATE invoices
		SET attempt_count = $1, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $2 AND state = 'pending'
	`
	tag, err := tx.Exec(ctx, query, attemptCount, id)
	if err != nil {
		return fmt.Errorf("failed to clear invoice retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInvalidTransition
	}
	return nil
}

// FindRetryDue returns pending invoices whose scheduled retry time has
// arrived.
func (r *InvoiceRepository) FindRetryDue(ctx context.Context, now time.Time, limit int) ([]*invoice.Invoice, error) {
	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE state = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`
	return r.list(ctx, query, now, limit)
}

// SetTaxDocStatus updates the denormalized tax-document status column.
func (r *InvoiceRepository) SetTaxDocStatus(ctx context.Context, id int64, status invoice.TaxDocState) error {
	query := `UPDATE invoices SET tax_doc_status = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.db.Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to set tax doc status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}
