// internal/repository/postgres/taxdoc_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zapfy-billing/internal/domain/taxdoc"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type TaxDocRepository struct {
	db *pgxpool.Pool
}

func NewTaxDocRepository(db *pgxpool.Pool) *TaxDocRepository {
	return &TaxDocRepository{db: db}
}

const taxDocColumns = `id, invoice_id, status, attempts, external_ref, last_error, created_at, updated_at`

func scanTaxDoc(row pgx.Row) (*taxdoc.TaxDocument, error) {
	var d taxdoc.TaxDocument

	err := row.Scan(
		&d.ID, &d.InvoiceID, &d.Status, &d.Attempts,
		&d.ExternalRef, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tax document: %w", err)
	}
	return &d, nil
}

// EnsureForInvoice creates the tracking row for an invoice's tax document.
// The unique invoice_id column makes this idempotent under event redelivery.
func (r *TaxDocRepository) EnsureForInvoice(ctx context.Context, invoiceID int64) (*taxdoc.TaxDocument, error) {
	query := `
		INSERT INTO tax_documents (invoice_id, status, attempts)
		VALUES ($1, 'pending', 0)
		ON CONFLICT (invoice_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, invoiceID); err != nil {
		return nil, fmt.Errorf("failed to ensure tax document: %w", err)
	}
	return r.FindByInvoice(ctx, invoiceID)
}

func (r *TaxDocRepository) FindByInvoice(ctx context.Context, invoiceID int64) (*taxdoc.TaxDocument, error) {
	query := `SELECT ` + taxDocColumns + ` FROM tax_documents WHERE invoice_id = $1`
	return scanTaxDoc(r.db.QueryRow(ctx, query, invoiceID))
}

// MarkProcessing claims the document for an issuance attempt. Zero rows means
// another worker holds it or it already finished.
func (r *TaxDocRepository) MarkProcessing(ctx context.Context, id int64) error {
	query := `
		UPDATE tax_documents
		SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'error')
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark tax document processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInvalidTransition
	}
	return nil
}

func (r *TaxDocRepository) MarkIssued(ctx context.Context, id int64, externalRef string) error {
	query := `
		UPDATE tax_documents
		SET status = 'issued', external_ref = $1, last_error = NULL, updated_at = NOW()
		WHERE id = $2 AND status = 'processing'
	`
	tag, err := r.db.Exec(ctx, query, externalRef, id)
	if err != nil {
		return fmt.Errorf("failed to mark tax document issued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInvalidTransition
	}
	return nil
}

// MarkError records a failed attempt. Issuance stays retryable; permanently
// rejected documents sit in error until an operator intervenes.
func (r *TaxDocRepository) MarkError(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE tax_documents
		SET status = 'error', last_error = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'processing'
	`
	tag, err := r.db.Exec(ctx, query, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark tax document error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInvalidTransition
	}
	return nil
}

// ListErrors is the operator queue of documents that gave up retrying.
func (r *TaxDocRepository) ListErrors(ctx context.Context, limit int) ([]*taxdoc.TaxDocument, error) {
	query := `SELECT ` + taxDocColumns + `
		FROM tax_documents
		WHERE status = 'error'
		ORDER BY updated_at DESC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tax document errors: %w", err)
	}
	defer rows.Close()

	var docs []*taxdoc.TaxDocument
	for rows.Next() {
		d, err := scanTaxDoc(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
