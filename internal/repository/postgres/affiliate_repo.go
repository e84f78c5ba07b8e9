// internal/repository/postgres/affiliate_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zapfy-billing/internal/domain/affiliate"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type AffiliateRepository struct {
	db *pgxpool.Pool
}

func NewAffiliateRepository(db *pgxpool.Pool) *AffiliateRepository {
	return &AffiliateRepository{db: db}
}

const affiliateColumns = `id, reference, name, referral_code, rate_bps, active, created_at`

func scanAffiliate(row pgx.Row) (*affiliate.Affiliate, error) {
	var a affiliate.Affiliate

	err := row.Scan(&a.ID, &a.Reference, &a.Name, &a.ReferralCode, &a.RateBps, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan affiliate: %w", err)
	}
	return &a, nil
}

func (r *AffiliateRepository) CreateAffiliate(ctx context.Context, a *affiliate.Affiliate) error {
	query := `
		INSERT INTO affiliates (reference, name, referral_code, rate_bps, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, a.Reference, a.Name, a.ReferralCode, a.RateBps, a.Active).
		Scan(&a.ID, &a.CreatedAt)
	if isUniqueViolation(err) {
		return xerrors.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("failed to create affiliate: %w", err)
	}
	return nil
}

func (r *AffiliateRepository) FindAffiliateByID(ctx context.Context, id int64) (*affiliate.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE id = $1`
	return scanAffiliate(r.db.QueryRow(ctx, query, id))
}

func (r *AffiliateRepository) FindAffiliateByCode(ctx context.Context, code string) (*affiliate.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE referral_code = $1 AND active = TRUE`
	return scanAffiliate(r.db.QueryRow(ctx, query, code))
}

// CreateReferral links a tenant to an affiliate, snapshotting the rate. The
// unique tenant_id column keeps a tenant bound to at most one affiliate;
// a second attempt gets ErrDuplicateEntry.
func (r *AffiliateRepository) CreateReferral(ctx context.Context, ref *affiliate.Referral) error {
	query := `
		INSERT INTO referrals (affiliate_id, tenant_id, rate_bps)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, ref.AffiliateID, ref.TenantID, ref.RateBps).
		Scan(&ref.ID, &ref.CreatedAt)
	if isUniqueViolation(err) {
		return xerrors.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("failed to create referral: %w", err)
	}
	return nil
}

func (r *AffiliateRepository) FindReferralByTenant(ctx context.Context, tenantID int64) (*affiliate.Referral, error) {
	query := `SELECT id, affiliate_id, tenant_id, rate_bps, created_at FROM referrals WHERE tenant_id = $1`

	var ref affiliate.Referral
	err := r.db.QueryRow(ctx, query, tenantID).
		Scan(&ref.ID, &ref.AffiliateID, &ref.TenantID, &ref.RateBps, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find referral: %w", err)
	}
	return &ref, nil
}

// InsertCommission accrues a commission. The unique (referral_id, invoice_id)
// constraint makes the credit exactly-once: a redelivered payment event gets
// ErrDuplicateEntry, which callers treat as already credited.
func (r *AffiliateRepository) InsertCommission(ctx context.Context, c *affiliate.Commission) error {
	query := `
		INSERT INTO commissions (referral_id, invoice_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, c.ReferralID, c.InvoiceID, c.Amount, c.Currency, c.Status).
		Scan(&c.ID, &c.CreatedAt)
	if isUniqueViolation(err) {
		return xerrors.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("failed to insert commission: %w", err)
	}
	return nil
}

const commissionColumns = `c.id, c.referral_id, c.invoice_id, c.amount, c.currency, c.status, c.payout_id, c.created_at`

func (r *AffiliateRepository) ListCommissionsByAffiliate(ctx context.Context, affiliateID int64) ([]*affiliate.Commission, error) {
	query := `
		SELECT ` + commissionColumns + `
		FROM commissions c
		JOIN referrals ref ON ref.id = c.referral_id
		WHERE ref.affiliate_id = $1
		ORDER BY c.created_at DESC
	`

	rows, err := r.db.Query(ctx, query, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions: %w", err)
	}
	defer rows.Close()

	var commissions []*affiliate.Commission
	for rows.Next() {
		var c affiliate.Commission
		if err := rows.Scan(&c.ID, &c.ReferralID, &c.InvoiceID, &c.Amount, &c.Currency, &c.Status, &c.PayoutID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan commission: %w", err)
		}
		commissions = append(commissions, &c)
	}
	return commissions, rows.Err()
}

// RevokeByInvoiceWithTx voids an accrued commission when its invoice is
// refunded. Commissions already swept into a payout stay untouched.
func (r *AffiliateRepository) RevokeByInvoiceWithTx(ctx context.Context, tx pgx.Tx, invoiceID int64) error {
	query := `DELETE FROM commissions WHERE invoice_id = $1 AND status = 'accrued' AND payout_id IS NULL`
	if _, err := tx.Exec(ctx, query, invoiceID); err != nil {
		return fmt.Errorf("failed to revoke commission: %w", err)
	}
	return nil
}

// ApproveAccrued promotes an affiliate's accrued commissions to approved and
// returns how many moved.
func (r *AffiliateRepository) ApproveAccrued(ctx context.Context, affiliateID int64) (int64, error) {
	query := `
		UPDATE commissions c
		SET status = 'approved'
		FROM referrals ref
		WHERE ref.id = c.referral_id AND ref.affiliate_id = $1 AND c.status = 'accrued'
	`
	tag, err := r.db.Exec(ctx, query, affiliateID)
	if err != nil {
		return 0, fmt.Errorf("failed to approve commissions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreatePayout batches the affiliate's approved, unassigned commissions into
// one payout, all in a single transaction so a concurrent sweep cannot double
// count.
func (r *AffiliateRepository) CreatePayout(ctx context.Context, affiliateID int64, currency string) (*affiliate.Payout, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p := &affiliate.Payout{AffiliateID: affiliateID, Currency: currency, Status: affiliate.PayoutOpen}

	err = tx.QueryRow(ctx, `
		INSERT INTO payouts (affiliate_id, amount, currency, status)
		VALUES ($1, 0, $2, $3)
		RETURNING id, created_at
	`, affiliateID, currency, p.Status).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create payout: %w", err)
	}

	err = tx.QueryRow(ctx, `
		WITH attached AS (
			UPDATE commissions c
			SET payout_id = $1, status = 'paid'
			FROM referrals ref
			WHERE ref.id = c.referral_id
			  AND ref.affiliate_id = $2
			  AND c.status = 'approved'
			  AND c.payout_id IS NULL
			  AND c.currency = $3
			RETURNING c.amount
		)
		SELECT COALESCE(SUM(amount), 0) FROM attached
	`, p.ID, affiliateID, currency).Scan(&p.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to attach commissions to payout: %w", err)
	}

	if p.Amount == 0 {
		return nil, xerrors.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE payouts SET amount = $1 WHERE id = $2`, p.Amount, p.ID); err != nil {
		return nil, fmt.Errorf("failed to set payout amount: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit payout: %w", err)
	}
	return p, nil
}

// MarkPayoutDisbursed finalizes a payout after the money moved.
func (r *AffiliateRepository) MarkPayoutDisbursed(ctx context.Context, payoutID int64) error {
	query := `
		UPDATE payouts
		SET status = 'disbursed', disbursed_at = NOW()
		WHERE id = $1 AND status IN ('open', 'approved')
	`
	tag, err := r.db.Exec(ctx, query, payoutID)
	if err != nil {
		return fmt.Errorf("failed to mark payout disbursed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInvalidTransition
	}
	return nil
}

func (r *AffiliateRepository) ListPayouts(ctx context.Context, affiliateID int64) ([]*affiliate.Payout, error) {
	query := `
		SELECT id, affiliate_id, amount, currency, status, created_at, disbursed_at
		FROM payouts
		WHERE affiliate_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []*affiliate.Payout
	for rows.Next() {
		var p affiliate.Payout
		if err := rows.Scan(&p.ID, &p.AffiliateID, &p.Amount, &p.Currency, &p.Status, &p.CreatedAt, &p.DisbursedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, &p)
	}
	return payouts, rows.Err()
}
