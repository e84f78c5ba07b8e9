// internal/service/commission/engine.go
package commission

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"zapfy-billing/internal/domain/affiliate"
	"zapfy-billing/internal/events"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type Store interface {
	CreateAffiliate(ctx context.Context, a *affiliate.Affiliate) error
	FindAffiliateByID(ctx context.Context, id int64) (*affiliate.Affiliate, error)
	FindReferralByTenant(ctx context.Context, tenantID int64) (*affiliate.Referral, error)
	InsertCommission(ctx context.Context, c *affiliate.Commission) error
	ListCommissionsByAffiliate(ctx context.Context, affiliateID int64) ([]*affiliate.Commission, error)
	ApproveAccrued(ctx context.Context, affiliateID int64) (int64, error)
	CreatePayout(ctx context.Context, affiliateID int64, currency string) (*affiliate.Payout, error)
	MarkPayoutDisbursed(ctx context.Context, payoutID int64) error
	ListPayouts(ctx context.Context, affiliateID int64) ([]*affiliate.Payout, error)
}

// Engine accrues affiliate commissions on paid invoices. The unique
// (referral, invoice) constraint in storage is the exactly-once guarantee;
// the engine itself just computes and inserts.
type Engine struct {
	affiliateRepo Store
	logger        *zap.Logger
}

func NewEngine(affiliateRepo Store, logger *zap.Logger) *Engine {
	return &Engine{affiliateRepo: affiliateRepo, logger: logger}
}

// Register subscribes the engine to payment events.
func (e *Engine) Register(bus *events.Bus) {
	bus.Subscribe("commission-engine", e.handlePaid, events.InvoicePaid)
}

func (e *Engine) handlePaid(ctx context.Context, ev events.Event) {
	if ev.Amount <= 0 {
		return
	}

	ref, err := e.affiliateRepo.FindReferralByTenant(ctx, ev.TenantID)
	if xerrors.Is(err, xerrors.ErrNotFound) {
		return
	}
	if err != nil {
		e.logger.Error("failed to look up referral",
			zap.Int64("tenant_id", ev.TenantID), zap.Error(err))
		return
	}

	amount := Amount(ev.Amount, ref.RateBps)
	if amount == 0 {
		return
	}

	c := &affiliate.Commission{
		ReferralID: ref.ID,
		InvoiceID:  ev.InvoiceID,
		Amount:     amount,
		Currency:   ev.Currency,
		Status:     affiliate.CommissionAccrued,
	}
	err = e.affiliateRepo.InsertCommission(ctx, c)
	if xerrors.Is(err, xerrors.ErrDuplicateEntry) {
		e.logger.Debug("commission already credited",
			zap.Int64("referral_id", ref.ID),
			zap.Int64("invoice_id", ev.InvoiceID),
		)
		return
	}
	if err != nil {
		e.logger.Error("failed to accrue commission",
			zap.Int64("invoice_id", ev.InvoiceID), zap.Error(err))
		return
	}

	e.logger.Info("commission accrued",
		zap.Int64("affiliate_id", ref.AffiliateID),
		zap.Int64("invoice_id", ev.InvoiceID),
		zap.Int64("amount", amount),
		zap.Int("rate_bps", ref.RateBps),
	)
}

// Amount computes the commission in minor units from the invoice amount and
// the rate snapshot in basis points, rounded half to even.
func Amount(invoiceAmount int64, rateBps int) int64 {
	return decimal.NewFromInt(invoiceAmount).
		Mul(decimal.NewFromInt(int64(rateBps))).
		Div(decimal.NewFromInt(10000)).
		RoundBank(0).
		IntPart()
}

// CreateAffiliate registers a new affiliate.
func (e *Engine) CreateAffiliate(ctx context.Context, req *affiliate.CreateAffiliateRequest) (*affiliate.Affiliate, error) {
	a := &affiliate.Affiliate{
		Reference:    "aff_" + ulid.Make().String(),
		Name:         req.Name,
		ReferralCode: strings.ToLower(strings.TrimSpace(req.ReferralCode)),
		RateBps:      req.RateBps,
		Active:       true,
	}
	if err := e.affiliateRepo.CreateAffiliate(ctx, a); err != nil {
		return nil, err
	}
	e.logger.Info("affiliate created",
		zap.Int64("affiliate_id", a.ID),
		zap.String("referral_code", a.ReferralCode),
	)
	return a, nil
}

// ListCommissions retrieves an affiliate's commissions.
func (e *Engine) ListCommissions(ctx context.Context, affiliateID int64) ([]*affiliate.Commission, error) {
	if _, err := e.affiliateRepo.FindAffiliateByID(ctx, affiliateID); err != nil {
		return nil, err
	}
	return e.affiliateRepo.ListCommissionsByAffiliate(ctx, affiliateID)
}

// ApproveCommissions promotes an affiliate's accrued commissions to approved.
func (e *Engine) ApproveCommissions(ctx context.Context, affiliateID int64) (int64, error) {
	n, err := e.affiliateRepo.ApproveAccrued(ctx, affiliateID)
	if err != nil {
		return 0, err
	}
	e.logger.Info("commissions approved",
		zap.Int64("affiliate_id", affiliateID),
		zap.Int64("count", n),
	)
	return n, nil
}

// CreatePayout batches the affiliate's approved commissions into one payout.
func (e *Engine) CreatePayout(ctx context.Context, req *affiliate.CreatePayoutRequest) (*affiliate.Payout, error) {
	p, err := e.affiliateRepo.CreatePayout(ctx, req.AffiliateID, strings.ToUpper(req.Currency))
	if err != nil {
		return nil, err
	}
	e.logger.Info("payout created",
		zap.Int64("payout_id", p.ID),
		zap.Int64("affiliate_id", p.AffiliateID),
		zap.Int64("amount", p.Amount),
	)
	return p, nil
}

// MarkPayoutDisbursed finalizes a payout after the money moved.
func (e *Engine) MarkPayoutDisbursed(ctx context.Context, payoutID int64) error {
	if err := e.affiliateRepo.MarkPayoutDisbursed(ctx, payoutID); err != nil {
		return err
	}
	e.logger.Info("payout disbursed", zap.Int64("payout_id", payoutID))
	return nil
}

// ListPayouts retrieves an affiliate's payouts.
func (e *Engine) ListPayouts(ctx context.Context, affiliateID int64) ([]*affiliate.Payout, error) {
	return e.affiliateRepo.ListPayouts(ctx, affiliateID)
}
