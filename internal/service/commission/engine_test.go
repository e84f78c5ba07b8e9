// internal/service/commission/engine_test.go
package commission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zapfy-billing/internal/domain/affiliate"
	"zapfy-billing/internal/events"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type fakeStore struct {
	referrals   map[int64]*affiliate.Referral // by tenant
	commissions []*affiliate.Commission
	seen        map[[2]int64]bool // (referral, invoice)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		referrals: make(map[int64]*affiliate.Referral),
		seen:      make(map[[2]int64]bool),
	}
}

func (f *fakeStore) CreateAffiliate(ctx context.Context, a *affiliate.Affiliate) error {
	a.ID = 1
	return nil
}

func (f *fakeStore) FindAffiliateByID(ctx context.Context, id int64) (*affiliate.Affiliate, error) {
	return &affiliate.Affiliate{ID: id, Active: true}, nil
}

func (f *fakeStore) FindReferralByTenant(ctx context.Context, tenantID int64) (*affiliate.Referral, error) {
	ref, ok := f.referrals[tenantID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return ref, nil
}

func (f *fakeStore) InsertCommission(ctx context.Context, c *affiliate.Commission) error {
	key := [2]int64{c.ReferralID, c.InvoiceID}
	if f.seen[key] {
		return xerrors.ErrDuplicateEntry
	}
	f.seen[key] = true
	f.commissions = append(f.commissions, c)
	return nil
}

func (f *fakeStore) ListCommissionsByAffiliate(ctx context.Context, affiliateID int64) ([]*affiliate.Commission, error) {
	return f.commissions, nil
}

func (f *fakeStore) ApproveAccrued(ctx context.Context, affiliateID int64) (int64, error) {
	return int64(len(f.commissions)), nil
}

func (f *fakeStore) CreatePayout(ctx context.Context, affiliateID int64, currency string) (*affiliate.Payout, error) {
	return &affiliate.Payout{ID: 1, AffiliateID: affiliateID, Currency: currency}, nil
}

func (f *fakeStore) MarkPayoutDisbursed(ctx context.Context, payoutID int64) error { return nil }

func (f *fakeStore) ListPayouts(ctx context.Context, affiliateID int64) ([]*affiliate.Payout, error) {
	return nil, nil
}

func TestAmount(t *testing.T) {
	// 2.5% of 100.00 in minor units.
	assert.Equal(t, int64(250), Amount(10000, 250))

	// 249.975 rounds to 250.
	assert.Equal(t, int64(250), Amount(9999, 250))

	// 2.5 rounds half to even.
	assert.Equal(t, int64(2), Amount(100, 250))

	assert.Equal(t, int64(0), Amount(0, 500))
	assert.Equal(t, int64(1000), Amount(1000, 10000))
}

func TestHandlePaidAccruesCommission(t *testing.T) {
	store := newFakeStore()
	store.referrals[7] = &affiliate.Referral{ID: 3, AffiliateID: 1, TenantID: 7, RateBps: 500}
	engine := NewEngine(store, zap.NewNop())

	engine.handlePaid(context.Background(), events.Event{
		Type:      events.InvoicePaid,
		TenantID:  7,
		InvoiceID: 42,
		Amount:    10000,
		Currency:  "BRL",
	})

	require.Len(t, store.commissions, 1)
	c := store.commissions[0]
	assert.Equal(t, int64(3), c.ReferralID)
	assert.Equal(t, int64(42), c.InvoiceID)
	assert.Equal(t, int64(500), c.Amount)
	assert.Equal(t, "BRL", c.Currency)
	assert.Equal(t, affiliate.CommissionAccrued, c.Status)
}

func TestHandlePaidExactlyOnce(t *testing.T) {
	store := newFakeStore()
	store.referrals[7] = &affiliate.Referral{ID: 3, AffiliateID: 1, TenantID: 7, RateBps: 500}
	engine := NewEngine(store, zap.NewNop())

	ev := events.Event{Type: events.InvoicePaid, TenantID: 7, InvoiceID: 42, Amount: 10000, Currency: "BRL"}
	for i := 0; i < 3; i++ {
		engine.handlePaid(context.Background(), ev)
	}

	assert.Len(t, store.commissions, 1)
}

func TestHandlePaidWithoutReferral(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, zap.NewNop())

	engine.handlePaid(context.Background(), events.Event{
		Type: events.InvoicePaid, TenantID: 99, InvoiceID: 1, Amount: 10000,
	})

	assert.Empty(t, store.commissions)
}

func TestHandlePaidSkipsZeroAmount(t *testing.T) {
	store := newFakeStore()
	store.referrals[7] = &affiliate.Referral{ID: 3, AffiliateID: 1, TenantID: 7, RateBps: 500}
	engine := NewEngine(store, zap.NewNop())

	engine.handlePaid(context.Background(), events.Event{
		Type: events.InvoicePaid, TenantID: 7, InvoiceID: 42, Amount: 0,
	})

	assert.Empty(t, store.commissions)
}
