// internal/service/invoicer/generator_test.go
package invoicer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zapfy-billing/internal/config"
	"zapfy-billing/internal/domain/charge"
	"zapfy-billing/internal/domain/invoice"
	"zapfy-billing/internal/domain/plan"
	"zapfy-billing/internal/domain/subscription"
	"zapfy-billing/internal/events"
	"zapfy-billing/internal/gateway"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type fakePlanRepo struct {
	plans map[int64]*plan.Plan
}

func (f *fakePlanRepo) FindByID(ctx context.Context, id int64) (*plan.Plan, error) {
	p, ok := f.plans[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return p, nil
}

type fakeLifecycle struct {
	expired   int
	finalized int
}

func (f *fakeLifecycle) ExpireIncomplete(ctx context.Context, now time.Time) (int, error) {
	f.expired++
	return 0, nil
}

func (f *fakeLifecycle) FinalizeScheduledCancels(ctx context.Context, now time.Time) (int, error) {
	f.finalized++
	return 0, nil
}

type generatorFixture struct {
	generator   *Generator
	adapter     *scriptedAdapter
	chargeRepo  *fakeChargeRepo
	invoiceRepo *fakeInvoiceRepo
	subRepo     *fakeSubRepo
	lifecycle   *fakeLifecycle
	sub         *subscription.Subscription
}

func newGeneratorFixture(t *testing.T) *generatorFixture {
	t.Helper()

	adapter := &scriptedAdapter{handle: &gateway.ChargeHandle{ExternalRef: "card_9", State: charge.StateProcessing}}
	logger := zap.NewNop()

	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := &subscription.Subscription{
		ID:                 100,
		Reference:          "sub_1",
		TenantID:           7,
		PlanID:             1,
		State:              subscription.StateActive,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:   periodEnd,
		Rail:               charge.RailCard,
	}

	f := &generatorFixture{
		adapter:     adapter,
		chargeRepo:  newFakeChargeRepo(),
		invoiceRepo: &fakeInvoiceRepo{invoices: make(map[int64]*invoice.Invoice), nextID: 1},
		subRepo:     &fakeSubRepo{subs: map[int64]*subscription.Subscription{100: sub}},
		lifecycle:   &fakeLifecycle{},
		sub:         sub,
	}
	f.subRepo.renewDue = []*subscription.Subscription{sub}

	planRepo := &fakePlanRepo{plans: map[int64]*plan.Plan{
		1: {ID: 1, Code: "pro", Price: 10000, Currency: "BRL", Interval: plan.IntervalMonth, Active: true},
	}}

	cfg := config.BillingConfig{
		RetryIntervals: []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
		InvoiceDueDays: 3,
		GeneratorSpec:  "@hourly",
		WorkerCount:    2,
	}

	transitions := &fakeTransitions{}
	bus := events.NewBus(logger)
	charger := NewCharger(
		gateway.NewRegistry(adapter),
		f.chargeRepo,
		f.invoiceRepo,
		f.subRepo,
		transitions,
		&fakeTxDB{},
		bus,
		invoice.RetryPolicy{Intervals: cfg.RetryIntervals},
		logger,
	)

	f.generator = NewGenerator(f.subRepo, planRepo, f.invoiceRepo, charger, f.lifecycle, &fakeTxDB{}, bus, cfg, logger)
	return f
}

func (f *generatorFixture) singleInvoice(t *testing.T) *invoice.Invoice {
	t.Helper()
	require.Len(t, f.invoiceRepo.invoices, 1)
	for _, inv := range f.invoiceRepo.invoices {
		return inv
	}
	return nil
}

func TestRunOnceIssuesRenewalInvoice(t *testing.T) {
	f := newGeneratorFixture(t)

	f.generator.RunOnce(context.Background())

	inv := f.singleInvoice(t)
	assert.Equal(t, int64(10000), inv.Amount)
	assert.Equal(t, f.sub.ID, inv.SubscriptionID)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), inv.PeriodStart)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), inv.PeriodEnd)
	assert.Equal(t, charge.RailCard, inv.Rail)

	assert.Equal(t, []int64{100}, f.subRepo.advanced)
	assert.Equal(t, 1, f.adapter.calls)
	assert.Len(t, f.chargeRepo.byID, 1)

	assert.Equal(t, 1, f.lifecycle.expired)
	assert.Equal(t, 1, f.lifecycle.finalized)
}

func TestRunOnceRenewalIdempotent(t *testing.T) {
	f := newGeneratorFixture(t)

	f.generator.RunOnce(context.Background())
	require.Len(t, f.invoiceRepo.invoices, 1)

	// A second run against the stale period snapshot hits the one-invoice-
	// per-period constraint and walks away.
	f.subRepo.renewDue = []*subscription.Subscription{{
		ID: 100, PlanID: 1, State: subscription.StateActive,
		CurrentPeriodEnd: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Rail:             charge.RailCard,
	}}
	f.generator.RunOnce(context.Background())

	assert.Len(t, f.invoiceRepo.invoices, 1)
	assert.Equal(t, []int64{100}, f.subRepo.advanced)
	assert.Equal(t, 1, f.adapter.calls)
}

func TestRunOnceConsumesPendingCredit(t *testing.T) {
	f := newGeneratorFixture(t)
	f.sub.PendingCredit = 3000

	f.generator.RunOnce(context.Background())

	inv := f.singleInvoice(t)
	assert.Equal(t, int64(7000), inv.Amount)
	require.Len(t, f.subRepo.credits, 1)
	assert.Equal(t, int64(0), f.subRepo.credits[0].remainder)
	assert.Equal(t, 1, f.adapter.calls)
}

func TestRunOnceFullyCreditedRenewal(t *testing.T) {
	f := newGeneratorFixture(t)
	f.sub.PendingCredit = 15000

	f.generator.RunOnce(context.Background())

	inv := f.singleInvoice(t)
	assert.Equal(t, int64(0), inv.Amount)
	assert.Equal(t, invoice.StatePaid, inv.State)
	require.Len(t, f.subRepo.credits, 1)
	assert.Equal(t, int64(5000), f.subRepo.credits[0].remainder)
	assert.Equal(t, 0, f.adapter.calls, "nothing to collect on a fully credited renewal")
}

func TestRunOnceDispatchesRetries(t *testing.T) {
	f := newGeneratorFixture(t)
	f.subRepo.renewDue = nil

	retryInv := &invoice.Invoice{
		ID:             5,
		Reference:      "inv_retry",
		SubscriptionID: 100,
		Amount:         10000,
		Currency:       "BRL",
		State:          invoice.StatePending,
		Rail:           charge.RailCard,
		AttemptCount:   1,
	}
	f.invoiceRepo.invoices[5] = retryInv
	f.invoiceRepo.retryDue = []*invoice.Invoice{retryInv}

	f.generator.RunOnce(context.Background())

	assert.Equal(t, 1, f.adapter.calls)
	assert.Equal(t, "inv_retry:02", f.adapter.lastReq.IdempotencyKey)
	assert.Equal(t, []int64{5}, f.invoiceRepo.retryCleared)
}

func TestRunOnceSkipsRetryForStoppedSubscription(t *testing.T) {
	f := newGeneratorFixture(t)
	f.subRepo.renewDue = nil
	f.sub.State = subscription.StateCanceled

	retryInv := &invoice.Invoice{
		ID:             5,
		Reference:      "inv_retry",
		SubscriptionID: 100,
		State:          invoice.StatePending,
		Rail:           charge.RailCard,
		AttemptCount:   1,
	}
	f.invoiceRepo.invoices[5] = retryInv
	f.invoiceRepo.retryDue = []*invoice.Invoice{retryInv}

	f.generator.RunOnce(context.Background())

	assert.Equal(t, 0, f.adapter.calls)
}
