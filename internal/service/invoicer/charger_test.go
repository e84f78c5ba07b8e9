// internal/service/invoicer/charger_test.go
package invoicer

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zapfy-billing/internal/domain/charge"
	"zapfy-billing/internal/domain/invoice"
	"zapfy-billing/internal/domain/subscription"
	"zapfy-billing/internal/events"
	"zapfy-billing/internal/gateway"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type stubTx struct {
	committed bool
}

func (t *stubTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *stubTx) Commit(ctx context.Context) error          { t.committed = true; return nil }
func (t *stubTx) Rollback(ctx context.Context) error        { return nil }
func (t *stubTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *stubTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *stubTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *stubTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *stubTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *stubTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *stubTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *stubTx) Conn() *pgx.Conn                                               { return nil }

type fakeTxDB struct{}

func (f *fakeTxDB) BeginTx(ctx context.Context) (pgx.Tx, error) { return &stubTx{}, nil }

type fakeChargeRepo struct {
	byID   map[int64]*charge.Charge
	nextID int64
}

func newFakeChargeRepo() *fakeChargeRepo {
	return &fakeChargeRepo{byID: make(map[int64]*charge.Charge), nextID: 1}
}

func (f *fakeChargeRepo) CreateWithTx(ctx context.Context, tx pgx.Tx, c *charge.Charge) error {
	for _, existing := range f.byID {
		if existing.IdempotencyKey == c.IdempotencyKey {
			return xerrors.ErrDuplicateEntry
		}
	}
	c.ID = f.nextID
	f.nextID++
	cp := *c
	f.byID[c.ID] = &cp
	return nil
}

func (f *fakeChargeRepo) FindByIdempotencyKey(ctx context.Context, key string) (*charge.Charge, error) {
	for _, c := range f.byID {
		if c.IdempotencyKey == key {
			cp := *c
			return &cp, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeChargeRepo) SetExternalRefWithTx(ctx context.Context, tx pgx.Tx, id int64, externalRef string) error {
	c, ok := f.byID[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	c.ExternalRef = sql.NullString{String: externalRef, Valid: true}
	return nil
}

func (f *fakeChargeRepo) UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []charge.ChargeState, to charge.ChargeState, failureCode string) error {
	c, ok := f.byID[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	for _, s := range from {
		if c.State == s {
			c.State = to
			c.FailureCode = sql.NullString{String: failureCode, Valid: failureCode != ""}
			return nil
		}
	}
	return xerrors.ErrInvalidTransition
}

type fakeInvoiceRepo struct {
	invoices     map[int64]*invoice.Invoice
	nextID       int64
	retries      []int64
	retryCleared []int64
	retryDue     []*invoice.Invoice
}

func (f *fakeInvoiceRepo) CreateWithTx(ctx context.Context, tx pgx.Tx, inv *invoice.Invoice) error {
	if !inv.Supplemental {
		for _, existing := range f.invoices {
			if !existing.Supplemental &&
				existing.SubscriptionID == inv.SubscriptionID &&
				existing.PeriodStart.Equal(inv.PeriodStart) {
				return xerrors.ErrDuplicateEntry
			}
		}
	}
	if f.nextID == 0 {
		f.nextID = 1
	}
	inv.ID = f.nextID
	f.nextID++
	f.invoices[inv.ID] = inv
	return nil
}

func (f *fakeInvoiceRepo) FindByID(ctx context.Context, id int64) (*invoice.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return inv, nil
}

func (f *fakeInvoiceRepo) MarkPaidWithTx(ctx context.Context, tx pgx.Tx, id int64, paidAt time.Time) error {
	inv, ok := f.invoices[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	inv.State = invoice.StatePaid
	inv.PaidAt = sql.NullTime{Time: paidAt, Valid: true}
	return nil
}

func (f *fakeInvoiceRepo) UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []invoice.InvoiceState, to invoice.InvoiceState) error {
	inv, ok := f.invoices[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	for _, s := range from {
		if inv.State == s {
			inv.State = to
			return nil
		}
	}
	return xerrors.ErrInvalidTransition
}

func (f *fakeInvoiceRepo) ScheduleRetryWithTx(ctx context.Context, tx pgx.Tx, id int64, attemptCount int, nextRetryAt time.Time) error {
	f.retries = append(f.retries, id)
	return nil
}

func (f *fakeInvoiceRepo) ClearRetryWithTx(ctx context.Context, tx pgx.Tx, id int64, attemptCount int) error {
	f.retryCleared = append(f.retryCleared, id)
	return nil
}

func (f *fakeInvoiceRepo) FindRetryDue(ctx context.Context, now time.Time, limit int) ([]*invoice.Invoice, error) {
	return f.retryDue, nil
}

type creditCall struct {
	subID     int64
	remainder int64
}

type fakeSubRepo struct {
	subs     map[int64]*subscription.Subscription
	renewDue []*subscription.Subscription
	advanced []int64
	credits  []creditCall
}

func (f *fakeSubRepo) FindByID(ctx context.Context, id int64) (*subscription.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return sub, nil
}

func (f *fakeSubRepo) FindDueForRenewal(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	return f.renewDue, nil
}

func (f *fakeSubRepo) AdvancePeriodWithTx(ctx context.Context, tx pgx.Tx, id int64, start, end time.Time) error {
	sub, ok := f.subs[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = end
	f.advanced = append(f.advanced, id)
	return nil
}

func (f *fakeSubRepo) ConsumeCreditWithTx(ctx context.Context, tx pgx.Tx, id, remainder int64) error {
	sub, ok := f.subs[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	sub.PendingCredit = remainder
	f.credits = append(f.credits, creditCall{subID: id, remainder: remainder})
	return nil
}

type fakeTransitions struct {
	pastDue   int
	exhausted int
}

func (f *fakeTransitions) MarkPastDueWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error) {
	f.pastDue++
	return true, nil
}

func (f *fakeTransitions) CancelExhaustedWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (bool, error) {
	f.exhausted++
	return true, nil
}

// scriptedAdapter answers CreateCharge from a script and records the request.
type scriptedAdapter struct {
	handle  *gateway.ChargeHandle
	err     error
	calls   int
	lastReq gateway.ChargeRequest
}

func (a *scriptedAdapter) Rail() charge.Rail { return charge.RailCard }
func (a *scriptedAdapter) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeHandle, error) {
	a.calls++
	a.lastReq = req
	return a.handle, a.err
}
func (a *scriptedAdapter) CancelCharge(ctx context.Context, externalRef string) error { return nil }
func (a *scriptedAdapter) NormalizeWebhook(payload []byte, header http.Header) (*gateway.NormalizedEvent, error) {
	return nil, nil
}

type chargerFixture struct {
	charger     *Charger
	adapter     *scriptedAdapter
	chargeRepo  *fakeChargeRepo
	invoiceRepo *fakeInvoiceRepo
	transitions *fakeTransitions
	invoice     *invoice.Invoice
}

func newChargerFixture(t *testing.T) *chargerFixture {
	t.Helper()

	adapter := &scriptedAdapter{}
	logger := zap.NewNop()

	inv := &invoice.Invoice{
		ID:             10,
		Reference:      "inv_1",
		SubscriptionID: 100,
		Amount:         10000,
		Currency:       "BRL",
		State:          invoice.StatePending,
		DueDate:        time.Now().UTC().AddDate(0, 0, 3),
		Rail:           charge.RailCard,
	}

	f := &chargerFixture{
		adapter:     adapter,
		chargeRepo:  newFakeChargeRepo(),
		invoiceRepo: &fakeInvoiceRepo{invoices: map[int64]*invoice.Invoice{10: inv}},
		transitions: &fakeTransitions{},
		invoice:     inv,
	}

	subRepo := &fakeSubRepo{subs: map[int64]*subscription.Subscription{
		100: {ID: 100, TenantID: 7, State: subscription.StateActive},
	}}

	retry := invoice.RetryPolicy{Intervals: []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour}}

	f.charger = NewCharger(
		gateway.NewRegistry(adapter),
		f.chargeRepo,
		f.invoiceRepo,
		subRepo,
		f.transitions,
		&fakeTxDB{},
		events.NewBus(logger),
		retry,
		logger,
	)
	return f
}

func TestDispatchIdempotent(t *testing.T) {
	f := newChargerFixture(t)
	existing := &charge.Charge{
		Reference:      "ch_prior",
		InvoiceID:      10,
		Rail:           charge.RailCard,
		State:          charge.StateProcessing,
		IdempotencyKey: charge.IdempotencyKey("inv_1", 1),
		Attempt:        1,
	}
	require.NoError(t, f.chargeRepo.CreateWithTx(context.Background(), &stubTx{}, existing))

	ch, err := f.charger.Dispatch(context.Background(), f.invoice, 1)
	require.NoError(t, err)

	assert.Equal(t, "ch_prior", ch.Reference)
	assert.Equal(t, 0, f.adapter.calls, "no second external charge may be opened")
}

func TestDispatchRecordsHandle(t *testing.T) {
	f := newChargerFixture(t)
	f.adapter.handle = &gateway.ChargeHandle{ExternalRef: "card_9", State: charge.StateProcessing}

	ch, err := f.charger.Dispatch(context.Background(), f.invoice, 1)
	require.NoError(t, err)

	assert.Equal(t, "card_9", ch.ExternalRef.String)
	assert.Equal(t, charge.StateProcessing, ch.State)
	assert.Equal(t, charge.IdempotencyKey("inv_1", 1), ch.IdempotencyKey)

	stored := f.chargeRepo.byID[ch.ID]
	assert.Equal(t, "card_9", stored.ExternalRef.String)
	assert.Equal(t, charge.StateProcessing, stored.State)

	assert.Equal(t, []int64{10}, f.invoiceRepo.retryCleared)
	assert.Equal(t, "inv_1:01", f.adapter.lastReq.IdempotencyKey)
	assert.Equal(t, int64(10000), f.adapter.lastReq.Amount)
	assert.Equal(t, "1", f.adapter.lastReq.Metadata["attempt"])
}

func TestDispatchSynchronousSettle(t *testing.T) {
	f := newChargerFixture(t)
	f.adapter.handle = &gateway.ChargeHandle{ExternalRef: "card_9", State: charge.StateSucceeded}

	ch, err := f.charger.Dispatch(context.Background(), f.invoice, 1)
	require.NoError(t, err)

	assert.Equal(t, charge.StateSucceeded, ch.State)
	// The invoice settles only through the reconciled webhook.
	assert.Equal(t, invoice.StatePending, f.invoice.State)
}

func TestDispatchOutcomeUnknown(t *testing.T) {
	f := newChargerFixture(t)
	f.adapter.err = fmt.Errorf("%w: request timed out", xerrors.ErrOutcomeUnknown)

	ch, err := f.charger.Dispatch(context.Background(), f.invoice, 1)
	assert.ErrorIs(t, err, xerrors.ErrOutcomeUnknown)
	require.NotNil(t, ch)

	stored := f.chargeRepo.byID[ch.ID]
	assert.Equal(t, charge.StateRequiresAction, stored.State)
	assert.False(t, stored.ExternalRef.Valid)
}

func TestDispatchPermanentRejection(t *testing.T) {
	f := newChargerFixture(t)
	f.adapter.err = fmt.Errorf("%w: invalid card", xerrors.ErrPermanentProvider)

	ch, err := f.charger.Dispatch(context.Background(), f.invoice, 1)
	require.NoError(t, err)

	assert.Equal(t, charge.StateFailed, ch.State)
	assert.Equal(t, "create_rejected", ch.FailureCode.String)
	assert.Equal(t, []int64{10}, f.invoiceRepo.retries)
	assert.Equal(t, 1, f.transitions.pastDue)
	assert.Equal(t, 0, f.transitions.exhausted)
	assert.Equal(t, invoice.StatePending, f.invoice.State)
}

func TestDispatchPermanentRejectionExhausted(t *testing.T) {
	f := newChargerFixture(t)
	f.adapter.err = fmt.Errorf("%w: invalid card", xerrors.ErrPermanentProvider)

	ch, err := f.charger.Dispatch(context.Background(), f.invoice, 4)
	require.NoError(t, err)

	assert.Equal(t, charge.StateFailed, ch.State)
	assert.Empty(t, f.invoiceRepo.retries)
	assert.Equal(t, 1, f.transitions.exhausted)
	assert.Equal(t, invoice.StateOverdue, f.invoice.State)
}
