// internal/service/subscription/transitions_test.go
package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zapfy-billing/internal/config"
	"zapfy-billing/internal/domain/subscription"
	"zapfy-billing/internal/events"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type fakeSubStore struct {
	subs            map[int64]*subscription.Subscription
	nextID          int64
	cancelDue       []*subscription.Subscription
	incompleteStale []*subscription.Subscription
}

func newFakeSubStore(subs ...*subscription.Subscription) *fakeSubStore {
	f := &fakeSubStore{subs: make(map[int64]*subscription.Subscription), nextID: 1}
	for _, s := range subs {
		if s.ID == 0 {
			s.ID = f.nextID
		}
		if s.ID >= f.nextID {
			f.nextID = s.ID + 1
		}
		f.subs[s.ID] = s
	}
	return f
}

func (f *fakeSubStore) CreateWithTx(ctx context.Context, tx pgx.Tx, s *subscription.Subscription) error {
	s.ID = f.nextID
	f.nextID++
	f.subs[s.ID] = s
	return nil
}

func (f *fakeSubStore) FindByID(ctx context.Context, id int64) (*subscription.Subscription, error) {
	s, ok := f.subs[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSubStore) FindByReference(ctx context.Context, ref string) (*subscription.Subscription, error) {
	for _, s := range f.subs {
		if s.Reference == ref {
			cp := *s
			return &cp, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeSubStore) ListByTenant(ctx context.Context, tenantID int64) ([]*subscription.Subscription, error) {
	var out []*subscription.Subscription
	for _, s := range f.subs {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubStore) applyUpdate(id int64, from []subscription.State, to subscription.State) error {
	s, ok := f.subs[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	for _, st := range from {
		if s.State == st {
			s.State = to
			return nil
		}
	}
	return xerrors.ErrInvalidTransition
}

func (f *fakeSubStore) UpdateStateWithTx(ctx context.Context, tx pgx.Tx, id int64, from []subscription.State, to subscription.State) error {
	return f.applyUpdate(id, from, to)
}

func (f *fakeSubStore) UpdateState(ctx context.Context, id int64, from []subscription.State, to subscription.State) error {
	return f.applyUpdate(id, from, to)
}

func (f *fakeSubStore) SetCancelSchedule(ctx context.Context, id int64, atPeriodEnd, scheduled bool) error {
	s, ok := f.subs[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	s.CancelAtPeriodEnd = atPeriodEnd
	s.CancelScheduled = scheduled
	return nil
}

func (f *fakeSubStore) ChangePlanWithTx(ctx context.Context, tx pgx.Tx, id, planID, pendingCredit int64) error {
	s, ok := f.subs[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	s.PlanID = planID
	s.PendingCredit = pendingCredit
	return nil
}

func (f *fakeSubStore) FindScheduledCancelDue(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	return f.cancelDue, nil
}

func (f *fakeSubStore) FindIncompleteExpired(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.Subscription, error) {
	return f.incompleteStale, nil
}

func newTransitionService(store *fakeSubStore) *SubscriptionService {
	cfg := config.BillingConfig{
		InvoiceDueDays:   3,
		IncompleteExpiry: 24 * time.Hour,
	}
	return NewSubscriptionService(store, nil, nil, nil, nil, nil, nil, events.NewBus(zap.NewNop()), cfg, zap.NewNop())
}

func TestActivateOnPayment(t *testing.T) {
	cases := []struct {
		name       string
		state      subscription.State
		transition bool
		want       subscription.State
	}{
		{"incomplete activates", subscription.StateIncomplete, true, subscription.StateActive},
		{"trialing activates", subscription.StateTrialing, true, subscription.StateActive},
		{"past due recovers", subscription.StatePastDue, true, subscription.StateActive},
		{"active stays put", subscription.StateActive, false, subscription.StateActive},
		{"canceled never reactivates", subscription.StateCanceled, false, subscription.StateCanceled},
		{"paused never reactivates", subscription.StatePaused, false, subscription.StatePaused},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &subscription.Subscription{ID: 1, State: tc.state}
			store := newFakeSubStore(sub)
			svc := newTransitionService(store)

			changed, err := svc.ActivateOnPaymentWithTx(context.Background(), nil, sub)
			require.NoError(t, err)
			assert.Equal(t, tc.transition, changed)
			assert.Equal(t, tc.want, store.subs[1].State)
		})
	}
}

func TestMarkPastDue(t *testing.T) {
	cases := []struct {
		name       string
		state      subscription.State
		transition bool
		want       subscription.State
	}{
		{"active goes past due", subscription.StateActive, true, subscription.StatePastDue},
		{"trialing goes past due", subscription.StateTrialing, true, subscription.StatePastDue},
		{"already past due", subscription.StatePastDue, false, subscription.StatePastDue},
		{"canceled untouched", subscription.StateCanceled, false, subscription.StateCanceled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &subscription.Subscription{ID: 1, State: tc.state}
			store := newFakeSubStore(sub)
			svc := newTransitionService(store)

			changed, err := svc.MarkPastDueWithTx(context.Background(), nil, sub)
			require.NoError(t, err)
			assert.Equal(t, tc.transition, changed)
			assert.Equal(t, tc.want, store.subs[1].State)
		})
	}
}

func TestCancelExhausted(t *testing.T) {
	cases := []struct {
		name       string
		state      subscription.State
		transition bool
		want       subscription.State
	}{
		{"active cancels", subscription.StateActive, true, subscription.StateCanceled},
		{"past due cancels", subscription.StatePastDue, true, subscription.StateCanceled},
		{"incomplete cancels", subscription.StateIncomplete, true, subscription.StateCanceled},
		{"canceled idempotent", subscription.StateCanceled, false, subscription.StateCanceled},
		{"expired checkout untouched", subscription.StateIncompleteExpired, false, subscription.StateIncompleteExpired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &subscription.Subscription{ID: 1, State: tc.state}
			store := newFakeSubStore(sub)
			svc := newTransitionService(store)

			changed, err := svc.CancelExhaustedWithTx(context.Background(), nil, sub)
			require.NoError(t, err)
			assert.Equal(t, tc.transition, changed)
			assert.Equal(t, tc.want, store.subs[1].State)
		})
	}
}

func TestFinalizeScheduledCancels(t *testing.T) {
	due := &subscription.Subscription{ID: 1, State: subscription.StateActive, CancelScheduled: true}
	raced := &subscription.Subscription{ID: 2, State: subscription.StateCanceled, CancelScheduled: true}
	store := newFakeSubStore(due, raced)
	store.cancelDue = []*subscription.Subscription{due, raced}
	svc := newTransitionService(store)

	count, err := svc.FinalizeScheduledCancels(context.Background(), time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 1, count)
	assert.Equal(t, subscription.StateCanceled, store.subs[1].State)
}

func TestExpireIncomplete(t *testing.T) {
	stale := &subscription.Subscription{ID: 1, State: subscription.StateIncomplete}
	paidMeanwhile := &subscription.Subscription{ID: 2, State: subscription.StateActive}
	store := newFakeSubStore(stale, paidMeanwhile)
	store.incompleteStale = []*subscription.Subscription{stale, paidMeanwhile}
	svc := newTransitionService(store)

	count, err := svc.ExpireIncomplete(context.Background(), time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 1, count)
	assert.Equal(t, subscription.StateIncompleteExpired, store.subs[1].State)
	assert.Equal(t, subscription.StateActive, store.subs[2].State)
}

func TestCancelAtPeriodEndSchedulesOnly(t *testing.T) {
	sub := &subscription.Subscription{ID: 1, Reference: "sub_1", State: subscription.StateActive}
	store := newFakeSubStore(sub)
	svc := newTransitionService(store)

	got, err := svc.Cancel(context.Background(), "sub_1", &subscription.CancelRequest{AtPeriodEnd: true})
	require.NoError(t, err)

	assert.Equal(t, subscription.StateActive, got.State)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.True(t, got.CancelScheduled)
}

func TestCancelImmediate(t *testing.T) {
	sub := &subscription.Subscription{ID: 1, Reference: "sub_1", State: subscription.StateActive}
	store := newFakeSubStore(sub)
	svc := newTransitionService(store)

	got, err := svc.Cancel(context.Background(), "sub_1", &subscription.CancelRequest{Reason: "tenant request"})
	require.NoError(t, err)

	assert.Equal(t, subscription.StateCanceled, got.State)
	assert.False(t, got.CancelScheduled)
}

func TestCancelAlreadyCanceled(t *testing.T) {
	sub := &subscription.Subscription{ID: 1, Reference: "sub_1", State: subscription.StateCanceled}
	store := newFakeSubStore(sub)
	svc := newTransitionService(store)

	_, err := svc.Cancel(context.Background(), "sub_1", &subscription.CancelRequest{})
	assert.ErrorIs(t, err, xerrors.ErrInvalidTransition)
}

func TestResume(t *testing.T) {
	now := time.Now().UTC()

	t.Run("clears a pending schedule", func(t *testing.T) {
		sub := &subscription.Subscription{
			ID: 1, Reference: "sub_1", State: subscription.StateActive,
			CancelAtPeriodEnd: true, CancelScheduled: true,
			CurrentPeriodEnd: now.Add(10 * 24 * time.Hour),
		}
		store := newFakeSubStore(sub)
		svc := newTransitionService(store)

		got, err := svc.Resume(context.Background(), "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StateActive, got.State)
		assert.False(t, got.CancelAtPeriodEnd)
		assert.False(t, got.CancelScheduled)
	})

	t.Run("revives a scheduled cancel inside the paid period", func(t *testing.T) {
		sub := &subscription.Subscription{
			ID: 1, Reference: "sub_1", State: subscription.StateCanceled,
			CancelScheduled:  true,
			CurrentPeriodEnd: now.Add(5 * 24 * time.Hour),
		}
		store := newFakeSubStore(sub)
		svc := newTransitionService(store)

		got, err := svc.Resume(context.Background(), "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StateActive, got.State)
	})

	t.Run("immediate cancellation is final", func(t *testing.T) {
		sub := &subscription.Subscription{
			ID: 1, Reference: "sub_1", State: subscription.StateCanceled,
			CurrentPeriodEnd: now.Add(5 * 24 * time.Hour),
		}
		store := newFakeSubStore(sub)
		svc := newTransitionService(store)

		_, err := svc.Resume(context.Background(), "sub_1")
		assert.ErrorIs(t, err, xerrors.ErrInvalidTransition)
	})

	t.Run("period already over", func(t *testing.T) {
		sub := &subscription.Subscription{
			ID: 1, Reference: "sub_1", State: subscription.StateCanceled,
			CancelScheduled:  true,
			CurrentPeriodEnd: now.Add(-time.Hour),
		}
		store := newFakeSubStore(sub)
		svc := newTransitionService(store)

		_, err := svc.Resume(context.Background(), "sub_1")
		assert.ErrorIs(t, err, xerrors.ErrInvalidTransition)
	})
}

func TestPauseAndUnpause(t *testing.T) {
	sub := &subscription.Subscription{ID: 1, Reference: "sub_1", State: subscription.StateActive}
	store := newFakeSubStore(sub)
	svc := newTransitionService(store)

	got, err := svc.Pause(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatePaused, got.State)

	got, err = svc.Unpause(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StateActive, got.State)

	_, err = svc.Pause(context.Background(), "sub_1")
	require.NoError(t, err)
	_, err = svc.Pause(context.Background(), "sub_1")
	assert.ErrorIs(t, err, xerrors.ErrInvalidTransition)
}
