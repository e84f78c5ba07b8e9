// internal/service/invoicer/invoicer.go
package invoicer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"zapfy-billing/internal/config"
	"zapfy-billing/internal/domain/invoice"
	"zapfy-billing/internal/domain/plan"
	"zapfy-billing/internal/domain/subscription"
	"zapfy-billing/internal/events"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type SubscriptionStore interface {
	FindByID(ctx context.Context, id int64) (*subscription.Subscription, error)
	FindDueForRenewal(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	AdvancePeriodWithTx(ctx context.Context, tx pgx.Tx, id int64, start, end time.Time) error
	ConsumeCreditWithTx(ctx context.Context, tx pgx.Tx, id, remainder int64) error
}

type PlanStore interface {
	FindByID(ctx context.Context, id int64) (*plan.Plan, error)
}

// Lifecycle is the slice of the state machine the scheduler drives: expiring
// stale checkouts and finalizing scheduled cancellations.
type Lifecycle interface {
	ExpireIncomplete(ctx context.Context, now time.Time) (int, error)
	FinalizeScheduledCancels(ctx context.Context, now time.Time) (int, error)
}

const batchSize = 500

// Generator is the cron-driven billing loop: it issues renewal invoices when
// periods roll over, re-dispatches charges whose retry time arrived, and runs
// the lifecycle sweeps. Every step is idempotent, so overlapping or repeated
// runs are harmless.
type Generator struct {
	subscriptionRepo SubscriptionStore
	planRepo         PlanStore
	invoiceRepo      InvoiceStore
	charger          *Charger
	lifecycle        Lifecycle
	db               TxBeginner
	bus              *events.Bus
	cfg              config.BillingConfig
	cron             *cron.Cron
	logger           *zap.Logger
}

func NewGenerator(
	subscriptionRepo SubscriptionStore,
	planRepo PlanStore,
	invoiceRepo InvoiceStore,
	charger *Charger,
	lifecycle Lifecycle,
	db TxBeginner,
	bus *events.Bus,
	cfg config.BillingConfig,
	logger *zap.Logger,
) *Generator {
	return &Generator{
		subscriptionRepo: subscriptionRepo,
		planRepo:         planRepo,
		invoiceRepo:      invoiceRepo,
		charger:          charger,
		lifecycle:        lifecycle,
		db:               db,
		bus:              bus,
		cfg:              cfg,
		cron:             cron.New(),
		logger:           logger,
	}
}

// Start schedules the billing run on the configured cron spec.
func (g *Generator) Start() error {
	_, err := g.cron.AddFunc(g.cfg.GeneratorSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		g.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule billing run: %w", err)
	}
	g.cron.Start()
	g.logger.Info("billing scheduler started", zap.String("spec", g.cfg.GeneratorSpec))
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (g *Generator) Stop() {
	<-g.cron.Stop().Done()
}

// RunOnce executes one full billing pass.
func (g *Generator) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	if err := g.runRenewals(ctx, now); err != nil {
		g.logger.Error("renewal run failed", zap.Error(err))
	}
	if err := g.runRetries(ctx, now); err != nil {
		g.logger.Error("retry run failed", zap.Error(err))
	}
	if _, err := g.lifecycle.FinalizeScheduledCancels(ctx, now); err != nil {
		g.logger.Error("scheduled-cancel sweep failed", zap.Error(err))
	}
	if _, err := g.lifecycle.ExpireIncomplete(ctx, now); err != nil {
		g.logger.Error("incomplete-expiry sweep failed", zap.Error(err))
	}
}

func (g *Generator) runRenewals(ctx context.Context, now time.Time) error {
	due, err := g.subscriptionRepo.FindDueForRenewal(ctx, now, batchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	g.logger.Info("renewal run", zap.Int("due", len(due)))

	jobs := make(chan *subscription.Subscription)
	var wg sync.WaitGroup
	for i := 0; i < g.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range jobs {
				if err := g.renewOne(ctx, sub, now); err != nil {
					g.logger.Error("failed to renew subscription",
						zap.Int64("subscription_id", sub.ID), zap.Error(err))
				}
			}
		}()
	}
	for _, sub := range due {
		jobs <- sub
	}
	close(jobs)
	wg.Wait()
	return nil
}

// renewOne issues the renewal invoice for one subscription and dispatches its
// first charge attempt. The unique (subscription, period) constraint is the
// idempotency guard: a concurrent or repeated run gets ErrDuplicateEntry and
// walks away.
func (g *Generator) renewOne(ctx context.Context, sub *subscription.Subscription, now time.Time) error {
	p, err := g.planRepo.FindByID(ctx, sub.PlanID)
	if err != nil {
		return err
	}

	periodStart := sub.CurrentPeriodEnd
	periodEnd := p.PeriodEnd(periodStart)

	// Apply any proration credit from a downgrade. The amount never goes
	// below zero; an unconsumed remainder carries over.
	amount := p.Price
	remainder := int64(0)
	if sub.PendingCredit > 0 {
		applied := sub.PendingCredit
		if applied > amount {
			applied = amount
		}
		amount -= applied
		remainder = sub.PendingCredit - applied
	}

	inv := &invoice.Invoice{
		Reference:      "inv_" + ulid.Make().String(),
		SubscriptionID: sub.ID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Amount:         amount,
		Currency:       p.Currency,
		State:          invoice.StatePending,
		DueDate:        now.AddDate(0, 0, g.cfg.InvoiceDueDays),
		Rail:           sub.Rail,
		TaxDocStatus:   invoice.TaxDocNone,
	}

	tx, err := g.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := g.invoiceRepo.CreateWithTx(ctx, tx, inv); err != nil {
		if xerrors.Is(err, xerrors.ErrDuplicateEntry) {
			g.logger.Debug("renewal invoice already generated",
				zap.Int64("subscription_id", sub.ID))
			return nil
		}
		return err
	}
	if err := g.subscriptionRepo.AdvancePeriodWithTx(ctx, tx, sub.ID, periodStart, periodEnd); err != nil {
		return err
	}
	if sub.PendingCredit > 0 {
		if err := g.subscriptionRepo.ConsumeCreditWithTx(ctx, tx, sub.ID, remainder); err != nil {
			return err
		}
	}

	// A fully credited renewal has nothing to collect.
	if amount == 0 {
		if err := g.invoiceRepo.MarkPaidWithTx(ctx, tx, inv.ID, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	g.logger.Info("renewal invoice issued",
		zap.Int64("subscription_id", sub.ID),
		zap.Int64("invoice_id", inv.ID),
		zap.Int64("amount", amount),
	)

	if amount == 0 {
		g.bus.Publish(events.Event{
			Type:           events.InvoicePaid,
			TenantID:       sub.TenantID,
			SubscriptionID: sub.ID,
			InvoiceID:      inv.ID,
			Currency:       p.Currency,
		})
		return nil
	}

	_, err = g.charger.Dispatch(ctx, inv, 1)
	if xerrors.Is(err, xerrors.ErrOutcomeUnknown) {
		return nil
	}
	return err
}

func (g *Generator) runRetries(ctx context.Context, now time.Time) error {
	due, err := g.invoiceRepo.FindRetryDue(ctx, now, batchSize)
	if err != nil {
		return err
	}

	for _, inv := range due {
		sub, err := g.subscriptionRepo.FindByID(ctx, inv.SubscriptionID)
		if err != nil {
			g.logger.Error("failed to load subscription for retry",
				zap.Int64("invoice_id", inv.ID), zap.Error(err))
			continue
		}

		// A canceled, expired or paused subscription stops collecting.
		switch sub.State {
		case subscription.StateCanceled, subscription.StateIncompleteExpired, subscription.StatePaused:
			continue
		}

		attempt := inv.AttemptCount + 1
		_, err = g.charger.Dispatch(ctx, inv, attempt)
		if err != nil && !xerrors.Is(err, xerrors.ErrOutcomeUnknown) {
			g.logger.Error("failed to dispatch retry charge",
				zap.Int64("invoice_id", inv.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return nil
}
