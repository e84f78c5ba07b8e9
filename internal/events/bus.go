// internal/events/bus.go
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	InvoicePaid          Type = "invoice.paid"
	InvoicePaymentFailed Type = "invoice.payment_failed"
	InvoiceOverdue       Type = "invoice.overdue"
	InvoiceRefunded      Type = "invoice.refunded"
	SubscriptionActive   Type = "subscription.active"
	SubscriptionPastDue  Type = "subscription.past_due"
	SubscriptionCanceled Type = "subscription.canceled"
)

// Event is a domain event emitted by the reconciler or the state machine and
// consumed by the tax-document issuer, the commission engine and the
// notification stream.
type Event struct {
	Type           Type      `json:"type"`
	TenantID       int64     `json:"tenant_id,omitempty"`
	SubscriptionID int64     `json:"subscription_id,omitempty"`
	InvoiceID      int64     `json:"invoice_id,omitempty"`
	ChargeID       int64     `json:"charge_id,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	Rail           string    `json:"rail,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type Handler func(ctx context.Context, e Event)

type subscriber struct {
	name    string
	types   map[Type]bool // nil matches everything
	handler Handler
}

// Bus is the in-process dispatcher between the reconciler and its dependent
// engines. Each delivery runs in its own goroutine so a slow or failing
// subscriber (e.g. the tax issuer waiting on a provider) never blocks invoice
// processing for other tenants.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	queue  chan Event
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		queue:  make(chan Event, 256),
		logger: logger,
	}
}

// Subscribe registers a handler for the given event types. With no types the
// handler receives every event.
func (b *Bus) Subscribe(name string, h Handler, types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var set map[Type]bool
	if len(types) > 0 {
		set = make(map[Type]bool, len(types))
		for _, t := range types {
			set[t] = true
		}
	}
	b.subs = append(b.subs, subscriber{name: name, types: set, handler: h})
}

// Publish enqueues an event for dispatch. The queue absorbs bursts; when it
// is full the caller blocks until the dispatcher drains. An invoice.paid that
// never reaches the commission engine or the tax issuer is unrecoverable,
// since both only act on deliveries.
func (b *Bus) Publish(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case b.queue <- e:
	default:
		b.logger.Warn("event bus queue full, applying backpressure",
			zap.String("type", string(e.Type)),
			zap.Int64("invoice_id", e.InvoiceID),
		)
		b.queue <- e
	}
}

// Run dispatches events until the context is canceled.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			b.dispatch(ctx, e)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		go func(s subscriber) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event subscriber panicked",
						zap.String("subscriber", s.name),
						zap.String("type", string(e.Type)),
						zap.Any("panic", r),
					)
				}
			}()
			s.handler(ctx, e)
		}(s)
	}
}
