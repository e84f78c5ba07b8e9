// internal/events/bus_test.go
package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPublishNeverDropsEvents(t *testing.T) {
	const total = 300 // more than the queue buffer holds

	bus := NewBus(zap.NewNop())
	var got int64
	done := make(chan struct{})
	bus.Subscribe("counter", func(ctx context.Context, e Event) {
		if atomic.AddInt64(&got, 1) == total {
			close(done)
		}
	}, InvoicePaid)

	go func() {
		for i := 0; i < total; i++ {
			bus.Publish(Event{Type: InvoicePaid, InvoiceID: int64(i)})
		}
	}()

	// Let the publisher fill the queue before the dispatcher starts, so the
	// overflow path is the one under test.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected %d deliveries, got %d", total, atomic.LoadInt64(&got))
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var paid, canceled int64
	bus.Subscribe("paid-only", func(ctx context.Context, e Event) {
		atomic.AddInt64(&paid, 1)
	}, InvoicePaid)
	bus.Subscribe("everything", func(ctx context.Context, e Event) {
		atomic.AddInt64(&canceled, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	bus.Publish(Event{Type: InvoicePaid})
	bus.Publish(Event{Type: SubscriptionCanceled})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&paid) == 1 && atomic.LoadInt64(&canceled) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
