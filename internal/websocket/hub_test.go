// internal/websocket/hub_test.go
package websocket

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"zapfy-billing/internal/events"
)

func newTestClient(bufferRoom int) *Client {
	send := make(chan []byte, 4)
	for i := 0; i < cap(send)-bufferRoom; i++ {
		send <- []byte("backlog")
	}
	return &Client{send: send, operatorID: "op_1"}
}

func TestDispatchDropsSlowClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	slow := newTestClient(0)
	healthy := newTestClient(4)
	hub.clients[slow] = true
	hub.clients[healthy] = true

	hub.dispatch(events.Event{Type: events.InvoicePaid, TenantID: 7})

	assert.Equal(t, 1, hub.ClientCount())
	assert.NotContains(t, hub.clients, slow)

	_, open := <-healthy.send
	assert.True(t, open)
}

func TestDispatchConcurrentWithClientCount(t *testing.T) {
	hub := NewHub(zap.NewNop())
	for i := 0; i < 16; i++ {
		hub.clients[newTestClient(0)] = true
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			hub.dispatch(events.Event{Type: events.InvoicePaid, TenantID: int64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			hub.ClientCount()
		}
	}()
	wg.Wait()

	assert.Equal(t, 0, hub.ClientCount())
}

func TestDispatchRespectsTenantFilter(t *testing.T) {
	hub := NewHub(zap.NewNop())
	filtered := &Client{send: make(chan []byte, 4), operatorID: "op_2", tenantFilter: 9}
	hub.clients[filtered] = true

	hub.dispatch(events.Event{Type: events.InvoicePaid, TenantID: 7})
	assert.Empty(t, filtered.send)

	hub.dispatch(events.Event{Type: events.InvoicePaid, TenantID: 9})
	assert.Len(t, filtered.send, 1)
}
