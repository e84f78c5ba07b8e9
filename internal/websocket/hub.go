// internal/websocket/hub.go
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"zapfy-billing/internal/events"
)

// Hub streams billing events to connected operator dashboards. A client may
// watch everything or filter to a single tenant. Delivery is best effort: a
// client that cannot keep up is dropped, the ledger stays the source of
// truth.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan events.Event

	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan events.Event, 256),
		logger:     logger,
	}
}

// Register subscribes the hub to every billing event on the bus.
func (h *Hub) Register(bus *events.Bus) {
	bus.Subscribe("websocket-hub", func(ctx context.Context, e events.Event) {
		select {
		case h.broadcast <- e:
		default:
			h.logger.Warn("websocket broadcast queue full, dropping event",
				zap.String("type", string(e.Type)))
		}
	})
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("websocket client connected",
				zap.String("operator_id", client.operatorID),
				zap.Int64("tenant_filter", client.tenantFilter),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case e := <-h.broadcast:
			h.dispatch(e)
		}
	}
}

func (h *Hub) dispatch(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err))
		return
	}

	// The fan-out runs under the read lock so ClientCount and the register
	// path stay concurrent; slow consumers are only collected here and
	// removed afterwards under the write lock.
	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if client.tenantFilter != 0 && client.tenantFilter != e.TenantID {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range slow {
		if _, ok := h.clients[client]; !ok {
			continue
		}
		h.logger.Warn("dropping slow websocket client",
			zap.String("operator_id", client.operatorID))
		delete(h.clients, client)
		close(client.send)
	}
}

// ClientCount reports currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}
