package hub

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/pulseboard/pulseboard/internal/domain"
)

// Hub owns the registry of live connections. A single actor goroutine is
// the only code that mutates or iterates the registry; registration,
// removal, and broadcasts arrive as messages on its inbox channels, so a
// fan-out never contends with connection churn on a shared lock.
type Hub struct {
	register   chan *Connection
	unregister chan *Connection
	broadcast  chan domain.DashboardEvent

	// persona -> connections; actor goroutine only
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan domain.DashboardEvent, 256),
		connections: make(map[string]map[*Connection]struct{}),
	}
}

// Run is the registry actor. It returns when ctx is canceled, closing every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.connections {
				for c := range conns {
					c.Close(StateDisconnected, "server shutdown")
				}
			}
			h.connections = make(map[string]map[*Connection]struct{})
			return

		case c := <-h.register:
			conns, ok := h.connections[c.PersonaID]
			if !ok {
				conns = make(map[*Connection]struct{})
				h.connections[c.PersonaID] = conns
			}
			conns[c] = struct{}{}
			c.state.Store(int32(StateActive))
			log.Info().
				Str("connection_id", c.ID).
				Str("persona_id", c.PersonaID).
				Int("persona_connections", len(conns)).
				Msg("Connection registered")

		case c := <-h.unregister:
			h.remove(c)

		case ev := <-h.broadcast:
			for c := range h.connections[ev.PersonaID] {
				if c.Enqueue(ev) {
					continue
				}
				// Slow client: drop it rather than stall the fan-out.
				h.remove(c)
				go c.Close(StateOverflowed, "send buffer overflow")
				log.Warn().
					Str("connection_id", c.ID).
					Str("persona_id", c.PersonaID).
					Msg("Connection dropped on send buffer overflow")
			}
		}
	}
}

func (h *Hub) remove(c *Connection) {
	conns, ok := h.connections[c.PersonaID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		// Already removed; unregister racing a broadcast drop is fine.
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.connections, c.PersonaID)
	}
}

// Register adds a connection to the registry. Events broadcast after the
// registration message is consumed are buffered for the connection even if
// its pumps have not started yet.
func (h *Hub) Register(c *Connection) {
	h.register <- c
}

// Unregister removes a connection. Safe to call while a broadcast to the
// same connection is in flight; delivery to a just-removed connection is
// silently skipped.
func (h *Hub) Unregister(c *Connection) {
	h.unregister <- c
}

// Broadcast fans out ev to every connection subscribed to its persona. The
// inbox is FIFO, so callers that publish in commit order get per-persona
// in-order delivery.
func (h *Hub) Broadcast(ev domain.DashboardEvent) {
	h.broadcast <- ev
}
