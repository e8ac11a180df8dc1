package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulseboard/pulseboard/internal/domain"
)

// State is the connection lifecycle: connecting, active, then one of the
// terminal states. A client whose connection terminates is expected to
// reconnect, producing a new Connection instance.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDisconnected
	StateOverflowed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateOverflowed:
		return "overflowed"
	}
	return "unknown"
}

// Transport is the wire under one connection. The websocket implementation
// lives in ws.go; tests substitute fakes.
type Transport interface {
	WriteJSON(ctx context.Context, v any) error
	ReadJSON(ctx context.Context, v any) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Stats counts deliveries for one connection.
type Stats struct {
	Sent    atomic.Uint64
	Dropped atomic.Uint64
}

// Connection is one live subscriber. The hub actor is the only writer of
// registry membership; the connection owns its own send buffer and pumps.
type Connection struct {
	ID        string
	PersonaID string

	tr       Transport
	send     chan domain.DashboardEvent
	state    atomic.Int32
	lastSent int64 // highest sequence written; writePump only
	stats    Stats

	replayStart chan struct{}
	replayDone  chan replayBatch

	closeOnce sync.Once
	done      chan struct{}
}

func NewConnection(personaID string, tr Transport, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	c := &Connection{
		ID:          uuid.New().String(),
		PersonaID:   personaID,
		tr:          tr,
		send:        make(chan domain.DashboardEvent, sendBuffer),
		replayStart: make(chan struct{}),
		replayDone:  make(chan replayBatch),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Connection) State() State { return State(c.state.Load()) }

// Enqueue hands an event to the connection without blocking. A false return
// means the send buffer is full; the caller drops the connection rather
// than stalling the broadcast.
func (c *Connection) Enqueue(ev domain.DashboardEvent) bool {
	select {
	case <-c.done:
		return true // already closing; silently skip
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		c.stats.Dropped.Add(1)
		return false
	}
}

// Close transitions the connection to a terminal state once. Safe to call
// from any goroutine, including concurrently with an in-flight broadcast.
func (c *Connection) Close(terminal State, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(terminal))
		close(c.done)
		if c.tr != nil {
			_ = c.tr.Close(reason)
		}
		log.Debug().
			Str("connection_id", c.ID).
			Str("persona_id", c.PersonaID).
			Str("state", terminal.String()).
			Uint64("sent", c.stats.Sent.Load()).
			Uint64("dropped", c.stats.Dropped.Load()).
			Msg("Connection closed")
	})
}

// WriteInitialData sends the snapshot message that precedes live delivery.
// Called before the pumps start; the send buffer holds anything broadcast
// in the meantime.
func (c *Connection) WriteInitialData(ctx context.Context, data InitialData) error {
	return c.tr.WriteJSON(ctx, ServerMessage{
		Type:      MessageInitialData,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

// WritePump drains the send buffer onto the wire, filtering through the
// last-sent watermark so live delivery never repeats or goes backwards.
// While a resync is in flight it holds live delivery until the replayed
// range is flushed. It also owns liveness: a ping that goes unacknowledged
// within the idle window terminates the connection.
func (c *Connection) WritePump(ctx context.Context, writeTimeout, idleTimeout time.Duration) {
	pingInterval := idleTimeout / 2
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close(StateDisconnected, "server shutdown")
			return
		case <-c.done:
			return
		case ev := <-c.send:
			if ev.Sequence <= c.lastSent {
				continue
			}
			if !c.writeEvent(ctx, ev, writeTimeout) {
				return
			}
		case <-c.replayStart:
			if !c.flushReplay(ctx, writeTimeout) {
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, idleTimeout)
			err := c.tr.Ping(pctx)
			cancel()
			if err != nil {
				c.Close(StateDisconnected, "liveness check failed")
				return
			}
		}
	}
}

func (c *Connection) writeEvent(ctx context.Context, ev domain.DashboardEvent, writeTimeout time.Duration) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := c.tr.WriteJSON(wctx, VariantUpdate(ev))
	cancel()
	if err != nil {
		c.Close(StateDisconnected, "write failed")
		return false
	}
	c.lastSent = ev.Sequence
	c.stats.Sent.Add(1)
	return true
}

// flushReplay holds live delivery while the read pump fetches the replay
// range, then writes it. Pausing before the fetch is what keeps the merge
// ordered: nothing live slips out between the client's request and the
// replayed events, and the live buffer drains afterwards through the
// watermark.
func (c *Connection) flushReplay(ctx context.Context, writeTimeout time.Duration) bool {
	select {
	case <-ctx.Done():
		c.Close(StateDisconnected, "server shutdown")
		return false
	case <-c.done:
		return false
	case batch := <-c.replayDone:
		if !batch.ok {
			return true
		}
		// The client has declared everything after batch.since unseen, so
		// the watermark rewinds to it. Events written live before the
		// resync arrived may be delivered again; the replayed range itself
		// is written at most once, in order.
		if batch.since < c.lastSent {
			c.lastSent = batch.since
		}
		for _, ev := range batch.events {
			if ev.Sequence <= c.lastSent {
				continue
			}
			if !c.writeEvent(ctx, ev, writeTimeout) {
				return false
			}
		}
		return true
	}
}

// ReplayFunc fetches the persisted events after a sequence number.
type ReplayFunc func(ctx context.Context, sinceSeq int64) ([]domain.DashboardEvent, error)

// replayBatch carries a fetched replay range from the read pump to the
// write pump. ok is false when the fetch failed and live delivery should
// just resume.
type replayBatch struct {
	since  int64
	events []domain.DashboardEvent
	ok     bool
}

// ReadPump consumes client messages until the connection dies. The only
// supported request is resync: the write pump pauses live delivery first,
// the replay range is fetched, then the write pump flushes it before
// resuming the live buffer.
func (c *Connection) ReadPump(ctx context.Context, replay ReplayFunc) {
	for {
		var msg ClientMessage
		if err := c.tr.ReadJSON(ctx, &msg); err != nil {
			c.Close(StateDisconnected, "read failed")
			return
		}
		switch msg.Type {
		case MessageResync:
			select {
			case c.replayStart <- struct{}{}:
			case <-c.done:
				return
			case <-ctx.Done():
				c.Close(StateDisconnected, "server shutdown")
				return
			}
			events, err := replay(ctx, msg.SinceSequence)
			if err != nil {
				log.Warn().Err(err).
					Str("connection_id", c.ID).
					Int64("since_sequence", msg.SinceSequence).
					Msg("Replay fetch failed")
				c.deliverReplay(replayBatch{})
				continue
			}
			c.deliverReplay(replayBatch{since: msg.SinceSequence, events: events, ok: true})
		default:
			log.Debug().
				Str("connection_id", c.ID).
				Str("type", msg.Type).
				Msg("Ignoring unknown client message")
		}
	}
}

func (c *Connection) deliverReplay(b replayBatch) {
	select {
	case c.replayDone <- b:
	case <-c.done:
	}
}
