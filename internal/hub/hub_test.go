package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/pulseboard/internal/domain"
)

// fakeTransport captures writes and feeds scripted client messages.
type fakeTransport struct {
	mu         sync.Mutex
	writes     []ServerMessage
	reads      chan ClientMessage
	failWrites bool
	failPings  bool
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: make(chan ClientMessage, 8)}
}

func (t *fakeTransport) WriteJSON(ctx context.Context, v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWrites {
		return errors.New("write failed")
	}
	t.writes = append(t.writes, v.(ServerMessage))
	return nil
}

func (t *fakeTransport) ReadJSON(ctx context.Context, v any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case msg, ok := <-t.reads:
		if !ok {
			return errors.New("transport closed")
		}
		*(v.(*ClientMessage)) = msg
		return nil
	}
}

func (t *fakeTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failPings {
		return errors.New("ping failed")
	}
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) messages() []ServerMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ServerMessage(nil), t.writes...)
}

func (t *fakeTransport) sequences() []int64 {
	var seqs []int64
	for _, msg := range t.messages() {
		if msg.Type != MessageVariantUpdate {
			continue
		}
		data := msg.Data.(map[string]any)
		seqs = append(seqs, data["sequence_number"].(int64))
	}
	return seqs
}

func event(personaID string, seq int64) domain.DashboardEvent {
	return domain.DashboardEvent{
		EventType:  domain.EventPerformanceUpdate,
		PersonaID:  personaID,
		VariantID:  "v1",
		Sequence:   seq,
		OccurredAt: time.Now(),
	}
}

func startConn(t *testing.T, ctx context.Context, personaID string, buffer int) (*Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	c := NewConnection(personaID, tr, buffer)
	go c.WritePump(ctx, time.Second, 30*time.Second)
	return c, tr
}

func TestHub_BroadcastFansOutToMatchingPersona(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New()
	go h.Run(ctx)

	c1, tr1 := startConn(t, ctx, "p1", 8)
	c2, tr2 := startConn(t, ctx, "p1", 8)
	c3, tr3 := startConn(t, ctx, "p2", 8)
	h.Register(c1)
	h.Register(c2)
	h.Register(c3)

	h.Broadcast(event("p1", 1))

	require.Eventually(t, func() bool {
		return len(tr1.sequences()) == 1 && len(tr2.sequences()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{1}, tr1.sequences())
	assert.Equal(t, []int64{1}, tr2.sequences())
	assert.Empty(t, tr3.sequences(), "other persona must not receive the event")
}

func TestHub_SlowClientDoesNotBlockHealthyOne(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New()
	go h.Run(ctx)

	// Slow client: tiny buffer and no pump draining it.
	slowTr := newFakeTransport()
	slow := NewConnection("p1", slowTr, 1)
	fast, fastTr := startConn(t, ctx, "p1", 64)
	h.Register(slow)
	h.Register(fast)

	for seq := int64(1); seq <= 5; seq++ {
		h.Broadcast(event("p1", seq))
	}

	require.Eventually(t, func() bool {
		return len(fastTr.sequences()) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, fastTr.sequences())

	require.Eventually(t, func() bool {
		return slow.State() == StateOverflowed
	}, time.Second, 5*time.Millisecond)
}

func TestHub_UnregisterDuringBroadcastIsSilentlySkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New()
	go h.Run(ctx)

	c, tr := startConn(t, ctx, "p1", 8)
	h.Register(c)
	h.Unregister(c)
	h.Broadcast(event("p1", 1))

	// Give the actor time to process; nothing should arrive.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tr.sequences())

	// Unregistering again must not panic or block.
	h.Unregister(c)
}

func TestConnection_WatermarkFiltersDuplicatesAndReordering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, tr := startConn(t, ctx, "p1", 8)
	c.Enqueue(event("p1", 2))
	c.Enqueue(event("p1", 1)) // stale, must be skipped
	c.Enqueue(event("p1", 2)) // duplicate, must be skipped
	c.Enqueue(event("p1", 3))

	require.Eventually(t, func() bool {
		seqs := tr.sequences()
		return len(seqs) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{2, 3}, tr.sequences())
}

func TestConnection_ResyncReplaysThenResumesLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newFakeTransport()
	c := NewConnection("p1", tr, 64)
	go c.WritePump(ctx, time.Second, 30*time.Second)

	replay := func(ctx context.Context, sinceSeq int64) ([]domain.DashboardEvent, error) {
		var events []domain.DashboardEvent
		for seq := sinceSeq + 1; seq <= 15; seq++ {
			events = append(events, event("p1", seq))
		}
		return events, nil
	}
	go c.ReadPump(ctx, replay)

	tr.reads <- ClientMessage{Type: MessageResync, SinceSequence: 10}

	require.Eventually(t, func() bool {
		return len(tr.sequences()) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{11, 12, 13, 14, 15}, tr.sequences())

	// Live delivery resumes after the replayed range.
	c.Enqueue(event("p1", 16))
	require.Eventually(t, func() bool {
		return len(tr.sequences()) == 6
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{11, 12, 13, 14, 15, 16}, tr.sequences())
}

func TestConnection_ResyncAfterLiveDeliveryStillReplays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newFakeTransport()
	c := NewConnection("p1", tr, 64)
	go c.WritePump(ctx, time.Second, 30*time.Second)

	replay := func(ctx context.Context, sinceSeq int64) ([]domain.DashboardEvent, error) {
		var events []domain.DashboardEvent
		for seq := sinceSeq + 1; seq <= 15; seq++ {
			events = append(events, event("p1", seq))
		}
		return events, nil
	}
	go c.ReadPump(ctx, replay)

	// A live event lands before the client asks for replay.
	c.Enqueue(event("p1", 16))
	require.Eventually(t, func() bool {
		return len(tr.sequences()) == 1
	}, time.Second, 5*time.Millisecond)

	// The replayed range must still be delivered, not swallowed by the
	// watermark the live event advanced.
	tr.reads <- ClientMessage{Type: MessageResync, SinceSequence: 10}
	require.Eventually(t, func() bool {
		return len(tr.sequences()) == 6
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{16, 11, 12, 13, 14, 15}, tr.sequences())

	// Live delivery resumes after the flush.
	c.Enqueue(event("p1", 17))
	require.Eventually(t, func() bool {
		return len(tr.sequences()) == 7
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{16, 11, 12, 13, 14, 15, 17}, tr.sequences())
}

func TestConnection_FailedLivenessCheckDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newFakeTransport()
	tr.failPings = true
	c := NewConnection("p1", tr, 8)
	go c.WritePump(ctx, time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestConnection_WriteFailureTerminates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newFakeTransport()
	tr.failWrites = true
	c := NewConnection("p1", tr, 8)
	go c.WritePump(ctx, 100*time.Millisecond, 30*time.Second)

	c.Enqueue(event("p1", 1))

	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestConnection_InitialDataPrecedesStream(t *testing.T) {
	tr := newFakeTransport()
	c := NewConnection("p1", tr, 8)

	err := c.WriteInitialData(context.Background(), InitialData{
		PersonaID: "p1",
		Snapshots: []domain.PerformanceSnapshot{{VariantID: "v1", PersonaID: "p1"}},
	})
	require.NoError(t, err)

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageInitialData, msgs[0].Type)
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	h := New()
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c, _ := startConn(t, context.Background(), "p1", 8)
	h.Register(c)

	cancel()
	<-done
	assert.Equal(t, StateDisconnected, c.State())
}
