package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pulseboard/pulseboard/internal/domain"
	"github.com/pulseboard/pulseboard/internal/hub"
	"github.com/pulseboard/pulseboard/internal/store"
)

// LiveOptions tune per-connection behavior on the live surface.
type LiveOptions struct {
	SendBuffer   int
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	ReplayLimit  int
}

// LiveHandler upgrades clients onto the broadcast hub.
type LiveHandler struct {
	hub   *hub.Hub
	store store.Store
	opts  LiveOptions
}

func NewLiveHandler(h *hub.Hub, st store.Store, opts LiveOptions) *LiveHandler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 1000
	}
	return &LiveHandler{hub: h, store: st, opts: opts}
}

// HandleLive serves one persistent connection. The client is registered
// before the initial snapshot is fetched, so events committed during the
// fetch buffer up and flow out right after initial_data; nothing falls into
// a gap between snapshot and stream.
func (h *LiveHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	personaID := chi.URLParam(r, "personaID")
	if personaID == "" {
		http.Error(w, "persona_id is required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}

	conn := hub.NewConnection(personaID, hub.NewWebsocketTransport(ws), h.opts.SendBuffer)
	h.hub.Register(conn)
	defer h.hub.Unregister(conn)
	defer conn.Close(hub.StateDisconnected, "handler exit")

	if err := h.sendInitialData(r.Context(), conn, personaID); err != nil {
		log.Warn().Err(err).
			Str("connection_id", conn.ID).
			Str("persona_id", personaID).
			Msg("Failed to send initial data")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		conn.ReadPump(ctx, func(ctx context.Context, sinceSeq int64) ([]domain.DashboardEvent, error) {
			return h.store.ListRecentEvents(ctx, personaID, sinceSeq, h.opts.ReplayLimit)
		})
		cancel()
	}()

	conn.WritePump(ctx, h.opts.WriteTimeout, h.opts.IdleTimeout)
}

func (h *LiveHandler) sendInitialData(ctx context.Context, conn *hub.Connection, personaID string) error {
	snapshots, err := h.store.ListActiveSnapshots(ctx, personaID)
	if err != nil {
		return err
	}
	suggestions, err := h.store.ListRecentSuggestions(ctx, personaID, 10)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return conn.WriteInitialData(wctx, hub.InitialData{
		PersonaID:   personaID,
		Snapshots:   snapshots,
		Suggestions: suggestions,
	})
}
