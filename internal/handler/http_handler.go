package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pulseboard/pulseboard/internal/domain"
	"github.com/pulseboard/pulseboard/internal/ingest"
	"github.com/pulseboard/pulseboard/internal/store"
)

// HTTPHandler serves the synchronous submission and query surface. The
// websocket live surface is in ws_handler.go.
type HTTPHandler struct {
	pipeline *ingest.Pipeline
	store    store.Store
}

func NewHTTPHandler(pipeline *ingest.Pipeline, st store.Store) *HTTPHandler {
	return &HTTPHandler{pipeline: pipeline, store: st}
}

func (h *HTTPHandler) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	var req PerformanceRequest
	if !decode(w, r, &req) {
		return
	}
	h.submit(w, r, ingest.Notification{
		Signal:           ingest.SignalPerformanceUpdate,
		VariantID:        req.VariantID,
		PersonaID:        req.PersonaID,
		ContentHash:      req.ContentHash,
		UpstreamEventID:  req.UpstreamEventID,
		ImpressionsDelta: req.ImpressionsDelta,
		SuccessesDelta:   req.SuccessesDelta,
	})
}

func (h *HTTPHandler) HandleKill(w http.ResponseWriter, r *http.Request) {
	var req KillRequest
	if !decode(w, r, &req) {
		return
	}
	h.submit(w, r, ingest.Notification{
		Signal:          ingest.SignalEarlyKill,
		VariantID:       req.VariantID,
		Reason:          req.Reason,
		UpstreamEventID: req.UpstreamEventID,
	})
}

func (h *HTTPHandler) HandleFatigue(w http.ResponseWriter, r *http.Request) {
	var req FatigueRequest
	if !decode(w, r, &req) {
		return
	}
	h.submit(w, r, ingest.Notification{
		Signal:          ingest.SignalFatigueWarning,
		VariantID:       req.VariantID,
		UpstreamEventID: req.UpstreamEventID,
	})
}

func (h *HTTPHandler) HandleSuggestion(w http.ResponseWriter, r *http.Request) {
	var req SuggestionRequest
	if !decode(w, r, &req) {
		return
	}
	h.submit(w, r, ingest.Notification{
		Signal:          ingest.SignalOptimizationSuggestion,
		PersonaID:       req.PersonaID,
		VariantID:       req.VariantID,
		Suggestion:      req.SuggestionText,
		UpstreamEventID: req.UpstreamEventID,
	})
}

func (h *HTTPHandler) HandleRegisterVariant(w http.ResponseWriter, r *http.Request) {
	var req RegisterVariantRequest
	if !decode(w, r, &req) {
		return
	}
	if req.VariantID == "" || req.PersonaID == "" {
		writeJSON(w, http.StatusBadRequest, SubmitResponse{Success: false, Error: "variant_id and persona_id are required"})
		return
	}
	snap, err := h.store.RegisterVariant(r.Context(), domain.Variant{
		VariantID:   req.VariantID,
		PersonaID:   req.PersonaID,
		ContentHash: req.ContentHash,
	})
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "snapshot": snap})
}

func (h *HTTPHandler) submit(w http.ResponseWriter, r *http.Request, n ingest.Notification) {
	ev, err := h.pipeline.Submit(r.Context(), n)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	if ev == nil {
		// Duplicate delivery, already applied.
		writeJSON(w, http.StatusOK, SubmitResponse{Success: true, Duplicate: true})
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{Success: true, SequenceNumber: ev.Sequence})
}

func (h *HTTPHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	personaID := chi.URLParam(r, "personaID")
	metrics, err := h.store.PersonaMetrics(r.Context(), personaID)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *HTTPHandler) HandleActiveVariants(w http.ResponseWriter, r *http.Request) {
	personaID := chi.URLParam(r, "personaID")
	snapshots, err := h.store.ListActiveSnapshots(r.Context(), personaID)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"persona_id": personaID,
		"snapshots":  snapshots,
	})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		writeJSON(w, http.StatusBadRequest, SubmitResponse{Success: false, Error: "invalid JSON"})
		return false
	}
	return true
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, store.ErrCounterInvariant):
		writeJSON(w, http.StatusBadRequest, SubmitResponse{Success: false, Error: err.Error()})
	case errors.Is(err, store.ErrVariantNotFound):
		writeJSON(w, http.StatusNotFound, SubmitResponse{Success: false, Error: err.Error()})
	case store.IsRetryable(err):
		// Persistence retries exhausted; the monitor resubmits on its own
		// policy.
		writeJSON(w, http.StatusServiceUnavailable, SubmitResponse{Success: false, Error: err.Error()})
	default:
		log.Error().Err(err).Msg("Unexpected submit failure")
		writeJSON(w, http.StatusInternalServerError, SubmitResponse{Success: false, Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
