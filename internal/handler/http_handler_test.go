package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/pulseboard/internal/domain"
	"github.com/pulseboard/pulseboard/internal/ingest"
	"github.com/pulseboard/pulseboard/internal/store"
)

// stubStore implements store.Store with overridable behavior per test.
type stubStore struct {
	snapshots map[string]*domain.PerformanceSnapshot
	kills     map[string]*domain.KillRecord
	nextSeq   int64
	events    []domain.DashboardEvent
}

func newStubStore() *stubStore {
	return &stubStore{
		snapshots: make(map[string]*domain.PerformanceSnapshot),
		kills:     make(map[string]*domain.KillRecord),
	}
}

func (s *stubStore) addVariant(variantID, personaID string) *domain.PerformanceSnapshot {
	snap := &domain.PerformanceSnapshot{
		VariantID:       variantID,
		PersonaID:       personaID,
		EarlyKillStatus: domain.KillStatusMonitoring,
		FreshnessScore:  1,
		UpdatedAt:       time.Now(),
	}
	s.snapshots[variantID] = snap
	return snap
}

func (s *stubStore) RegisterVariant(ctx context.Context, v domain.Variant) (*domain.PerformanceSnapshot, error) {
	if snap, ok := s.snapshots[v.VariantID]; ok {
		return snap, nil
	}
	return s.addVariant(v.VariantID, v.PersonaID), nil
}

func (s *stubStore) UpsertSnapshot(ctx context.Context, variantID string, delta domain.SnapshotDelta, upstreamEventID string) (*domain.PerformanceSnapshot, error) {
	snap, ok := s.snapshots[variantID]
	if !ok {
		return nil, store.ErrVariantNotFound
	}
	snap.Impressions += delta.Impressions
	snap.Successes += delta.Successes
	snap.EngagementRate = domain.EngagementRate(snap.Successes, snap.Impressions)
	snap.UpdatedAt = time.Now()
	return snap, nil
}

func (s *stubStore) RecordKill(ctx context.Context, variantID, reason, upstreamEventID string) (*domain.KillRecord, *domain.PerformanceSnapshot, bool, error) {
	snap, ok := s.snapshots[variantID]
	if !ok {
		return nil, nil, false, store.ErrVariantNotFound
	}
	if rec, ok := s.kills[variantID]; ok {
		return rec, snap, false, nil
	}
	rec := &domain.KillRecord{
		VariantID:            variantID,
		Reason:               reason,
		EngagementRateAtKill: snap.EngagementRate,
		KilledAt:             time.Now(),
	}
	s.kills[variantID] = rec
	snap.EarlyKillStatus = domain.KillStatusKilled
	return rec, snap, true, nil
}

func (s *stubStore) SetFatigueWarning(ctx context.Context, variantID, upstreamEventID string) (*domain.PerformanceSnapshot, error) {
	snap, ok := s.snapshots[variantID]
	if !ok {
		return nil, store.ErrVariantNotFound
	}
	snap.PatternFatigueWarning = true
	return snap, nil
}

func (s *stubStore) AppendEvent(ctx context.Context, ev *domain.DashboardEvent) error {
	s.nextSeq++
	ev.Sequence = s.nextSeq
	s.events = append(s.events, *ev)
	return nil
}

func (s *stubStore) GetSnapshot(ctx context.Context, variantID string) (*domain.PerformanceSnapshot, error) {
	snap, ok := s.snapshots[variantID]
	if !ok {
		return nil, store.ErrVariantNotFound
	}
	return snap, nil
}

func (s *stubStore) ListActiveSnapshots(ctx context.Context, personaID string) ([]domain.PerformanceSnapshot, error) {
	var out []domain.PerformanceSnapshot
	for _, snap := range s.snapshots {
		if snap.PersonaID == personaID && snap.EarlyKillStatus != domain.KillStatusKilled {
			out = append(out, *snap)
		}
	}
	return out, nil
}

func (s *stubStore) ListRecentEvents(ctx context.Context, personaID string, sinceSeq int64, limit int) ([]domain.DashboardEvent, error) {
	var out []domain.DashboardEvent
	for _, ev := range s.events {
		if ev.PersonaID == personaID && ev.Sequence > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *stubStore) ListRecentSuggestions(ctx context.Context, personaID string, limit int) ([]domain.DashboardEvent, error) {
	return nil, nil
}

func (s *stubStore) PersonaMetrics(ctx context.Context, personaID string) (*domain.PersonaMetrics, error) {
	m := &domain.PersonaMetrics{PersonaID: personaID}
	var rateSum float64
	for _, snap := range s.snapshots {
		if snap.PersonaID != personaID {
			continue
		}
		if snap.EarlyKillStatus == domain.KillStatusKilled {
			m.KilledCount++
		} else {
			m.ActiveVariants++
			rateSum += snap.EngagementRate
		}
		if snap.PatternFatigueWarning {
			m.FatigueWarningCount++
		}
	}
	if m.ActiveVariants > 0 {
		m.AvgEngagementRate = rateSum / float64(m.ActiveVariants)
	}
	return m, nil
}

type discardHub struct{}

func (discardHub) Broadcast(ev domain.DashboardEvent) {}

func newTestRouter(st store.Store) *chi.Mux {
	pipeline := ingest.NewPipeline(st, discardHub{}, nil, ingest.Options{
		Timeout:       time.Second,
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
	})
	h := NewHTTPHandler(pipeline, st)

	r := chi.NewRouter()
	r.Post("/v1/performance", h.HandlePerformance)
	r.Post("/v1/kills", h.HandleKill)
	r.Post("/v1/fatigue", h.HandleFatigue)
	r.Post("/v1/suggestions", h.HandleSuggestion)
	r.Post("/v1/variants", h.HandleRegisterVariant)
	r.Get("/metrics/{personaID}", h.HandleMetrics)
	r.Get("/variants/{personaID}/active", h.HandleActiveVariants)
	r.Get("/health", HealthCheck)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSubmitPerformance_UpdatesEngagementRate(t *testing.T) {
	st := newStubStore()
	st.addVariant("v1", "p1")
	r := newTestRouter(st)

	rec := doJSON(t, r, http.MethodPost, "/v1/performance", PerformanceRequest{
		VariantID:        "v1",
		ImpressionsDelta: 100,
		SuccessesDelta:   15,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, int64(1), resp.SequenceNumber)

	rec = doJSON(t, r, http.MethodGet, "/variants/p1/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		PersonaID string                       `json:"persona_id"`
		Snapshots []domain.PerformanceSnapshot `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Snapshots, 1)
	assert.Equal(t, "v1", list.Snapshots[0].VariantID)
	assert.Equal(t, 0.15, list.Snapshots[0].EngagementRate)
}

func TestSubmitKill_IdempotentAcrossRetries(t *testing.T) {
	st := newStubStore()
	st.addVariant("v1", "p1")
	r := newTestRouter(st)

	body := KillRequest{VariantID: "v1", Reason: "low_engagement"}

	rec := doJSON(t, r, http.MethodPost, "/v1/kills", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var first SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.True(t, first.Success)
	assert.False(t, first.Duplicate)

	rec = doJSON(t, r, http.MethodPost, "/v1/kills", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var second SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Success)
	assert.True(t, second.Duplicate)

	require.Len(t, st.kills, 1)
	assert.Equal(t, domain.KillStatusKilled, st.snapshots["v1"].EarlyKillStatus)

	// Killed variants drop out of the active list but stay queryable.
	rec = doJSON(t, r, http.MethodGet, "/variants/p1/active", nil)
	var list struct {
		Snapshots []domain.PerformanceSnapshot `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Snapshots)
}

func TestSubmit_MalformedRequests(t *testing.T) {
	st := newStubStore()
	st.addVariant("v1", "p1")
	r := newTestRouter(st)

	rec := doJSON(t, r, http.MethodPost, "/v1/performance", PerformanceRequest{ImpressionsDelta: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/v1/kills", KillRequest{VariantID: "v1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/performance", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmit_UnknownVariant(t *testing.T) {
	st := newStubStore()
	r := newTestRouter(st)

	rec := doJSON(t, r, http.MethodPost, "/v1/kills", KillRequest{VariantID: "ghost", Reason: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "unknown variant")
}

func TestMetrics_Aggregates(t *testing.T) {
	st := newStubStore()
	r := newTestRouter(st)

	st.addVariant("v1", "p1")
	st.addVariant("v2", "p1")
	doJSON(t, r, http.MethodPost, "/v1/performance", PerformanceRequest{VariantID: "v1", ImpressionsDelta: 100, SuccessesDelta: 10})
	doJSON(t, r, http.MethodPost, "/v1/performance", PerformanceRequest{VariantID: "v2", ImpressionsDelta: 100, SuccessesDelta: 30})
	doJSON(t, r, http.MethodPost, "/v1/fatigue", FatigueRequest{VariantID: "v2"})

	rec := doJSON(t, r, http.MethodGet, "/metrics/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var m domain.PersonaMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 2, m.ActiveVariants)
	assert.InDelta(t, 0.2, m.AvgEngagementRate, 1e-9)
	assert.Equal(t, 0, m.KilledCount)
	assert.Equal(t, 1, m.FatigueWarningCount)
}

func TestRegisterVariant(t *testing.T) {
	st := newStubStore()
	r := newTestRouter(st)

	rec := doJSON(t, r, http.MethodPost, "/v1/variants", RegisterVariantRequest{
		VariantID: "v1",
		PersonaID: "p1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/v1/variants", RegisterVariantRequest{VariantID: "v1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	r := newTestRouter(newStubStore())
	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
