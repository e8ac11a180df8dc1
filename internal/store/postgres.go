package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulseboard/pulseboard/internal/domain"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool         *pgxpool.Pool
	replayWindow int
}

func NewPostgres(ctx context.Context, dsn string, replayWindow int) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if replayWindow <= 0 {
		replayWindow = 1000
	}
	return &Postgres{pool: pool, replayWindow: replayWindow}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// InitSchema creates the persisted layout if it does not exist.
func (p *Postgres) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS variants (
			variant_id   TEXT PRIMARY KEY,
			persona_id   TEXT NOT NULL,
			content_hash TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_variants_persona ON variants (persona_id)`,
		`CREATE TABLE IF NOT EXISTS variant_monitoring (
			variant_id              TEXT PRIMARY KEY REFERENCES variants (variant_id),
			persona_id              TEXT NOT NULL,
			impressions             BIGINT NOT NULL DEFAULT 0,
			successes               BIGINT NOT NULL DEFAULT 0,
			engagement_rate         DOUBLE PRECISION NOT NULL DEFAULT 0,
			early_kill_status       TEXT NOT NULL DEFAULT 'monitoring',
			pattern_fatigue_warning BOOLEAN NOT NULL DEFAULT FALSE,
			freshness_score         DOUBLE PRECISION NOT NULL DEFAULT 1,
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monitoring_persona ON variant_monitoring (persona_id)`,
		`CREATE TABLE IF NOT EXISTS variant_kills (
			variant_id              TEXT PRIMARY KEY REFERENCES variants (variant_id),
			reason                  TEXT NOT NULL,
			engagement_rate_at_kill DOUBLE PRECISION NOT NULL,
			killed_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS persona_sequences (
			persona_id    TEXT PRIMARY KEY,
			last_sequence BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS dashboard_events (
			persona_id      TEXT NOT NULL,
			sequence_number BIGINT NOT NULL,
			event_type      TEXT NOT NULL,
			variant_id      TEXT NOT NULL DEFAULT '',
			payload         JSONB,
			occurred_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (persona_id, sequence_number)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_signals (
			variant_id        TEXT NOT NULL,
			upstream_event_id TEXT NOT NULL,
			processed_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (variant_id, upstream_event_id)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return &PersistenceError{Op: "init schema", Err: err}
		}
	}
	return nil
}

func (p *Postgres) RegisterVariant(ctx context.Context, v domain.Variant) (*domain.PerformanceSnapshot, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "register variant", Err: err}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO variants (variant_id, persona_id, content_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (variant_id) DO NOTHING
	`, v.VariantID, v.PersonaID, v.ContentHash)
	if err != nil {
		return nil, &PersistenceError{Op: "register variant", Err: err}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO variant_monitoring (variant_id, persona_id, early_kill_status)
		SELECT variant_id, persona_id, 'monitoring' FROM variants WHERE variant_id = $1
		ON CONFLICT (variant_id) DO NOTHING
	`, v.VariantID)
	if err != nil {
		return nil, &PersistenceError{Op: "register variant", Err: err}
	}

	snap, err := scanSnapshot(tx.QueryRow(ctx, snapshotQuery+` WHERE variant_id = $1`, v.VariantID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &PersistenceError{Op: "register variant", Err: err}
	}
	return snap, nil
}

func (p *Postgres) UpsertSnapshot(ctx context.Context, variantID string, delta domain.SnapshotDelta, upstreamEventID string) (*domain.PerformanceSnapshot, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "upsert snapshot", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := claimSignal(ctx, tx, variantID, upstreamEventID); err != nil {
		return nil, err
	}

	// Row lock serializes concurrent updates to one variant.
	var cur domain.PerformanceSnapshot
	err = tx.QueryRow(ctx, `
		SELECT persona_id, impressions, successes, early_kill_status, pattern_fatigue_warning
		FROM variant_monitoring WHERE variant_id = $1
		FOR UPDATE
	`, variantID).Scan(&cur.PersonaID, &cur.Impressions, &cur.Successes, &cur.EarlyKillStatus, &cur.PatternFatigueWarning)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVariantNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "upsert snapshot", Err: err}
	}

	impressions := cur.Impressions + delta.Impressions
	successes := cur.Successes + delta.Successes
	if successes > impressions {
		return nil, ErrCounterInvariant
	}
	now := time.Now().UTC()
	rate := domain.EngagementRate(successes, impressions)

	_, err = tx.Exec(ctx, `
		UPDATE variant_monitoring
		SET impressions = $2, successes = $3, engagement_rate = $4,
		    freshness_score = $5, updated_at = $6
		WHERE variant_id = $1
	`, variantID, impressions, successes, rate, domain.Freshness(now, now), now)
	if err != nil {
		return nil, &PersistenceError{Op: "upsert snapshot", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &PersistenceError{Op: "upsert snapshot", Err: err}
	}

	return &domain.PerformanceSnapshot{
		VariantID:             variantID,
		PersonaID:             cur.PersonaID,
		Impressions:           impressions,
		Successes:             successes,
		EngagementRate:        rate,
		EarlyKillStatus:       cur.EarlyKillStatus,
		PatternFatigueWarning: cur.PatternFatigueWarning,
		FreshnessScore:        1,
		UpdatedAt:             now,
	}, nil
}

func (p *Postgres) RecordKill(ctx context.Context, variantID, reason, upstreamEventID string) (*domain.KillRecord, *domain.PerformanceSnapshot, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, nil, false, &PersistenceError{Op: "record kill", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := claimSignal(ctx, tx, variantID, upstreamEventID); err != nil {
		return nil, nil, false, err
	}

	var rate float64
	err = tx.QueryRow(ctx, `
		SELECT engagement_rate FROM variant_monitoring WHERE variant_id = $1 FOR UPDATE
	`, variantID).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, false, ErrVariantNotFound
	}
	if err != nil {
		return nil, nil, false, &PersistenceError{Op: "record kill", Err: err}
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO variant_kills (variant_id, reason, engagement_rate_at_kill, killed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (variant_id) DO NOTHING
	`, variantID, reason, rate, now)
	if err != nil {
		return nil, nil, false, &PersistenceError{Op: "record kill", Err: err}
	}
	created := tag.RowsAffected() == 1

	if created {
		_, err = tx.Exec(ctx, `
			UPDATE variant_monitoring
			SET early_kill_status = 'killed', updated_at = $2
			WHERE variant_id = $1
		`, variantID, now)
		if err != nil {
			return nil, nil, false, &PersistenceError{Op: "record kill", Err: err}
		}
	}

	rec := &domain.KillRecord{}
	err = tx.QueryRow(ctx, `
		SELECT variant_id, reason, engagement_rate_at_kill, killed_at
		FROM variant_kills WHERE variant_id = $1
	`, variantID).Scan(&rec.VariantID, &rec.Reason, &rec.EngagementRateAtKill, &rec.KilledAt)
	if err != nil {
		return nil, nil, false, &PersistenceError{Op: "record kill", Err: err}
	}

	snap, err := scanSnapshot(tx.QueryRow(ctx, snapshotQuery+` WHERE variant_id = $1`, variantID))
	if err != nil {
		return nil, nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, false, &PersistenceError{Op: "record kill", Err: err}
	}
	return rec, snap, created, nil
}

func (p *Postgres) SetFatigueWarning(ctx context.Context, variantID, upstreamEventID string) (*domain.PerformanceSnapshot, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "set fatigue warning", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := claimSignal(ctx, tx, variantID, upstreamEventID); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE variant_monitoring
		SET pattern_fatigue_warning = TRUE, updated_at = $2
		WHERE variant_id = $1
	`, variantID, time.Now().UTC())
	if err != nil {
		return nil, &PersistenceError{Op: "set fatigue warning", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrVariantNotFound
	}

	snap, err := scanSnapshot(tx.QueryRow(ctx, snapshotQuery+` WHERE variant_id = $1`, variantID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &PersistenceError{Op: "set fatigue warning", Err: err}
	}
	return snap, nil
}

func (p *Postgres) AppendEvent(ctx context.Context, ev *domain.DashboardEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return &PersistenceError{Op: "append event", Err: err}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "append event", Err: err}
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO persona_sequences (persona_id, last_sequence)
		VALUES ($1, 1)
		ON CONFLICT (persona_id) DO UPDATE
		SET last_sequence = persona_sequences.last_sequence + 1
		RETURNING last_sequence
	`, ev.PersonaID).Scan(&seq)
	if err != nil {
		return &PersistenceError{Op: "append event", Err: err}
	}

	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO dashboard_events (persona_id, sequence_number, event_type, variant_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.PersonaID, seq, string(ev.EventType), ev.VariantID, payload, ev.OccurredAt)
	if err != nil {
		return &PersistenceError{Op: "append event", Err: err}
	}

	// Keep the replay log bounded per persona.
	_, err = tx.Exec(ctx, `
		DELETE FROM dashboard_events
		WHERE persona_id = $1 AND sequence_number <= $2
	`, ev.PersonaID, seq-int64(p.replayWindow))
	if err != nil {
		return &PersistenceError{Op: "append event", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "append event", Err: err}
	}
	ev.Sequence = seq
	return nil
}

func (p *Postgres) GetSnapshot(ctx context.Context, variantID string) (*domain.PerformanceSnapshot, error) {
	return scanSnapshot(p.pool.QueryRow(ctx, snapshotQuery+` WHERE variant_id = $1`, variantID))
}

func (p *Postgres) ListActiveSnapshots(ctx context.Context, personaID string) ([]domain.PerformanceSnapshot, error) {
	rows, err := p.pool.Query(ctx, snapshotQuery+`
		WHERE persona_id = $1 AND early_kill_status <> 'killed'
		ORDER BY updated_at DESC
	`, personaID)
	if err != nil {
		return nil, &PersistenceError{Op: "list active snapshots", Err: err}
	}
	defer rows.Close()

	snapshots := make([]domain.PerformanceSnapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list active snapshots", Err: err}
	}
	return snapshots, nil
}

func (p *Postgres) ListRecentEvents(ctx context.Context, personaID string, sinceSeq int64, limit int) ([]domain.DashboardEvent, error) {
	return p.queryEvents(ctx, `
		SELECT persona_id, sequence_number, event_type, variant_id, payload, occurred_at
		FROM dashboard_events
		WHERE persona_id = $1 AND sequence_number > $2
		ORDER BY sequence_number ASC
		LIMIT $3
	`, personaID, sinceSeq, limit)
}

func (p *Postgres) ListRecentSuggestions(ctx context.Context, personaID string, limit int) ([]domain.DashboardEvent, error) {
	events, err := p.queryEvents(ctx, `
		SELECT persona_id, sequence_number, event_type, variant_id, payload, occurred_at
		FROM dashboard_events
		WHERE persona_id = $1 AND event_type = 'optimization_suggestion'
		ORDER BY sequence_number DESC
		LIMIT $2
	`, personaID, limit)
	if err != nil {
		return nil, err
	}
	// Newest-first query, oldest-first result.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (p *Postgres) PersonaMetrics(ctx context.Context, personaID string) (*domain.PersonaMetrics, error) {
	m := &domain.PersonaMetrics{PersonaID: personaID}
	err := p.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE early_kill_status <> 'killed'),
			COALESCE(AVG(engagement_rate) FILTER (WHERE early_kill_status <> 'killed'), 0),
			COUNT(*) FILTER (WHERE early_kill_status = 'killed'),
			COUNT(*) FILTER (WHERE pattern_fatigue_warning)
		FROM variant_monitoring
		WHERE persona_id = $1
	`, personaID).Scan(&m.ActiveVariants, &m.AvgEngagementRate, &m.KilledCount, &m.FatigueWarningCount)
	if err != nil {
		return nil, &PersistenceError{Op: "persona metrics", Err: err}
	}
	return m, nil
}

func (p *Postgres) queryEvents(ctx context.Context, query string, args ...any) ([]domain.DashboardEvent, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "query events", Err: err}
	}
	defer rows.Close()

	events := make([]domain.DashboardEvent, 0)
	for rows.Next() {
		var ev domain.DashboardEvent
		var eventType string
		var payload []byte
		if err := rows.Scan(&ev.PersonaID, &ev.Sequence, &eventType, &ev.VariantID, &payload, &ev.OccurredAt); err != nil {
			return nil, &PersistenceError{Op: "query events", Err: err}
		}
		ev.EventType = domain.EventType(eventType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, &PersistenceError{Op: "query events", Err: err}
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "query events", Err: err}
	}
	return events, nil
}

// claimSignal records the dedup key inside the caller's transaction so a
// duplicate delivery can never re-apply the state change, even if the cache
// layer is down.
func claimSignal(ctx context.Context, tx pgx.Tx, variantID, upstreamEventID string) error {
	if upstreamEventID == "" {
		// Signals without an upstream id are accepted as-is.
		return nil
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_signals (variant_id, upstream_event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, variantID, upstreamEventID)
	if err != nil {
		return &PersistenceError{Op: "claim signal", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateSignal
	}
	return nil
}

const snapshotQuery = `
	SELECT variant_id, persona_id, impressions, successes,
	       early_kill_status, pattern_fatigue_warning, updated_at
	FROM variant_monitoring`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSnapshot rebuilds the derived fields from the raw counters so a stale
// row reads with a decayed freshness score and a rate that cannot drift.
func scanSnapshot(row rowScanner) (*domain.PerformanceSnapshot, error) {
	var snap domain.PerformanceSnapshot
	err := row.Scan(&snap.VariantID, &snap.PersonaID, &snap.Impressions, &snap.Successes,
		&snap.EarlyKillStatus, &snap.PatternFatigueWarning, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVariantNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "scan snapshot", Err: err}
	}
	snap.EngagementRate = domain.EngagementRate(snap.Successes, snap.Impressions)
	snap.FreshnessScore = domain.Freshness(snap.UpdatedAt, time.Now().UTC())
	return &snap, nil
}
