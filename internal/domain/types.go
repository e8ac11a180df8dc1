package domain

import "time"

// EarlyKillStatus tracks where a variant sits in its monitoring lifecycle.
type EarlyKillStatus string

const (
	KillStatusNotMonitored EarlyKillStatus = "not_monitored"
	KillStatusMonitoring   EarlyKillStatus = "monitoring"
	KillStatusKilled       EarlyKillStatus = "killed"
)

// EventType identifies the kind of dashboard event being broadcast.
type EventType string

const (
	EventPerformanceUpdate      EventType = "performance_update"
	EventEarlyKill              EventType = "early_kill"
	EventPatternFatigueWarning  EventType = "pattern_fatigue_warning"
	EventOptimizationSuggestion EventType = "optimization_suggestion"
)

// Variant is one content candidate under live testing. Immutable once created.
type Variant struct {
	VariantID   string    `json:"variant_id"`
	PersonaID   string    `json:"persona_id"`
	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PerformanceSnapshot is the current rollup for one variant. EngagementRate
// and FreshnessScore are derived; they are never written independently of
// the counters they are computed from.
type PerformanceSnapshot struct {
	VariantID             string          `json:"variant_id"`
	PersonaID             string          `json:"persona_id"`
	Impressions           int64           `json:"impressions"`
	Successes             int64           `json:"successes"`
	EngagementRate        float64         `json:"engagement_rate"`
	EarlyKillStatus       EarlyKillStatus `json:"early_kill_status"`
	PatternFatigueWarning bool            `json:"pattern_fatigue_warning"`
	FreshnessScore        float64         `json:"freshness_score"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// SnapshotDelta is an additive update to a snapshot's counters.
type SnapshotDelta struct {
	Impressions int64 `json:"impressions_delta"`
	Successes   int64 `json:"successes_delta"`
}

// KillRecord is the write-once audit row for an early-killed variant.
type KillRecord struct {
	VariantID            string    `json:"variant_id"`
	Reason               string    `json:"reason"`
	EngagementRateAtKill float64   `json:"engagement_rate_at_kill"`
	KilledAt             time.Time `json:"killed_at"`
}

// DashboardEvent is the normalized broadcastable unit. Sequence is assigned
// per persona when the event is appended to the store and is strictly
// increasing within that persona.
type DashboardEvent struct {
	EventType  EventType      `json:"event_type"`
	PersonaID  string         `json:"persona_id"`
	VariantID  string         `json:"variant_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Sequence   int64          `json:"sequence_number"`
}

// PersonaMetrics is the aggregate summary served by GET /metrics.
type PersonaMetrics struct {
	PersonaID           string  `json:"persona_id"`
	ActiveVariants      int     `json:"active_variants"`
	AvgEngagementRate   float64 `json:"avg_engagement_rate"`
	KilledCount         int     `json:"killed_count"`
	FatigueWarningCount int     `json:"fatigue_warning_count"`
}
