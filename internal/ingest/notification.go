package ingest

import "fmt"

// SignalType identifies which upstream monitor emitted a notification.
type SignalType string

const (
	SignalPerformanceUpdate      SignalType = "performance_update"
	SignalEarlyKill              SignalType = "early_kill"
	SignalFatigueWarning         SignalType = "fatigue_warning"
	SignalOptimizationSuggestion SignalType = "optimization_suggestion"
)

// Notification is one inbound signal from an upstream monitor, before
// normalization into a DashboardEvent.
type Notification struct {
	Signal          SignalType `json:"signal_type"`
	UpstreamEventID string     `json:"upstream_event_id,omitempty"`
	VariantID       string     `json:"variant_id,omitempty"`
	PersonaID       string     `json:"persona_id,omitempty"`
	ContentHash     string     `json:"content_hash,omitempty"`

	// performance_update
	ImpressionsDelta int64 `json:"impressions_delta,omitempty"`
	SuccessesDelta   int64 `json:"successes_delta,omitempty"`

	// early_kill
	Reason string `json:"reason,omitempty"`

	// optimization_suggestion
	Suggestion string `json:"suggestion_text,omitempty"`
}

// ValidationError marks a malformed notification. It is rejected
// immediately and never persisted or retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid notification: %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the required fields for the notification's signal type.
func (n *Notification) Validate() error {
	switch n.Signal {
	case SignalPerformanceUpdate:
		if n.VariantID == "" {
			return invalidf("variant_id", "required")
		}
		if n.ImpressionsDelta < 0 {
			return invalidf("impressions_delta", "must be non-negative, got %d", n.ImpressionsDelta)
		}
		if n.SuccessesDelta < 0 {
			return invalidf("successes_delta", "must be non-negative, got %d", n.SuccessesDelta)
		}
		if n.ImpressionsDelta == 0 && n.SuccessesDelta == 0 {
			return invalidf("impressions_delta", "empty delta")
		}
	case SignalEarlyKill:
		if n.VariantID == "" {
			return invalidf("variant_id", "required")
		}
		if n.Reason == "" {
			return invalidf("reason", "required")
		}
	case SignalFatigueWarning:
		if n.VariantID == "" {
			return invalidf("variant_id", "required")
		}
	case SignalOptimizationSuggestion:
		if n.PersonaID == "" {
			return invalidf("persona_id", "required")
		}
		if n.Suggestion == "" {
			return invalidf("suggestion_text", "required")
		}
	default:
		return invalidf("signal_type", "unknown signal %q", string(n.Signal))
	}
	return nil
}
