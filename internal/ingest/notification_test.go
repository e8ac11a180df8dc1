package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotificationValidate(t *testing.T) {
	tests := []struct {
		name    string
		n       Notification
		wantErr string
	}{
		{
			name: "valid performance update",
			n:    Notification{Signal: SignalPerformanceUpdate, VariantID: "v1", ImpressionsDelta: 100, SuccessesDelta: 15},
		},
		{
			name:    "performance update without variant",
			n:       Notification{Signal: SignalPerformanceUpdate, ImpressionsDelta: 1},
			wantErr: "variant_id",
		},
		{
			name:    "negative impressions delta",
			n:       Notification{Signal: SignalPerformanceUpdate, VariantID: "v1", ImpressionsDelta: -5},
			wantErr: "impressions_delta",
		},
		{
			name:    "negative successes delta",
			n:       Notification{Signal: SignalPerformanceUpdate, VariantID: "v1", ImpressionsDelta: 5, SuccessesDelta: -1},
			wantErr: "successes_delta",
		},
		{
			name:    "empty delta",
			n:       Notification{Signal: SignalPerformanceUpdate, VariantID: "v1"},
			wantErr: "empty delta",
		},
		{
			name: "valid kill",
			n:    Notification{Signal: SignalEarlyKill, VariantID: "v1", Reason: "low_engagement"},
		},
		{
			name:    "kill without reason",
			n:       Notification{Signal: SignalEarlyKill, VariantID: "v1"},
			wantErr: "reason",
		},
		{
			name: "valid fatigue warning",
			n:    Notification{Signal: SignalFatigueWarning, VariantID: "v2"},
		},
		{
			name:    "fatigue warning without variant",
			n:       Notification{Signal: SignalFatigueWarning},
			wantErr: "variant_id",
		},
		{
			name: "valid suggestion",
			n:    Notification{Signal: SignalOptimizationSuggestion, PersonaID: "p1", Suggestion: "rotate hook"},
		},
		{
			name:    "suggestion without persona",
			n:       Notification{Signal: SignalOptimizationSuggestion, Suggestion: "rotate hook"},
			wantErr: "persona_id",
		},
		{
			name:    "suggestion without text",
			n:       Notification{Signal: SignalOptimizationSuggestion, PersonaID: "p1"},
			wantErr: "suggestion_text",
		},
		{
			name:    "unknown signal",
			n:       Notification{Signal: "bogus", VariantID: "v1"},
			wantErr: "unknown signal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.n.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}
