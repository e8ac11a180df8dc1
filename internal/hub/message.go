package hub

import (
	"github.com/pulseboard/pulseboard/internal/domain"
)

const (
	MessageInitialData   = "initial_data"
	MessageVariantUpdate = "variant_update"
	MessageResync        = "resync"
)

// ServerMessage is the envelope for everything written to a client.
type ServerMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Data      any    `json:"data"`
}

// InitialData is the first message on every connection: the point-in-time
// state the live stream continues from.
type InitialData struct {
	PersonaID   string                       `json:"persona_id"`
	Snapshots   []domain.PerformanceSnapshot `json:"snapshots"`
	Suggestions []domain.DashboardEvent      `json:"recent_suggestions,omitempty"`
}

// ClientMessage is anything a client sends upstream. Only resync carries a
// meaningful body.
type ClientMessage struct {
	Type          string `json:"type"`
	SinceSequence int64  `json:"since_sequence,omitempty"`
}

// VariantUpdate flattens an event into the client wire shape.
func VariantUpdate(ev domain.DashboardEvent) ServerMessage {
	data := map[string]any{
		"event_type":      ev.EventType,
		"variant_id":      ev.VariantID,
		"persona_id":      ev.PersonaID,
		"sequence_number": ev.Sequence,
	}
	for k, v := range ev.Payload {
		data[k] = v
	}
	return ServerMessage{
		Type:      MessageVariantUpdate,
		Timestamp: ev.OccurredAt.UnixMilli(),
		Data:      data,
	}
}
