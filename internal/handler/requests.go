package handler

// Request/response shapes for the inbound submission and query surface.

type PerformanceRequest struct {
	VariantID        string `json:"variant_id"`
	PersonaID        string `json:"persona_id,omitempty"`
	ContentHash      string `json:"content_hash,omitempty"`
	UpstreamEventID  string `json:"upstream_event_id,omitempty"`
	ImpressionsDelta int64  `json:"impressions_delta"`
	SuccessesDelta   int64  `json:"successes_delta"`
}

type KillRequest struct {
	VariantID       string `json:"variant_id"`
	Reason          string `json:"reason"`
	UpstreamEventID string `json:"upstream_event_id,omitempty"`
}

type FatigueRequest struct {
	VariantID       string `json:"variant_id"`
	UpstreamEventID string `json:"upstream_event_id,omitempty"`
}

type SuggestionRequest struct {
	PersonaID       string `json:"persona_id"`
	VariantID       string `json:"variant_id,omitempty"`
	SuggestionText  string `json:"suggestion_text"`
	UpstreamEventID string `json:"upstream_event_id,omitempty"`
}

type RegisterVariantRequest struct {
	VariantID   string `json:"variant_id"`
	PersonaID   string `json:"persona_id"`
	ContentHash string `json:"content_hash,omitempty"`
}

type SubmitResponse struct {
	Success        bool   `json:"success"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	Error          string `json:"error,omitempty"`
}
