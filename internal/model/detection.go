package model

// CutCandidate is one drop reported by the detector, before it is persisted.
type CutCandidate struct {
	StartTime  float64  `json:"start_time"`
	EndTime    *float64 `json:"end_time,omitempty"`
	Confidence float64  `json:"confidence"`
	Type       string   `json:"type,omitempty"`
}

// DetectionResult is the all-or-nothing output of a detect job.
type DetectionResult struct {
	DurationSeconds float64        `json:"duration_seconds"`
	Cuts            []CutCandidate `json:"cuts"`
}
