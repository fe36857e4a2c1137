package domain

import (
	"time"
)

// Estimate is a persisted scoring result for a trip.
type Estimate struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Trip      Trip      `json:"trip"`
	Amount    float64   `json:"amount"` // unrounded engine output
	Regime    Regime    `json:"regime"`
	Path      Path      `json:"path"`
	Timestamp time.Time `json:"timestamp"`

	// Model results (ensemble path only)
	Contributions []ModelContribution `json:"contributions,omitempty"`

	// Adjustments names the post-hoc caps and floors that changed the amount.
	Adjustments []string `json:"adjustments,omitempty"`

	// Processing metadata
	Metadata EstimateMetadata `json:"metadata"`
}

// EstimateMetadata contains processing information.
type EstimateMetadata struct {
	TraceID          string `json:"traceId"`
	PolicyVersion    string `json:"policyVersion"`
	ModelFingerprint string `json:"modelFingerprint,omitempty"`
	ScoreMicros      int64  `json:"scoreMicros"`
	TotalMs          int64  `json:"totalMs"`
	EngineVersion    string `json:"engineVersion"`
	Cached           bool   `json:"cached,omitempty"`
}

// EstimateResponse is the API response for an estimate.
type EstimateResponse struct {
	EstimateID    string              `json:"estimateId"`
	TenantID      string              `json:"tenantId"`
	Trip          Trip                `json:"trip"`
	Amount        string              `json:"amount"` // rounded to cents
	Regime        Regime              `json:"regime"`
	Path          Path                `json:"path"`
	Contributions []ModelContribution `json:"contributions,omitempty"`
	Adjustments   []string            `json:"adjustments,omitempty"`
	Metadata      EstimateMetadata    `json:"metadata"`
}

// ToResponse converts an Estimate to an API response.
// The amount is rounded by the caller, never by the engine.
func (e *Estimate) ToResponse(round func(float64) string) *EstimateResponse {
	return &EstimateResponse{
		EstimateID:    e.ID,
		TenantID:      e.TenantID,
		Trip:          e.Trip,
		Amount:        round(e.Amount),
		Regime:        e.Regime,
		Path:          e.Path,
		Contributions: e.Contributions,
		Adjustments:   e.Adjustments,
		Metadata:      e.Metadata,
	}
}
