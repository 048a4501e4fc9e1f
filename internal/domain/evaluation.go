package domain

import (
	"time"
)

// AppliedBonus is one addition that survived condition evaluation and
// combination resolution.
type AppliedBonus struct {
	Code    string `json:"code"`
	Version string `json:"version"`
	Name    string `json:"name,omitempty"`
	Points  int    `json:"points"`
}

// SuppressedBonus records a satisfied rule removed by combination
// resolution, kept for billing-staff explainability.
type SuppressedBonus struct {
	Code         string `json:"code"`
	Version      string `json:"version"`
	Points       int    `json:"points"`
	ConflictWith string `json:"conflictWith"` // code of the kept rule
}

// DataQualityIssue is a non-fatal extraction or condition problem. The
// affected condition fails closed and evaluation continues (best-effort
// billing); issues are reported out-of-band for rule/data cleanup.
type DataQualityIssue struct {
	Code   string `json:"code,omitempty"` // bonus code being evaluated
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// Evaluation is the complete result of evaluating one visit against the
// catalog. Produced fresh per call and never mutated afterwards.
type Evaluation struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	VisitID  string `json:"visitId"`

	Applied     []AppliedBonus    `json:"applied"`
	Suppressed  []SuppressedBonus `json:"suppressed,omitempty"`
	TotalPoints int               `json:"totalPoints"`

	Diagnostics []DataQualityIssue `json:"diagnostics,omitempty"`

	Timestamp time.Time          `json:"timestamp"`
	Metadata  EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata carries processing information for tracing and audits.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	ExtractMs      int64  `json:"extractMs"`
	RulesMs        int64  `json:"rulesMs"`
	TotalMs        int64  `json:"totalMs"`
	CodesEvaluated int    `json:"codesEvaluated"`
	RulesSatisfied int    `json:"rulesSatisfied"`
	EngineVersion  string `json:"engineVersion"`
}

// EvaluationResponse is the API shape of an evaluation.
type EvaluationResponse struct {
	EvaluationID string             `json:"evaluationId"`
	VisitID      string             `json:"visitId"`
	TenantID     string             `json:"tenantId"`
	Applied      []AppliedBonus     `json:"applied"`
	TotalPoints  int                `json:"totalPoints"`
	Warnings     []string           `json:"warnings,omitempty"`
	Metadata     EvaluationMetadata `json:"metadata"`
}

// ToResponse converts an Evaluation to its API shape.
func (e *Evaluation) ToResponse() *EvaluationResponse {
	var warnings []string
	for _, d := range e.Diagnostics {
		warnings = append(warnings, d.Reason)
	}
	return &EvaluationResponse{
		EvaluationID: e.ID,
		VisitID:      e.VisitID,
		TenantID:     e.TenantID,
		Applied:      e.Applied,
		TotalPoints:  e.TotalPoints,
		Warnings:     warnings,
		Metadata:     e.Metadata,
	}
}
