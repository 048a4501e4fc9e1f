package domain

import "time"

// InsuranceType distinguishes the two Japanese billing regimes.
type InsuranceType string

const (
	InsuranceMedical InsuranceType = "medical" // 医療保険
	InsuranceCare    InsuranceType = "care"    // 介護保険
)

// PointsType selects how a rule's point value is computed.
type PointsType string

const (
	PointsFixed       PointsType = "fixed"
	PointsConditional PointsType = "conditional"
)

// ConditionalPattern names a point-computation strategy for conditional rules.
type ConditionalPattern string

const (
	PatternMonthly14DayThreshold ConditionalPattern = "monthly_14day_threshold"
	PatternTimeBased             ConditionalPattern = "time_based"
	PatternDurationBased         ConditionalPattern = "duration_based"
	PatternAgeBased              ConditionalPattern = "age_based"
	PatternBuildingOccupancy     ConditionalPattern = "building_occupancy"
	PatternVisitCount            ConditionalPattern = "visit_count"
)

// ConditionOperator is the comparison applied by a single condition.
type ConditionOperator string

const (
	OpEquals ConditionOperator = "equals"
	OpIn     ConditionOperator = "in"
	OpGTE    ConditionOperator = "gte"
	OpLTE    ConditionOperator = "lte"
	OpGT     ConditionOperator = "gt"
	OpLT     ConditionOperator = "lt"
	OpMet    ConditionOperator = "met"
	OpNotMet ConditionOperator = "not_met"
)

// Condition is one clause of a rule's condition list. All conditions of a
// rule are ANDed; an empty operator means "the flag named by Field (or
// Pattern) is true".
type Condition struct {
	Pattern     string            `json:"pattern"`
	Field       string            `json:"field,omitempty"`
	Operator    ConditionOperator `json:"operator,omitempty"`
	Value       any               `json:"value,omitempty"`
	Description string            `json:"description,omitempty"`
}

// BonusRule is one version of one addition (加算) code. Rows are authored by
// administrators and immutable once a past evaluation references them; a
// change is a new version with its own validity window.
type BonusRule struct {
	Code     string        `json:"code"`
	TenantID string        `json:"tenantId,omitempty"`
	Name     string        `json:"name"`
	Category string        `json:"category,omitempty"`
	Insured  InsuranceType `json:"insuranceType"`

	Version   string     `json:"version"`
	ValidFrom time.Time  `json:"validFrom"`
	ValidTo   *time.Time `json:"validTo,omitempty"` // nil = open-ended

	PointsType         PointsType         `json:"pointsType"`
	FixedPoints        int                `json:"fixedPoints,omitempty"`
	ConditionalPattern ConditionalPattern `json:"conditionalPattern,omitempty"`
	PointsConfig       map[string]any     `json:"pointsConfig,omitempty"`

	Conditions []Condition `json:"conditions"`

	// Combination constraints reference other bonus codes, not versions.
	CanCombineWith    []string `json:"canCombineWith,omitempty"`
	CannotCombineWith []string `json:"cannotCombineWith,omitempty"`

	DisplayOrder int  `json:"displayOrder"` // lower = higher priority
	IsActive     bool `json:"isActive"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CoversDate reports whether the rule's [ValidFrom, ValidTo) window contains d.
func (r *BonusRule) CoversDate(d time.Time) bool {
	if d.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || d.Before(*r.ValidTo)
}
