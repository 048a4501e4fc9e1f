package domain

import (
	"time"
)

// VisitRecord is a completed home-visit nursing record, snapshot at
// evaluation time.
type VisitRecord struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	PatientID  string `json:"patientId"`
	ScheduleID string `json:"scheduleId,omitempty"`
	NurseID    string `json:"nurseId,omitempty"`

	StartTime       time.Time `json:"startTime"`
	DurationMinutes int       `json:"durationMinutes"`

	Insured InsuranceType `json:"insuranceType"`

	// Visit-level flags recorded by the nurse.
	IsSecondVisit  bool `json:"isSecondVisit"`
	IsEmergency    bool `json:"isEmergency"`
	IsTerminalCare bool `json:"isTerminalCare"`
	MultipleNurses bool `json:"multipleNurses"`

	CreatedAt time.Time `json:"createdAt"`

	// Optional free-form data carried through to extraction.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Patient is the subset of the patient record the engine reads.
type Patient struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenantId,omitempty"`
	Name      string        `json:"name,omitempty"`
	BirthDate time.Time     `json:"birthDate"`
	Insured   InsuranceType `json:"insuranceType,omitempty"`

	// Number of residents of the patient's building receiving visits from
	// the same station, used by occupancy-tiered additions.
	BuildingOccupancy int `json:"buildingOccupancy,omitempty"`
}

// Schedule is the planned slot the visit was booked against.
type Schedule struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId,omitempty"`
	PatientID     string    `json:"patientId,omitempty"`
	PlannedStart  time.Time `json:"plannedStart"`
	SequenceInDay int       `json:"sequenceInDay,omitempty"` // 1 = first visit of the day
}

// FacilityConfig holds station-level flags and the named predicates
// referenced by met/not_met conditions. Predicate expressions are CEL over
// the fact map, compiled at catalog load.
type FacilityConfig struct {
	TenantID string `json:"tenantId,omitempty"`

	Has24hSupportSystem        bool `json:"has24hSupportSystem"`
	HasSpecialManagementSystem bool `json:"hasSpecialManagementSystem"`

	// Predicates maps predicate name -> CEL expression.
	Predicates map[string]string `json:"predicates,omitempty"`
}

// Age returns the patient's age in whole years at the given date.
func (p *Patient) Age(at time.Time) int {
	if p == nil || p.BirthDate.IsZero() {
		return 0
	}
	years := at.Year() - p.BirthDate.Year()
	anniversary := p.BirthDate.AddDate(years, 0, 0)
	if at.Before(anniversary) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
