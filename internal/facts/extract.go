// Package facts builds the immutable evaluation context for a visit. It
// isolates the rule engine from the shape of upstream records: extraction
// is a pure function that never fails, mapping absent data to documented
// defaults (numbers to 0, flags to false, strings to empty).
package facts

import (
	"github.com/opencare-jp/kasan/internal/domain"
)

// Extract builds the fact map from a visit record and its related patient,
// schedule and facility-configuration snapshots. Any argument may be nil.
func Extract(visit *domain.VisitRecord, patient *domain.Patient, schedule *domain.Schedule, facility *domain.FacilityConfig) domain.Facts {
	f := domain.Facts{
		domain.FactIsSecondVisit:        false,
		domain.FactIsFirstVisitOfDay:    false,
		domain.FactIsEmergencyVisit:     false,
		domain.FactIsTerminalCare:       false,
		domain.FactHasMultipleNurses:    false,
		domain.FactVisitDuration:        0,
		domain.FactVisitStartMinute:     0,
		domain.FactVisitCountInDay:      0,
		domain.FactPatientAge:           0,
		domain.FactBuildingOccupancy:    0,
		domain.FactHas24hSupport:        false,
		domain.FactHasSpecialManagement: false,
		domain.FactInsuranceType:        "",
	}

	if visit != nil {
		f[domain.FactIsSecondVisit] = visit.IsSecondVisit
		f[domain.FactIsEmergencyVisit] = visit.IsEmergency
		f[domain.FactIsTerminalCare] = visit.IsTerminalCare
		f[domain.FactHasMultipleNurses] = visit.MultipleNurses
		f[domain.FactVisitDuration] = visit.DurationMinutes
		f[domain.FactInsuranceType] = string(visit.Insured)
		if !visit.StartTime.IsZero() {
			f[domain.FactVisitStartMinute] = visit.StartTime.Hour()*60 + visit.StartTime.Minute()
		}
		if patient != nil {
			f[domain.FactPatientAge] = patient.Age(visit.StartTime)
		}
	}

	if patient != nil {
		f[domain.FactBuildingOccupancy] = patient.BuildingOccupancy
	}

	if schedule != nil {
		f[domain.FactIsFirstVisitOfDay] = schedule.SequenceInDay == 1
		if schedule.SequenceInDay > 0 {
			f[domain.FactVisitCountInDay] = schedule.SequenceInDay
		}
	}

	if facility != nil {
		f[domain.FactHas24hSupport] = facility.Has24hSupportSystem
		f[domain.FactHasSpecialManagement] = facility.HasSpecialManagementSystem
	}

	return f
}
