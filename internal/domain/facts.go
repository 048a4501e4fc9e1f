package domain

import "strings"

// Fact keys form a closed enum shared by the fact extractor and the
// condition evaluator. A rule referencing a key outside this set is
// rejected at catalog load so a typo can never evaluate as "always false".
const (
	FactIsSecondVisit        = "isSecondVisit"
	FactIsFirstVisitOfDay    = "isFirstVisitOfDay"
	FactIsEmergencyVisit     = "isEmergencyVisit"
	FactIsTerminalCare       = "isTerminalCare"
	FactHasMultipleNurses    = "hasMultipleNurses"
	FactVisitDuration        = "visitDuration"     // minutes
	FactVisitStartMinute     = "visitStartMinute"  // minutes since midnight
	FactVisitOrdinalInMonth  = "visitOrdinalInMonth"
	FactVisitCountInDay      = "visitCountInDay"
	FactPatientAge           = "patientAge" // whole years at visit date
	FactBuildingOccupancy    = "buildingOccupancy"
	FactHas24hSupport        = "has24hSupportSystem"
	FactHasSpecialManagement = "hasSpecialManagementSystem"
	FactInsuranceType        = "insuranceType"
)

// PredicatePrefix namespaces externally computed boolean predicates inside
// the fact map. met/not_met conditions resolve against these keys.
const PredicatePrefix = "pred."

var knownFactKeys = map[string]bool{
	FactIsSecondVisit:        true,
	FactIsFirstVisitOfDay:    true,
	FactIsEmergencyVisit:     true,
	FactIsTerminalCare:       true,
	FactHasMultipleNurses:    true,
	FactVisitDuration:        true,
	FactVisitStartMinute:     true,
	FactVisitOrdinalInMonth:  true,
	FactVisitCountInDay:      true,
	FactPatientAge:           true,
	FactBuildingOccupancy:    true,
	FactHas24hSupport:        true,
	FactHasSpecialManagement: true,
	FactInsuranceType:        true,
}

// KnownFactKey reports whether key is part of the closed fact enum or a
// namespaced predicate.
func KnownFactKey(key string) bool {
	return knownFactKeys[key] || strings.HasPrefix(key, PredicatePrefix)
}

// Facts is the immutable evaluation context built once per visit. Values
// are primitives only (bool, int64, float64, string).
type Facts map[string]any

// Bool returns the boolean fact for key, false when absent or mistyped.
func (f Facts) Bool(key string) bool {
	v, ok := f[key].(bool)
	return ok && v
}

// Number returns the numeric fact for key and whether it was present and
// numeric. Integers and floats both qualify.
func (f Facts) Number(key string) (float64, bool) {
	switch v := f[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// String returns the string fact for key, empty when absent.
func (f Facts) String(key string) string {
	v, _ := f[key].(string)
	return v
}

// Clone returns a shallow copy; evaluation never mutates the original.
func (f Facts) Clone() Facts {
	out := make(Facts, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
