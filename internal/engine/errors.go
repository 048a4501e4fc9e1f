package engine

import (
	"errors"
	"fmt"
)

// ConfigKind classifies catalog configuration defects.
type ConfigKind string

const (
	ConfigUnknownPattern      ConfigKind = "unknown_pattern"
	ConfigMissingPointsKey    ConfigKind = "missing_points_key"
	ConfigInvalidPoints       ConfigKind = "invalid_points"
	ConfigUnknownField        ConfigKind = "unknown_field"
	ConfigOverlappingVersions ConfigKind = "overlapping_versions"
	ConfigNoVersionForDate    ConfigKind = "no_version_for_date"
	ConfigCombinationConflict ConfigKind = "combination_lists_conflict"
	ConfigBadPredicate        ConfigKind = "bad_predicate"
)

// ConfigError marks a broken rule definition. It is always fatal for the
// evaluation that hits it: the engine refuses to produce a point total from
// a catalog it cannot trust, since a wrong total is a billing defect.
// Callers distinguish it from transient errors to show "fix the catalog"
// rather than retrying.
type ConfigError struct {
	Kind   ConfigKind
	Code   string // bonus code, when attributable
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("catalog config error (%s) for code %s: %s", e.Kind, e.Code, e.Detail)
	}
	return fmt.Sprintf("catalog config error (%s): %s", e.Kind, e.Detail)
}

// AsConfigError unwraps err into a *ConfigError if it is one.
func AsConfigError(err error) (*ConfigError, bool) {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func configErrorf(kind ConfigKind, code, format string, args ...any) *ConfigError {
	return &ConfigError{Kind: kind, Code: code, Detail: fmt.Sprintf(format, args...)}
}
