package engine

import (
	"fmt"
	"log/slog"

	"github.com/opencare-jp/kasan/internal/domain"
)

// diagnostics collects non-fatal data-quality issues found while
// evaluating a single visit. Issues never abort evaluation; the affected
// condition fails closed so a degraded record still produces a best-effort
// billing result.
type diagnostics struct {
	issues []domain.DataQualityIssue
}

func (d *diagnostics) report(code, field, reason string) {
	d.issues = append(d.issues, domain.DataQualityIssue{Code: code, Field: field, Reason: reason})
	slog.Warn("data quality issue during evaluation",
		"bonus_code", code,
		"field", field,
		"reason", reason,
	)
}

// evalConditions reports whether every condition of a rule holds against
// the facts. An empty condition list is always satisfied. Evaluation
// short-circuits on the first false condition.
func evalConditions(code string, conds []domain.Condition, f domain.Facts, diag *diagnostics) bool {
	for i := range conds {
		if !evalCondition(code, &conds[i], f, diag) {
			return false
		}
	}
	return true
}

func evalCondition(code string, c *domain.Condition, f domain.Facts, diag *diagnostics) bool {
	field := c.Field
	if field == "" {
		field = c.Pattern
	}

	switch c.Operator {
	case "":
		// Pattern-only condition: "this flag is set".
		return f.Bool(field)

	case domain.OpEquals:
		return equalValues(f[field], c.Value)

	case domain.OpIn:
		list, ok := c.Value.([]any)
		if !ok {
			diag.report(code, field, "in condition value is not a list")
			return false
		}
		for _, candidate := range list {
			if equalValues(f[field], candidate) {
				return true
			}
		}
		return false

	case domain.OpGTE, domain.OpLTE, domain.OpGT, domain.OpLT:
		lhs, ok := f.Number(field)
		if !ok {
			diag.report(code, field, "context value is missing or non-numeric")
			return false
		}
		rhs, ok := asNumber(c.Value)
		if !ok {
			diag.report(code, field, "condition value is non-numeric")
			return false
		}
		switch c.Operator {
		case domain.OpGTE:
			return lhs >= rhs
		case domain.OpLTE:
			return lhs <= rhs
		case domain.OpGT:
			return lhs > rhs
		default:
			return lhs < rhs
		}

	case domain.OpMet, domain.OpNotMet:
		// Predicates are computed upstream of rule evaluation and placed
		// in the context under the reserved pred. namespace.
		v, ok := f[domain.PredicatePrefix+c.Pattern].(bool)
		if !ok {
			diag.report(code, c.Pattern, "predicate was not supplied")
			return false
		}
		if c.Operator == domain.OpMet {
			return v
		}
		return !v

	default:
		diag.report(code, field, fmt.Sprintf("unrecognized operator %q", c.Operator))
		return false
	}
}

// equalValues compares a fact value with a condition value. Numbers are
// compared numerically regardless of concrete type (JSON decodes to
// float64, the extractor produces ints).
func equalValues(fact, want any) bool {
	if fn, ok := asNumber(fact); ok {
		wn, ok := asNumber(want)
		return ok && fn == wn
	}
	switch fv := fact.(type) {
	case bool:
		wv, ok := want.(bool)
		return ok && fv == wv
	case string:
		wv, ok := want.(string)
		return ok && fv == wv
	default:
		return false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
