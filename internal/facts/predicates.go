package facts

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opencare-jp/kasan/internal/domain"
)

// PredicateSet holds the compiled facility predicates referenced by
// met/not_met conditions. Expressions are CEL over the fact map and must
// produce a boolean. Compilation happens once per facility configuration;
// a compile failure is a configuration defect surfaced to the caller.
type PredicateSet struct {
	programs map[string]cel.Program
}

// NewPredicateSet compiles named CEL predicate expressions.
func NewPredicateSet(exprs map[string]string) (*PredicateSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ps := &PredicateSet{programs: make(map[string]cel.Program, len(exprs))}
	for name, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile predicate %s: %w", name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("predicate %s: expression must return bool, got %s", name, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for predicate %s: %w", name, err)
		}
		ps.programs[name] = program
	}
	return ps, nil
}

// Apply evaluates every predicate against the facts and stores the results
// under the reserved pred. prefix, mutating f in place. A predicate that
// fails at runtime evaluates false (fail-closed) and is reported as a
// data-quality issue rather than aborting the visit's evaluation.
func (ps *PredicateSet) Apply(f domain.Facts) []domain.DataQualityIssue {
	if ps == nil || len(ps.programs) == 0 {
		return nil
	}

	activation := map[string]any{"facts": map[string]any(f)}

	var issues []domain.DataQualityIssue
	for name, program := range ps.programs {
		key := domain.PredicatePrefix + name

		out, _, err := program.Eval(activation)
		if err != nil {
			f[key] = false
			issues = append(issues, domain.DataQualityIssue{
				Field:  name,
				Reason: fmt.Sprintf("predicate %s evaluation failed: %v", name, err),
			})
			continue
		}

		if b, ok := out.(types.Bool); ok {
			f[key] = bool(b)
		} else {
			f[key] = false
			issues = append(issues, domain.DataQualityIssue{
				Field:  name,
				Reason: fmt.Sprintf("predicate %s returned non-boolean value", name),
			})
		}
	}
	return issues
}
