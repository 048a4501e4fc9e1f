package engine

import (
	"sort"

	"github.com/opencare-jp/kasan/internal/domain"
)

// satisfiedRule is a rule version whose conditions held, with its computed
// point value.
type satisfiedRule struct {
	cr     *compiledRule
	points int
}

// resolveCombinations removes mutually exclusive rules from the satisfied
// set. Rules are considered in priority order (lower displayOrder first,
// lexicographic code as tie-break) and kept when they conflict with no
// already-kept rule. The policy is deterministic: it directly affects
// billed amounts. Rules with no declared relationship to any other
// satisfied rule are never removed.
func resolveCombinations(catalog *Catalog, satisfied []satisfiedRule) (kept []satisfiedRule, suppressed []domain.SuppressedBonus) {
	ordered := make([]satisfiedRule, len(satisfied))
	copy(ordered, satisfied)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].cr.Rule, ordered[j].cr.Rule
		if a.DisplayOrder != b.DisplayOrder {
			return a.DisplayOrder < b.DisplayOrder
		}
		return a.Code < b.Code
	})

	for _, cand := range ordered {
		conflictWith := ""
		for _, held := range kept {
			if catalog.ConflictsWith(cand.cr.Rule.Code, held.cr.Rule.Code) {
				conflictWith = held.cr.Rule.Code
				break
			}
		}
		if conflictWith == "" {
			kept = append(kept, cand)
			continue
		}
		suppressed = append(suppressed, domain.SuppressedBonus{
			Code:         cand.cr.Rule.Code,
			Version:      cand.cr.Rule.Version,
			Points:       cand.points,
			ConflictWith: conflictWith,
		})
	}

	return kept, suppressed
}
