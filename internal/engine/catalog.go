package engine

import (
	"sort"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
)

// compiledRule pairs a rule version with its compiled points program.
type compiledRule struct {
	Rule   *domain.BonusRule
	points pointsProgram
}

// Catalog is the compiled, immutable form of a set of bonus-rule versions.
// Construction performs all load-time validation (spec'd pointsConfig
// shapes, known condition fields, non-overlapping validity windows,
// consistent combination lists) and builds the per-code version index and
// the conflict graph, so evaluation does lookups instead of scans and a
// broken rule definition is rejected before any visit is billed against it.
type Catalog struct {
	codes     []string                   // sorted distinct active codes
	versions  map[string][]*compiledRule // per code, sorted by ValidFrom
	conflicts map[string]map[string]bool // symmetric, allow-list applied
	rules     []*domain.BonusRule        // the loaded active rules
}

// NewCatalog compiles and validates a rule catalog. Inactive rules are
// excluded entirely. Any violation returns a *ConfigError.
func NewCatalog(rules []*domain.BonusRule) (*Catalog, error) {
	c := &Catalog{
		versions:  make(map[string][]*compiledRule),
		conflicts: make(map[string]map[string]bool),
	}

	cannotByCode := make(map[string]map[string]bool)
	canByCode := make(map[string]map[string]bool)

	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		if err := validateCombinationLists(r); err != nil {
			return nil, err
		}
		if err := validateConditionFields(r); err != nil {
			return nil, err
		}

		prog, cfgErr := compilePoints(r)
		if cfgErr != nil {
			return nil, cfgErr
		}

		c.versions[r.Code] = append(c.versions[r.Code], &compiledRule{Rule: r, points: prog})
		c.rules = append(c.rules, r)

		mergeCodes(cannotByCode, r.Code, r.CannotCombineWith)
		mergeCodes(canByCode, r.Code, r.CanCombineWith)
	}

	for code, list := range c.versions {
		sort.Slice(list, func(i, j int) bool {
			return list[i].Rule.ValidFrom.Before(list[j].Rule.ValidFrom)
		})
		if err := checkWindowOverlap(code, list); err != nil {
			return nil, err
		}
		c.codes = append(c.codes, code)
	}
	sort.Strings(c.codes)

	c.buildConflictGraph(cannotByCode, canByCode)

	return c, nil
}

// validateCombinationLists rejects a rule naming the same code as both
// combinable and non-combinable.
func validateCombinationLists(r *domain.BonusRule) *ConfigError {
	cannot := make(map[string]bool, len(r.CannotCombineWith))
	for _, code := range r.CannotCombineWith {
		cannot[code] = true
	}
	for _, code := range r.CanCombineWith {
		if cannot[code] {
			return configErrorf(ConfigCombinationConflict, r.Code,
				"code %s appears in both canCombineWith and cannotCombineWith", code)
		}
	}
	return nil
}

// validateConditionFields checks every referenced fact key against the
// closed enum so a typo in a rule is a load-time error, not a silently
// always-false condition.
func validateConditionFields(r *domain.BonusRule) *ConfigError {
	for _, cond := range r.Conditions {
		switch cond.Operator {
		case domain.OpMet, domain.OpNotMet:
			continue // resolved under the pred. namespace
		}
		key := cond.Field
		if key == "" {
			key = cond.Pattern
		}
		if !domain.KnownFactKey(key) {
			return configErrorf(ConfigUnknownField, r.Code, "condition references unknown fact %q", key)
		}
	}
	return nil
}

// checkWindowOverlap verifies the validity windows of a code's versions
// never overlap. The list is sorted by ValidFrom.
func checkWindowOverlap(code string, list []*compiledRule) *ConfigError {
	for i := 1; i < len(list); i++ {
		prev, cur := list[i-1].Rule, list[i].Rule
		if prev.ValidTo == nil || cur.ValidFrom.Before(*prev.ValidTo) {
			return configErrorf(ConfigOverlappingVersions, code,
				"version %s overlaps version %s", cur.Version, prev.Version)
		}
	}
	return nil
}

func mergeCodes(dst map[string]map[string]bool, code string, others []string) {
	if len(others) == 0 {
		return
	}
	set := dst[code]
	if set == nil {
		set = make(map[string]bool)
		dst[code] = set
	}
	for _, other := range others {
		set[other] = true
	}
}

// buildConflictGraph materializes the combination constraints as a
// symmetric adjacency by code. A one-directional cannotCombineWith still
// conflicts both ways; canCombineWith neutralizes a conflict only when
// both codes declare each other combinable (fail-closed otherwise).
func (c *Catalog) buildConflictGraph(cannot, can map[string]map[string]bool) {
	addEdge := func(a, b string) {
		if can[a][b] && can[b][a] {
			return
		}
		if c.conflicts[a] == nil {
			c.conflicts[a] = make(map[string]bool)
		}
		if c.conflicts[b] == nil {
			c.conflicts[b] = make(map[string]bool)
		}
		c.conflicts[a][b] = true
		c.conflicts[b][a] = true
	}

	for a, set := range cannot {
		for b := range set {
			addEdge(a, b)
		}
	}
}

// Codes returns the distinct active bonus codes in deterministic order.
func (c *Catalog) Codes() []string {
	return c.codes
}

// Rules returns the active rule versions the catalog was built from.
func (c *Catalog) Rules() []*domain.BonusRule {
	return c.rules
}

// Size returns the number of active rule versions.
func (c *Catalog) Size() int {
	return len(c.rules)
}

// ConflictsWith reports whether two codes may not be billed together.
func (c *Catalog) ConflictsWith(a, b string) bool {
	return c.conflicts[a][b]
}

// SelectVersion picks the single version of code whose validity window
// contains visitDate. Zero matches is a data-integrity violation: the
// selector surfaces it rather than guessing which price was intended.
func (c *Catalog) SelectVersion(code string, visitDate time.Time) (*compiledRule, *ConfigError) {
	var match *compiledRule
	for _, cr := range c.versions[code] {
		if !cr.Rule.CoversDate(visitDate) {
			continue
		}
		if match != nil {
			return nil, configErrorf(ConfigOverlappingVersions, code,
				"multiple versions cover %s", visitDate.Format("2006-01-02"))
		}
		match = cr
	}
	if match == nil {
		return nil, configErrorf(ConfigNoVersionForDate, code,
			"no active version covers %s", visitDate.Format("2006-01-02"))
	}
	return match, nil
}
