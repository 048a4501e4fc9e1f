package engine

import (
	"sort"

	"github.com/opencare-jp/kasan/internal/domain"
)

// Time-of-day buckets for time_based rules, half-open [start, end) in
// minutes since midnight. late_night wraps across midnight.
const (
	bucketDaytime      = "daytime"       // 08:00-18:00
	bucketNight        = "night"         // 18:00-22:00
	bucketLateNight    = "late_night"    // 22:00-06:00
	bucketEarlyMorning = "early_morning" // 06:00-08:00
)

// pointsProgram is a compiled point-computation strategy. One variant per
// conditionalPattern, built from the generic pointsConfig map at catalog
// load so an unknown pattern or malformed config is caught before any
// visit is billed. A program that falls back on a missing fact reports
// the occurrence through diag.
type pointsProgram interface {
	points(f domain.Facts, diag *diagnostics) (int, *ConfigError)
}

// compilePoints validates a rule's points configuration and returns its
// program.
func compilePoints(r *domain.BonusRule) (pointsProgram, *ConfigError) {
	switch r.PointsType {
	case domain.PointsFixed:
		if r.FixedPoints < 0 {
			return nil, configErrorf(ConfigInvalidPoints, r.Code, "fixedPoints must be non-negative, got %d", r.FixedPoints)
		}
		return fixedProgram{n: r.FixedPoints}, nil

	case domain.PointsConditional:
		return compileConditional(r)

	default:
		return nil, configErrorf(ConfigUnknownPattern, r.Code, "unknown pointsType %q", r.PointsType)
	}
}

func compileConditional(r *domain.BonusRule) (pointsProgram, *ConfigError) {
	cfg := r.PointsConfig

	switch r.ConditionalPattern {
	case domain.PatternMonthly14DayThreshold:
		upTo, ok := configInt(cfg, "up_to_14")
		if !ok {
			return nil, missingKey(r.Code, "up_to_14")
		}
		after, ok := configInt(cfg, "after_14")
		if !ok {
			return nil, missingKey(r.Code, "after_14")
		}
		return monthly14Program{code: r.Code, upTo14: upTo, after14: after}, nil

	case domain.PatternTimeBased:
		buckets := make(map[string]int, len(cfg))
		for key := range cfg {
			switch key {
			case bucketDaytime, bucketNight, bucketLateNight, bucketEarlyMorning:
				n, ok := configInt(cfg, key)
				if !ok {
					return nil, configErrorf(ConfigInvalidPoints, r.Code, "time_based bucket %q is not an integer", key)
				}
				buckets[key] = n
			default:
				return nil, configErrorf(ConfigInvalidPoints, r.Code, "time_based config has unknown bucket %q", key)
			}
		}
		if len(buckets) == 0 {
			return nil, missingKey(r.Code, "at least one time bucket")
		}
		return timeBasedProgram{code: r.Code, buckets: buckets}, nil

	case domain.PatternDurationBased:
		n, ok := configInt(cfg, "duration_90")
		if !ok {
			return nil, missingKey(r.Code, "duration_90")
		}
		return durationProgram{duration90: n}, nil

	case domain.PatternAgeBased:
		n, ok := configInt(cfg, "age_0_6")
		if !ok {
			return nil, missingKey(r.Code, "age_0_6")
		}
		return ageProgram{age06: n}, nil

	case domain.PatternBuildingOccupancy:
		return compileTiers(r, domain.FactBuildingOccupancy)

	case domain.PatternVisitCount:
		return compileTiers(r, domain.FactVisitCountInDay)

	default:
		return nil, configErrorf(ConfigUnknownPattern, r.Code, "unknown conditionalPattern %q", r.ConditionalPattern)
	}
}

func missingKey(code, key string) *ConfigError {
	return configErrorf(ConfigMissingPointsKey, code, "pointsConfig is missing %s", key)
}

// configInt reads an integer config value. JSON decoding produces float64,
// so both are accepted; fractional values are rejected.
func configInt(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

type fixedProgram struct {
	n int
}

func (p fixedProgram) points(domain.Facts, *diagnostics) (int, *ConfigError) {
	return p.n, nil
}

type monthly14Program struct {
	code    string
	upTo14  int
	after14 int
}

func (p monthly14Program) points(f domain.Facts, diag *diagnostics) (int, *ConfigError) {
	ordinal, ok := f.Number(domain.FactVisitOrdinalInMonth)
	if !ok {
		// No ordinal supplied and no lookup succeeded. Bill the up-to-14
		// rate, never the late-month rate, and flag the record.
		diag.report(p.code, domain.FactVisitOrdinalInMonth, "visit ordinal unknown, billed at up_to_14 rate")
		return p.upTo14, nil
	}
	if ordinal <= 14 {
		return p.upTo14, nil
	}
	return p.after14, nil
}

type timeBasedProgram struct {
	code    string
	buckets map[string]int
}

func (p timeBasedProgram) points(f domain.Facts, _ *diagnostics) (int, *ConfigError) {
	minute, ok := f.Number(domain.FactVisitStartMinute)
	if !ok {
		minute = 0
	}
	bucket := timeBucket(int(minute))
	n, configured := p.buckets[bucket]
	if !configured {
		// A visit landed in a bucket the rule never configured. Refusing
		// beats silently billing zero for a matched rule.
		return 0, missingKey(p.code, bucket)
	}
	return n, nil
}

// timeBucket classifies minutes-since-midnight into a billing time band.
// Boundaries are half-open: 18:00 exactly is night, 05:59 is late_night.
func timeBucket(minute int) string {
	minute = ((minute % 1440) + 1440) % 1440
	switch {
	case minute >= 480 && minute < 1080:
		return bucketDaytime
	case minute >= 1080 && minute < 1320:
		return bucketNight
	case minute >= 360 && minute < 480:
		return bucketEarlyMorning
	default: // [22:00, 24:00) and [00:00, 06:00)
		return bucketLateNight
	}
}

type durationProgram struct {
	duration90 int
}

func (p durationProgram) points(f domain.Facts, _ *diagnostics) (int, *ConfigError) {
	d, ok := f.Number(domain.FactVisitDuration)
	if ok && d >= 90 {
		return p.duration90, nil
	}
	return 0, nil
}

type ageProgram struct {
	age06 int
}

func (p ageProgram) points(f domain.Facts, _ *diagnostics) (int, *ConfigError) {
	age, ok := f.Number(domain.FactPatientAge)
	if ok && age < 6 {
		return p.age06, nil
	}
	return 0, nil
}

// tier is one row of an ascending threshold table. The last tier is
// open-ended (open = true).
type tier struct {
	upTo   int
	open   bool
	points int
}

type tierProgram struct {
	code    string
	factKey string
	tiers   []tier
}

func (p tierProgram) points(f domain.Facts, _ *diagnostics) (int, *ConfigError) {
	count, ok := f.Number(p.factKey)
	if !ok {
		count = 0
	}
	for _, t := range p.tiers {
		if t.open || int(count) <= t.upTo {
			return t.points, nil
		}
	}
	// Unreachable after compile validation (last tier is open).
	return 0, missingKey(p.code, "tiers")
}

// compileTiers parses pointsConfig.tiers: [{"upTo": 9, "points": 450},
// {"points": 380}] into an ascending table whose last tier is open-ended.
func compileTiers(r *domain.BonusRule, factKey string) (pointsProgram, *ConfigError) {
	raw, ok := r.PointsConfig["tiers"].([]any)
	if !ok || len(raw) == 0 {
		return nil, missingKey(r.Code, "tiers")
	}

	tiers := make([]tier, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, configErrorf(ConfigInvalidPoints, r.Code, "tiers[%d] is not an object", i)
		}
		pts, ok := configInt(m, "points")
		if !ok {
			return nil, configErrorf(ConfigInvalidPoints, r.Code, "tiers[%d] is missing points", i)
		}
		t := tier{points: pts}
		if _, has := m["upTo"]; has {
			upTo, ok := configInt(m, "upTo")
			if !ok {
				return nil, configErrorf(ConfigInvalidPoints, r.Code, "tiers[%d].upTo is not an integer", i)
			}
			t.upTo = upTo
		} else {
			t.open = true
		}
		tiers = append(tiers, t)
	}

	last := len(tiers) - 1
	for i, t := range tiers {
		if t.open && i != last {
			return nil, configErrorf(ConfigInvalidPoints, r.Code, "tiers[%d] is open-ended but not last", i)
		}
	}
	if !tiers[last].open {
		return nil, configErrorf(ConfigInvalidPoints, r.Code, "last tier must be open-ended")
	}
	if !sort.SliceIsSorted(tiers[:last], func(i, j int) bool { return tiers[i].upTo < tiers[j].upTo }) {
		return nil, configErrorf(ConfigInvalidPoints, r.Code, "tiers must be in ascending upTo order")
	}

	return tierProgram{code: r.Code, factKey: factKey, tiers: tiers}, nil
}
