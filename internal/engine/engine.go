// Package engine implements the addition-point evaluation engine: given a
// completed visit and a compiled catalog of versioned bonus rules, it
// decides which additions apply, computes their point values, resolves
// combination constraints and produces the billable total.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/facts"
)

const engineVersion = "kasan-1.0"

// OrdinalGetter returns which billable visit of the calendar month this is
// for the patient (1-based). Supplied by the visits service; nil disables
// ordinal lookup (the fact may still arrive precomputed).
type OrdinalGetter func(ctx context.Context, tenantID, patientID string, visitTime time.Time) (int64, error)

// Engine evaluates visits against a hot-reloadable compiled catalog.
// Evaluation itself is a pure function of its inputs; the only mutable
// state is the catalog pointer, swapped atomically on reload.
type Engine struct {
	mu            sync.RWMutex
	catalog       *Catalog
	ordinalGetter OrdinalGetter
	maxWorkers    int
}

// NewEngine creates an engine. maxWorkers bounds batch concurrency.
func NewEngine(getter OrdinalGetter, maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Engine{
		ordinalGetter: getter,
		maxWorkers:    maxWorkers,
	}
}

// LoadCatalog compiles and installs a rule catalog.
func (e *Engine) LoadCatalog(rules []*domain.BonusRule) error {
	catalog, err := NewCatalog(rules)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.catalog = catalog
	e.mu.Unlock()
	return nil
}

// ReloadCatalog replaces the loaded catalog. This enables hot-reloading of
// rules from the database.
func (e *Engine) ReloadCatalog(rules []*domain.BonusRule) error {
	return e.LoadCatalog(rules)
}

// ValidateRules compiles a candidate catalog without installing it.
func (e *Engine) ValidateRules(rules []*domain.BonusRule) error {
	_, err := NewCatalog(rules)
	return err
}

// GetLoadedRules returns the active rule versions currently loaded.
func (e *Engine) GetLoadedRules() []*domain.BonusRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.catalog == nil {
		return nil
	}
	return e.catalog.Rules()
}

// CatalogSize returns the number of loaded rule versions.
func (e *Engine) CatalogSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.catalog == nil {
		return 0
	}
	return e.catalog.Size()
}

// Close releases the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.catalog = nil
	return nil
}

// EvaluateInput holds one visit and its related snapshots.
type EvaluateInput struct {
	TenantID string
	TraceID  string

	Visit    *domain.VisitRecord
	Patient  *domain.Patient
	Schedule *domain.Schedule
	Facility *domain.FacilityConfig

	// Facts, when non-nil, bypasses extraction (admin condition preview).
	Facts domain.Facts
}

// Evaluate runs the full pipeline for one visit: extract facts once,
// select the applicable version of every catalog code for the visit date,
// evaluate conditions, compute points for the satisfied set, resolve
// combinations and sum the total. Identical inputs always produce an
// identical result. A *ConfigError aborts the evaluation: the engine never
// converts a broken catalog into a number.
func (e *Engine) Evaluate(ctx context.Context, input *EvaluateInput) (*domain.Evaluation, error) {
	start := time.Now()

	if input == nil || input.Visit == nil {
		return nil, fmt.Errorf("visit is required")
	}

	e.mu.RLock()
	catalog := e.catalog
	e.mu.RUnlock()

	diag := &diagnostics{}

	f, extractMs, err := e.buildFacts(ctx, input, diag)
	if err != nil {
		return nil, err
	}

	rulesStart := time.Now()
	visit := input.Visit

	var satisfied []satisfiedRule
	codesEvaluated := 0

	if catalog != nil {
		for _, code := range catalog.Codes() {
			cr, cfgErr := catalog.SelectVersion(code, visit.StartTime)
			if cfgErr != nil {
				return nil, cfgErr
			}
			if cr.Rule.Insured != "" && visit.Insured != "" && cr.Rule.Insured != visit.Insured {
				continue
			}
			codesEvaluated++
			if !evalConditions(code, cr.Rule.Conditions, f, diag) {
				continue
			}
			pts, cfgErr := cr.points.points(f, diag)
			if cfgErr != nil {
				return nil, cfgErr
			}
			satisfied = append(satisfied, satisfiedRule{cr: cr, points: pts})
		}
	}

	kept, suppressed := resolveCombinations(catalog, satisfied)

	applied := make([]domain.AppliedBonus, 0, len(kept))
	total := 0
	for _, s := range kept {
		applied = append(applied, domain.AppliedBonus{
			Code:    s.cr.Rule.Code,
			Version: s.cr.Rule.Version,
			Name:    s.cr.Rule.Name,
			Points:  s.points,
		})
		total += s.points
	}

	return &domain.Evaluation{
		ID:          uuid.New().String(),
		TenantID:    input.TenantID,
		VisitID:     visit.ID,
		Applied:     applied,
		Suppressed:  suppressed,
		TotalPoints: total,
		Diagnostics: diag.issues,
		Timestamp:   time.Now().UTC(),
		Metadata: domain.EvaluationMetadata{
			TraceID:        input.TraceID,
			ExtractMs:      extractMs,
			RulesMs:        time.Since(rulesStart).Milliseconds(),
			TotalMs:        time.Since(start).Milliseconds(),
			CodesEvaluated: codesEvaluated,
			RulesSatisfied: len(satisfied),
			EngineVersion:  engineVersion,
		},
	}, nil
}

// buildFacts extracts the evaluation context, applies facility predicates
// and fills the monthly visit ordinal through the getter when absent.
func (e *Engine) buildFacts(ctx context.Context, input *EvaluateInput, diag *diagnostics) (domain.Facts, int64, error) {
	start := time.Now()

	var f domain.Facts
	if input.Facts != nil {
		f = input.Facts.Clone()
	} else {
		f = facts.Extract(input.Visit, input.Patient, input.Schedule, input.Facility)
	}

	if input.Facility != nil && len(input.Facility.Predicates) > 0 {
		ps, err := facts.NewPredicateSet(input.Facility.Predicates)
		if err != nil {
			return nil, 0, configErrorf(ConfigBadPredicate, "", "%v", err)
		}
		for _, issue := range ps.Apply(f) {
			diag.issues = append(diag.issues, issue)
		}
	}

	if _, present := f[domain.FactVisitOrdinalInMonth]; !present && e.ordinalGetter != nil {
		n, err := e.ordinalGetter(ctx, input.TenantID, input.Visit.PatientID, input.Visit.StartTime)
		if err != nil {
			diag.report("", domain.FactVisitOrdinalInMonth, "visit ordinal lookup failed: "+err.Error())
		} else {
			f[domain.FactVisitOrdinalInMonth] = n
		}
	}

	return f, time.Since(start).Milliseconds(), nil
}

// BatchResult pairs one batch entry's evaluation with its error.
type BatchResult struct {
	Evaluation *domain.Evaluation
	Err        error
}

// EvaluateBatch evaluates many visits concurrently. Each visit is
// independent (the catalog is read-only during the batch), so results are
// computed in parallel behind a semaphore and returned in input order.
func (e *Engine) EvaluateBatch(ctx context.Context, inputs []*EvaluateInput) []BatchResult {
	results := make([]BatchResult, len(inputs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, input := range inputs {
		wg.Add(1)
		go func(idx int, in *EvaluateInput) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			eval, err := e.Evaluate(ctx, in)
			results[idx] = BatchResult{Evaluation: eval, Err: err}
		}(i, input)
	}

	wg.Wait()
	return results
}
