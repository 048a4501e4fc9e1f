package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
)

func testVisit(start time.Time, durationMinutes int) *domain.VisitRecord {
	return &domain.VisitRecord{
		ID:              "visit-1",
		TenantID:        "tenant-1",
		PatientID:       "patient-1",
		StartTime:       start,
		DurationMinutes: durationMinutes,
		Insured:         domain.InsuranceMedical,
	}
}

func loadedEngine(t *testing.T, rules []*domain.BonusRule) *Engine {
	t.Helper()
	eng := NewEngine(nil, 4)
	if err := eng.LoadCatalog(rules); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	return eng
}

func TestEvaluateEmptyConditionsAlwaysApplies(t *testing.T) {
	eng := loadedEngine(t, []*domain.BonusRule{fixedRule("base", 100)})

	eval, err := eng.Evaluate(context.Background(), &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), 30),
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(eval.Applied) != 1 || eval.Applied[0].Code != "base" {
		t.Fatalf("expected base applied, got %+v", eval.Applied)
	}
	if eval.TotalPoints != 100 {
		t.Errorf("expected 100 points, got %d", eval.TotalPoints)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	night := conditionalRule("night", domain.PatternTimeBased, map[string]any{
		"night": 50, "late_night": 84,
	})
	eng := loadedEngine(t, []*domain.BonusRule{fixedRule("base", 100), night})

	input := &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2025, 6, 10, 19, 0, 0, 0, time.UTC), 45),
	}

	first, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	second, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("second Evaluate failed: %v", err)
	}

	if !reflect.DeepEqual(first.Applied, second.Applied) {
		t.Errorf("applied sets differ:\n%+v\n%+v", first.Applied, second.Applied)
	}
	if !reflect.DeepEqual(first.Suppressed, second.Suppressed) {
		t.Errorf("suppressed sets differ")
	}
	if first.TotalPoints != second.TotalPoints {
		t.Errorf("totals differ: %d vs %d", first.TotalPoints, second.TotalPoints)
	}
}

func TestEvaluateSkipsOtherInsuranceRegime(t *testing.T) {
	careOnly := fixedRule("care-only", 200)
	careOnly.Insured = domain.InsuranceCare
	eng := loadedEngine(t, []*domain.BonusRule{fixedRule("base", 100), careOnly})

	eval, err := eng.Evaluate(context.Background(), &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), 30),
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(eval.Applied) != 1 || eval.Applied[0].Code != "base" {
		t.Fatalf("care rule should be skipped for a medical visit, got %+v", eval.Applied)
	}
	// Skipped before condition evaluation, so it does not count.
	if eval.Metadata.CodesEvaluated != 1 {
		t.Errorf("expected 1 code evaluated, got %d", eval.Metadata.CodesEvaluated)
	}
}

func TestEvaluateNightVisitSuppressesConflictingAddition(t *testing.T) {
	base := fixedRule("base", 100)
	base.DisplayOrder = 1

	night := conditionalRule("night", domain.PatternTimeBased, map[string]any{
		"night": 50,
	})
	night.DisplayOrder = 2
	night.Conditions = []domain.Condition{
		{Field: domain.FactVisitStartMinute, Operator: domain.OpGTE, Value: float64(18 * 60)},
	}

	long := conditionalRule("long-visit", domain.PatternDurationBased, map[string]any{
		"duration_90": 300,
	})
	long.DisplayOrder = 3
	long.CannotCombineWith = []string{"night"}

	eng := loadedEngine(t, []*domain.BonusRule{base, night, long})

	eval, err := eng.Evaluate(context.Background(), &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2025, 6, 10, 19, 0, 0, 0, time.UTC), 95),
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if len(eval.Applied) != 2 {
		t.Fatalf("expected base+night applied, got %+v", eval.Applied)
	}
	if eval.TotalPoints != 150 {
		t.Errorf("expected total 150, got %d", eval.TotalPoints)
	}
	if len(eval.Suppressed) != 1 {
		t.Fatalf("expected long-visit suppressed, got %+v", eval.Suppressed)
	}
	sup := eval.Suppressed[0]
	if sup.Code != "long-visit" || sup.ConflictWith != "night" {
		t.Errorf("unexpected suppression: %+v", sup)
	}
	if sup.Points != 300 {
		t.Errorf("suppressed entry should carry its would-be points, got %d", sup.Points)
	}
	if eval.Metadata.RulesSatisfied != 3 {
		t.Errorf("all three rules were satisfied before resolution, got %d", eval.Metadata.RulesSatisfied)
	}
}

func TestEvaluateAbortsOnConfigError(t *testing.T) {
	// Only version starts after the visit date: broken catalog for this
	// visit, must abort instead of silently billing zero.
	rule := fixedRule("base", 100)
	rule.ValidFrom = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	eng := loadedEngine(t, []*domain.BonusRule{rule})

	_, err := eng.Evaluate(context.Background(), &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC), 30),
	})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if cfgErr.Kind != ConfigNoVersionForDate {
		t.Errorf("expected %s, got %s", ConfigNoVersionForDate, cfgErr.Kind)
	}
}

func TestEvaluateRequiresVisit(t *testing.T) {
	eng := loadedEngine(t, []*domain.BonusRule{fixedRule("base", 100)})
	if _, err := eng.Evaluate(context.Background(), &EvaluateInput{TenantID: "tenant-1"}); err == nil {
		t.Error("expected error for nil visit")
	}
	if _, err := eng.Evaluate(context.Background(), nil); err == nil {
		t.Error("expected error for nil input")
	}
}

func TestEvaluateNoCatalogLoaded(t *testing.T) {
	eng := NewEngine(nil, 4)
	eval, err := eng.Evaluate(context.Background(), &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), 30),
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.TotalPoints != 0 || len(eval.Applied) != 0 {
		t.Errorf("empty catalog should yield an empty evaluation, got %+v", eval)
	}
}

func TestEvaluateUsesOrdinalGetter(t *testing.T) {
	called := 0
	getter := func(ctx context.Context, tenantID, patientID string, visitTime time.Time) (int64, error) {
		called++
		if tenantID != "tenant-1" || patientID != "patient-1" {
			t.Errorf("getter received %s/%s", tenantID, patientID)
		}
		return 15, nil
	}

	monthly := conditionalRule("monthly", domain.PatternMonthly14DayThreshold, map[string]any{
		"up_to_14": 550, "after_14": 425,
	})

	eng := NewEngine(getter, 4)
	if err := eng.LoadCatalog([]*domain.BonusRule{monthly}); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	eval, err := eng.Evaluate(context.Background(), &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), 30),
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if called != 1 {
		t.Fatalf("expected getter called once, got %d", called)
	}
	// 15th visit of the month: reduced rate.
	if eval.TotalPoints != 425 {
		t.Errorf("expected 425 points for the 15th visit, got %d", eval.TotalPoints)
	}
}

func TestEvaluateOrdinalGetterFailureIsNonFatal(t *testing.T) {
	getter := func(ctx context.Context, tenantID, patientID string, visitTime time.Time) (int64, error) {
		return 0, errors.New("store unavailable")
	}
	monthly := conditionalRule("monthly", domain.PatternMonthly14DayThreshold, map[string]any{
		"up_to_14": 550, "after_14": 425,
	})

	eng := NewEngine(getter, 4)
	if err := eng.LoadCatalog([]*domain.BonusRule{monthly}); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	eval, err := eng.Evaluate(context.Background(), &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), 30),
	})
	if err != nil {
		t.Fatalf("Evaluate should not fail on an ordinal lookup error: %v", err)
	}
	// Ordinal absent: threshold pattern falls back to the standard rate.
	if eval.TotalPoints != 550 {
		t.Errorf("expected fallback to 550, got %d", eval.TotalPoints)
	}
	// One diagnostic for the failed lookup, one for billing without the ordinal.
	if len(eval.Diagnostics) != 2 {
		t.Errorf("expected diagnostics for the failed lookup and the rate fallback, got %d", len(eval.Diagnostics))
	}
}

func TestEvaluateMissingOrdinalReportsDiagnostic(t *testing.T) {
	monthly := conditionalRule("monthly", domain.PatternMonthly14DayThreshold, map[string]any{
		"up_to_14": 550, "after_14": 425,
	})

	// No ordinal getter wired and no precomputed fact.
	eng := loadedEngine(t, []*domain.BonusRule{monthly})

	eval, err := eng.Evaluate(context.Background(), &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), 30),
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.TotalPoints != 550 {
		t.Errorf("expected the up_to_14 rate, got %d", eval.TotalPoints)
	}
	if len(eval.Diagnostics) != 1 {
		t.Fatalf("billing without the ordinal must be flagged, got %d diagnostics", len(eval.Diagnostics))
	}
	if eval.Diagnostics[0].Field != domain.FactVisitOrdinalInMonth {
		t.Errorf("diagnostic should name the ordinal fact, got %+v", eval.Diagnostics[0])
	}
}

func TestEvaluatePrecomputedFactsBypassExtraction(t *testing.T) {
	night := conditionalRule("night", domain.PatternTimeBased, map[string]any{
		"night": 50, "daytime": 0,
	})
	eng := loadedEngine(t, []*domain.BonusRule{night})

	// Visit says 10:00, supplied facts say 19:00. Facts win.
	eval, err := eng.Evaluate(context.Background(), &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), 30),
		Facts:    domain.Facts{domain.FactVisitStartMinute: 19 * 60},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.TotalPoints != 50 {
		t.Errorf("expected precomputed facts to drive the result, got %d points", eval.TotalPoints)
	}
}

func TestReloadCatalogSwapsRules(t *testing.T) {
	eng := loadedEngine(t, []*domain.BonusRule{fixedRule("base", 100)})
	if eng.CatalogSize() != 1 {
		t.Fatalf("expected catalog size 1, got %d", eng.CatalogSize())
	}

	if err := eng.ReloadCatalog([]*domain.BonusRule{fixedRule("base", 120), fixedRule("extra", 30)}); err != nil {
		t.Fatalf("ReloadCatalog failed: %v", err)
	}
	if eng.CatalogSize() != 2 {
		t.Fatalf("expected catalog size 2 after reload, got %d", eng.CatalogSize())
	}

	eval, err := eng.Evaluate(context.Background(), &EvaluateInput{
		TenantID: "tenant-1",
		Visit:    testVisit(time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), 30),
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.TotalPoints != 150 {
		t.Errorf("expected 150 after reload, got %d", eval.TotalPoints)
	}
}

func TestReloadCatalogRejectsBrokenRulesKeepsOld(t *testing.T) {
	eng := loadedEngine(t, []*domain.BonusRule{fixedRule("base", 100)})

	bad := fixedRule("bad", -1)
	if err := eng.ReloadCatalog([]*domain.BonusRule{bad}); err == nil {
		t.Fatal("expected reload of a broken catalog to fail")
	}
	if eng.CatalogSize() != 1 {
		t.Errorf("failed reload must leave the previous catalog in place, size %d", eng.CatalogSize())
	}
}

func TestValidateRulesDoesNotInstall(t *testing.T) {
	eng := NewEngine(nil, 4)
	if err := eng.ValidateRules([]*domain.BonusRule{fixedRule("base", 100)}); err != nil {
		t.Fatalf("ValidateRules failed: %v", err)
	}
	if eng.CatalogSize() != 0 {
		t.Errorf("ValidateRules must not install a catalog, size %d", eng.CatalogSize())
	}
}

func TestEvaluateBatchPreservesOrder(t *testing.T) {
	eng := loadedEngine(t, []*domain.BonusRule{fixedRule("base", 100)})

	inputs := make([]*EvaluateInput, 8)
	for i := range inputs {
		v := testVisit(time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), 30)
		v.ID = fmt.Sprintf("visit-%d", i)
		inputs[i] = &EvaluateInput{TenantID: "tenant-1", Visit: v}
	}
	// One broken entry in the middle.
	inputs[3] = &EvaluateInput{TenantID: "tenant-1"}

	results := eng.EvaluateBatch(context.Background(), inputs)
	if len(results) != len(inputs) {
		t.Fatalf("expected %d results, got %d", len(inputs), len(results))
	}
	for i, res := range results {
		if i == 3 {
			if res.Err == nil {
				t.Error("entry 3 should fail")
			}
			continue
		}
		if res.Err != nil {
			t.Fatalf("entry %d failed: %v", i, res.Err)
		}
		want := fmt.Sprintf("visit-%d", i)
		if res.Evaluation.VisitID != want {
			t.Errorf("entry %d: got %s, want %s", i, res.Evaluation.VisitID, want)
		}
	}
}
