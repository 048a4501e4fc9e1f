package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
)

func testRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kasan.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testRule() *domain.BonusRule {
	validTo := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	return &domain.BonusRule{
		Code:               "emergency-visit",
		Name:               "緊急訪問看護加算",
		Category:           "emergency",
		Insured:            domain.InsuranceMedical,
		Version:            "2024",
		ValidFrom:          time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:            &validTo,
		PointsType:         domain.PointsConditional,
		ConditionalPattern: domain.PatternMonthly14DayThreshold,
		PointsConfig:       map[string]any{"up_to_14": float64(2650), "after_14": float64(2000)},
		Conditions: []domain.Condition{
			{Pattern: domain.FactIsEmergencyVisit},
		},
		CannotCombineWith: []string{"long-visit"},
		DisplayOrder:      3,
		IsActive:          true,
	}
}

func TestBonusRuleRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	rule := testRule()

	if err := repo.SaveBonusRule(ctx, "tenant-1", rule); err != nil {
		t.Fatalf("SaveBonusRule failed: %v", err)
	}

	got, err := repo.GetBonusRule(ctx, "tenant-1", rule.Code, rule.Version)
	if err != nil {
		t.Fatalf("GetBonusRule failed: %v", err)
	}

	if got.Code != rule.Code || got.Name != rule.Name || got.Version != rule.Version {
		t.Errorf("identity fields differ: %+v", got)
	}
	if got.Insured != domain.InsuranceMedical {
		t.Errorf("insurance: got %s", got.Insured)
	}
	if got.PointsType != domain.PointsConditional || got.ConditionalPattern != domain.PatternMonthly14DayThreshold {
		t.Errorf("points strategy differs: %s/%s", got.PointsType, got.ConditionalPattern)
	}
	if got.PointsConfig["up_to_14"] != float64(2650) {
		t.Errorf("points config: %+v", got.PointsConfig)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Pattern != domain.FactIsEmergencyVisit {
		t.Errorf("conditions: %+v", got.Conditions)
	}
	if len(got.CannotCombineWith) != 1 || got.CannotCombineWith[0] != "long-visit" {
		t.Errorf("cannot-combine list: %+v", got.CannotCombineWith)
	}
	if got.ValidTo == nil || !got.ValidTo.Equal(*rule.ValidTo) {
		t.Errorf("validTo: %v", got.ValidTo)
	}
	if !got.IsActive {
		t.Error("rule should be active")
	}
}

func TestBonusRuleUpsertReplacesSameVersion(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	rule := testRule()
	if err := repo.SaveBonusRule(ctx, "tenant-1", rule); err != nil {
		t.Fatalf("SaveBonusRule failed: %v", err)
	}

	rule.Name = "renamed"
	rule.DisplayOrder = 9
	if err := repo.SaveBonusRule(ctx, "tenant-1", rule); err != nil {
		t.Fatalf("second SaveBonusRule failed: %v", err)
	}

	got, err := repo.GetBonusRule(ctx, "tenant-1", rule.Code, rule.Version)
	if err != nil {
		t.Fatalf("GetBonusRule failed: %v", err)
	}
	if got.Name != "renamed" || got.DisplayOrder != 9 {
		t.Errorf("upsert did not replace: %+v", got)
	}

	rules, err := repo.ListBonusRules(ctx, "tenant-1", "")
	if err != nil {
		t.Fatalf("ListBonusRules failed: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("expected 1 row after upsert, got %d", len(rules))
	}
}

func TestBonusRuleTenantIsolation(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.SaveBonusRule(ctx, "tenant-1", testRule()); err != nil {
		t.Fatalf("SaveBonusRule failed: %v", err)
	}

	if _, err := repo.GetBonusRule(ctx, "tenant-2", "emergency-visit", "2024"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for the other tenant, got %v", err)
	}

	rules, err := repo.ListBonusRules(ctx, "tenant-2", "")
	if err != nil {
		t.Fatalf("ListBonusRules failed: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("tenant-2 should see no rules, got %d", len(rules))
	}
}

func TestListBonusRulesFilters(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	medical := testRule()
	care := testRule()
	care.Code = "care-addition"
	care.Insured = domain.InsuranceCare
	inactive := testRule()
	inactive.Code = "retired"
	inactive.IsActive = false

	for _, r := range []*domain.BonusRule{medical, care, inactive} {
		if err := repo.SaveBonusRule(ctx, "tenant-1", r); err != nil {
			t.Fatalf("SaveBonusRule(%s) failed: %v", r.Code, err)
		}
	}

	all, err := repo.ListBonusRules(ctx, "tenant-1", "")
	if err != nil {
		t.Fatalf("ListBonusRules failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("inactive rules must be excluded, got %d", len(all))
	}
	// Ordered by code.
	if all[0].Code != "care-addition" || all[1].Code != "emergency-visit" {
		t.Errorf("unexpected order: %s, %s", all[0].Code, all[1].Code)
	}

	med, err := repo.ListBonusRules(ctx, "tenant-1", domain.InsuranceMedical)
	if err != nil {
		t.Fatalf("ListBonusRules(medical) failed: %v", err)
	}
	if len(med) != 1 || med[0].Code != "emergency-visit" {
		t.Errorf("insurance filter: %+v", med)
	}
}

func TestVisitRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	visit := &domain.VisitRecord{
		ID:              "visit-1",
		PatientID:       "patient-1",
		ScheduleID:      "sched-1",
		NurseID:         "nurse-1",
		StartTime:       time.Date(2025, 6, 10, 19, 0, 0, 0, time.UTC),
		DurationMinutes: 95,
		Insured:         domain.InsuranceMedical,
		IsEmergency:     true,
		MultipleNurses:  true,
		CreatedAt:       time.Date(2025, 6, 10, 21, 0, 0, 0, time.UTC),
		Metadata:        map[string]any{"note": "first emergency this month"},
	}

	if err := repo.SaveVisit(ctx, "tenant-1", visit); err != nil {
		t.Fatalf("SaveVisit failed: %v", err)
	}

	got, err := repo.GetVisit(ctx, "tenant-1", "visit-1")
	if err != nil {
		t.Fatalf("GetVisit failed: %v", err)
	}
	if got.PatientID != "patient-1" || got.DurationMinutes != 95 {
		t.Errorf("core fields differ: %+v", got)
	}
	if !got.IsEmergency || !got.MultipleNurses || got.IsSecondVisit || got.IsTerminalCare {
		t.Errorf("flags differ: %+v", got)
	}
	if got.Insured != domain.InsuranceMedical {
		t.Errorf("insurance: %s", got.Insured)
	}
	if got.Metadata["note"] != "first emergency this month" {
		t.Errorf("metadata: %+v", got.Metadata)
	}

	if _, err := repo.GetVisit(ctx, "tenant-1", "no-such-visit"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCountVisitsInMonth(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	starts := []time.Time{
		time.Date(2025, 5, 31, 23, 0, 0, 0, time.UTC), // previous month
		time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 5, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC), // not strictly before
		time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC), // after cutoff
	}
	for i, start := range starts {
		v := &domain.VisitRecord{
			ID:        string(rune('a' + i)),
			PatientID: "patient-1",
			StartTime: start,
		}
		if err := repo.SaveVisit(ctx, "tenant-1", v); err != nil {
			t.Fatalf("SaveVisit failed: %v", err)
		}
	}
	// Another patient's visit never counts.
	other := &domain.VisitRecord{ID: "other", PatientID: "patient-2",
		StartTime: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	if err := repo.SaveVisit(ctx, "tenant-1", other); err != nil {
		t.Fatalf("SaveVisit failed: %v", err)
	}

	count, err := repo.CountVisitsInMonth(ctx, "tenant-1", "patient-1",
		time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CountVisitsInMonth failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 visits before the cutoff within June, got %d", count)
	}
}

func TestEvaluationRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	eval := &domain.Evaluation{
		ID:      "eval-1",
		VisitID: "visit-1",
		Applied: []domain.AppliedBonus{
			{Code: "base", Version: "1", Name: "基本療養費", Points: 100},
			{Code: "night", Version: "1", Name: "夜間訪問加算", Points: 50},
		},
		Suppressed: []domain.SuppressedBonus{
			{Code: "long-visit", Version: "1", Points: 300, ConflictWith: "night"},
		},
		TotalPoints: 150,
		Diagnostics: []domain.DataQualityIssue{
			{Code: "monthly", Field: domain.FactVisitOrdinalInMonth, Reason: "lookup failed"},
		},
		Timestamp: time.Date(2025, 6, 10, 21, 0, 0, 0, time.UTC),
		Metadata:  domain.EvaluationMetadata{TraceID: "trace-1", CodesEvaluated: 3, RulesSatisfied: 3},
	}

	if err := repo.SaveEvaluation(ctx, "tenant-1", eval); err != nil {
		t.Fatalf("SaveEvaluation failed: %v", err)
	}

	got, err := repo.GetEvaluation(ctx, "tenant-1", "eval-1")
	if err != nil {
		t.Fatalf("GetEvaluation failed: %v", err)
	}
	if got.TotalPoints != 150 || got.VisitID != "visit-1" {
		t.Errorf("core fields differ: %+v", got)
	}
	if len(got.Applied) != 2 || got.Applied[1].Code != "night" {
		t.Errorf("applied: %+v", got.Applied)
	}
	if len(got.Suppressed) != 1 || got.Suppressed[0].ConflictWith != "night" {
		t.Errorf("suppressed: %+v", got.Suppressed)
	}
	if len(got.Diagnostics) != 1 || got.Diagnostics[0].Reason != "lookup failed" {
		t.Errorf("diagnostics: %+v", got.Diagnostics)
	}
	if got.Metadata.TraceID != "trace-1" {
		t.Errorf("metadata: %+v", got.Metadata)
	}

	if _, err := repo.GetEvaluation(ctx, "tenant-2", "eval-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for the other tenant, got %v", err)
	}
}

func TestTenantIDRequired(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.SaveBonusRule(ctx, "", testRule()); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("SaveBonusRule: expected ErrInvalidInput, got %v", err)
	}
	if _, err := repo.ListBonusRules(ctx, "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("ListBonusRules: expected ErrInvalidInput, got %v", err)
	}
	if err := repo.SaveVisit(ctx, "", &domain.VisitRecord{ID: "v"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("SaveVisit: expected ErrInvalidInput, got %v", err)
	}
	if _, err := repo.CountVisitsInMonth(ctx, "", "p", time.Now()); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("CountVisitsInMonth: expected ErrInvalidInput, got %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	sqlite := &SQLRepository{driver: "sqlite"}
	if got := sqlite.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = ? AND b = ?" {
		t.Errorf("sqlite queries must pass through, got %q", got)
	}

	pg := &SQLRepository{driver: "postgres"}
	got := pg.rebind("INSERT INTO t (a, b, c) VALUES (?, ?, ?)")
	want := "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"
	if got != want {
		t.Errorf("rebind: got %q, want %q", got, want)
	}
}
