//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kasan addition-point
// engine.
//
// These tests verify the COMPLETE billing pipeline:
//
//	Visit → Facts → Version selection → Conditions → Points → Combination → Total
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. VISIT: A completed home-visit nursing record (start time, duration,
//    insurance regime, nurse-recorded flags).
//
// 2. BONUS RULE (加算): One billable addition. Each versioned rule has:
//   - Conditions: ANDed clauses over the visit's facts
//   - Points: fixed, or computed by a named pattern (time_based, etc.)
//   - Combination lists: codes it may or may not be billed with
//
// 3. VERSION: Fee revisions give each code dated validity windows. The
//    version whose [validFrom, validTo) window covers the visit date is the
//    one that prices the visit.
//
// 4. EVALUATION: The applied additions, the suppressed ones (with the code
//    that displaced them) and the billable point total.
//
// REQUIRED RULES (must be seeded via API before running tests):
//
// Run: ./scripts/seed-rules.sh  (or manually create via POST /rules)
//
// | Code             | Pattern        | Behavior                              |
// |------------------|----------------|---------------------------------------|
// | base-visit       | fixed 100      | no conditions, always applies         |
// | night-visit      | time_based     | night 50 / late_night 84,             |
// |                  |                | condition: visitStartMinute >= 1080   |
// | long-visit       | duration_based | 300 points at >= 90 minutes           |
// |                  |                | cannotCombineWith: night-visit        |
// | emergency-visit  | fixed 265      | condition: isEmergencyVisit           |
//
// NOTE: Rules are database-driven. No built-in rules exist.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KASAN_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
	}
}

// ============================================================================
// API Request/Response Types (matching Kasan's API contract)
// ============================================================================

// EvaluateRequest is the visit sent to POST /evaluate
type EvaluateRequest struct {
	Visit    *Visit    `json:"visit"`
	Patient  *Patient  `json:"patient,omitempty"`
	Schedule *Schedule `json:"schedule,omitempty"`
}

type Visit struct {
	ID              string `json:"id,omitempty"`
	PatientID       string `json:"patientId"`
	StartTime       string `json:"startTime"`
	DurationMinutes int    `json:"durationMinutes"`
	InsuranceType   string `json:"insuranceType,omitempty"`
	IsEmergency     bool   `json:"isEmergency,omitempty"`
}

type Patient struct {
	ID        string `json:"id"`
	BirthDate string `json:"birthDate,omitempty"`
}

type Schedule struct {
	SequenceInDay int `json:"sequenceInDay,omitempty"`
}

// EvaluateResponse is what POST /evaluate returns
type EvaluateResponse struct {
	EvaluationID string           `json:"evaluationId"`
	VisitID      string           `json:"visitId"`
	Applied      []AppliedBonus   `json:"applied"`
	TotalPoints  int              `json:"totalPoints"`
	Warnings     []string         `json:"warnings,omitempty"`
	Metadata     ResponseMetadata `json:"metadata"`
}

type AppliedBonus struct {
	Code    string `json:"code"`
	Version string `json:"version"`
	Points  int    `json:"points"`
}

type ResponseMetadata struct {
	TraceID        string `json:"traceId"`
	TotalMs        int64  `json:"totalMs"`
	CodesEvaluated int    `json:"codesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func visitAt(hhmm string, durationMinutes int) *Visit {
	return &Visit{
		PatientID:       "patient-integration-001",
		StartTime:       "2025-06-10T" + hhmm + ":00+09:00",
		DurationMinutes: durationMinutes,
		InsuranceType:   "medical",
	}
}

func evaluate(t *testing.T, config TestConfig, req EvaluateRequest) EvaluateResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var result EvaluateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}

	return result
}

func hasCode(applied []AppliedBonus, code string) bool {
	for _, a := range applied {
		if a.Code == code {
			return true
		}
	}
	return false
}

// ============================================================================
// SCENARIO 1: Plain Daytime Visit (Base Only)
// ============================================================================

func TestDaytimeVisit_BaseOnly(t *testing.T) {
	/*
	   SCENARIO: An ordinary 45-minute visit at 10:00

	   EXPECTED BEHAVIOR:
	   - base-visit: no conditions → applies (100)
	   - night-visit: 10:00 is daytime, startMinute < 18:00 → skipped
	   - long-visit: 45 < 90 minutes → 0 points
	   - emergency-visit: flag not set → skipped

	   FINAL TOTAL: 100
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{Visit: visitAt("10:00", 45)})

	if !hasCode(result.Applied, "base-visit") {
		t.Errorf("Expected base-visit applied, got %v", result.Applied)
	}
	if hasCode(result.Applied, "night-visit") {
		t.Errorf("night-visit must not apply at 10:00")
	}
	if result.TotalPoints != 100 {
		t.Errorf("Expected total 100, got %d", result.TotalPoints)
	}

	t.Logf("✓ Daytime visit: total=%d, applied=%v", result.TotalPoints, result.Applied)
}

// ============================================================================
// SCENARIO 2: Night Bucket Boundaries
// ============================================================================

func TestNightBoundary_1800IsNight(t *testing.T) {
	/*
	   SCENARIO: Visit starting exactly at 18:00

	   EXPECTED BEHAVIOR:
	   - Buckets are half-open: night is [18:00, 22:00)
	   - 18:00 belongs to night → night-visit adds 50

	   WHY THIS TEST:
	   Boundary minutes decide real money; off-by-one here double- or
	   under-bills every evening visit.
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{Visit: visitAt("18:00", 45)})

	if !hasCode(result.Applied, "night-visit") {
		t.Errorf("18:00 should fall in the night bucket, applied=%v", result.Applied)
	}
	if result.TotalPoints != 150 {
		t.Errorf("Expected 100 + 50 = 150, got %d", result.TotalPoints)
	}

	t.Logf("✓ 18:00 boundary: total=%d", result.TotalPoints)
}

func TestLateNightBoundary_2200IsLateNight(t *testing.T) {
	/*
	   SCENARIO: Visit starting at 22:00

	   EXPECTED BEHAVIOR:
	   - Buckets are half-open: night ends at 22:00, late_night begins
	   - 22:00 pays the late_night rate (84), not the night rate (50)
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{Visit: visitAt("22:00", 45)})

	if !hasCode(result.Applied, "night-visit") {
		t.Errorf("22:00 should fall in the late_night bucket, applied=%v", result.Applied)
	}
	if result.TotalPoints != 184 {
		t.Errorf("Expected 100 + 84 = 184, got %d", result.TotalPoints)
	}

	t.Logf("✓ 22:00 boundary: total=%d", result.TotalPoints)
}

// ============================================================================
// SCENARIO 3: Duration Threshold
// ============================================================================

func TestDurationThreshold(t *testing.T) {
	/*
	   SCENARIO: 90-minute visit vs 89-minute visit at 10:00

	   EXPECTED BEHAVIOR:
	   - long-visit pays 300 at exactly 90 minutes (>= threshold)
	   - 89 minutes pays nothing
	*/
	config := getTestConfig()

	at90 := evaluate(t, config, EvaluateRequest{Visit: visitAt("10:00", 90)})
	if !hasCode(at90.Applied, "long-visit") || at90.TotalPoints != 400 {
		t.Errorf("90 minutes: expected long-visit and total 400, got total=%d applied=%v",
			at90.TotalPoints, at90.Applied)
	}

	at89 := evaluate(t, config, EvaluateRequest{Visit: visitAt("10:00", 89)})
	if at89.TotalPoints != 100 {
		t.Errorf("89 minutes: expected base only (100), got %d", at89.TotalPoints)
	}

	t.Logf("✓ Duration threshold: 90min=%d, 89min=%d", at90.TotalPoints, at89.TotalPoints)
}

// ============================================================================
// SCENARIO 4: Combination Resolution (Night Suppresses Long Visit)
// ============================================================================

func TestNightLongVisit_CombinationResolved(t *testing.T) {
	/*
	   SCENARIO: A 95-minute visit at 19:00 — both night-visit and
	   long-visit are satisfied, but they cannot be billed together.

	   EXPECTED BEHAVIOR:
	   - base-visit (100) + night-visit (50) applied
	   - long-visit satisfied but suppressed (conflicts with night-visit)

	   FINAL TOTAL: 150, never 450

	   WHY THIS MATTERS:
	   Billing both would be an over-claim the payer rejects at audit.
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{Visit: visitAt("19:00", 95)})

	if !hasCode(result.Applied, "base-visit") || !hasCode(result.Applied, "night-visit") {
		t.Errorf("Expected base + night applied, got %v", result.Applied)
	}
	if hasCode(result.Applied, "long-visit") {
		t.Errorf("long-visit must be suppressed when night-visit applies")
	}
	if result.TotalPoints != 150 {
		t.Errorf("Expected total 150, got %d", result.TotalPoints)
	}

	t.Logf("✓ Combination resolved: total=%d, applied=%v", result.TotalPoints, result.Applied)
}

// ============================================================================
// SCENARIO 5: Flag-Conditioned Addition
// ============================================================================

func TestEmergencyFlag(t *testing.T) {
	/*
	   SCENARIO: Same visit with and without the nurse-recorded emergency flag

	   EXPECTED BEHAVIOR:
	   - emergency-visit (265) applies only when isEmergency is set
	*/
	config := getTestConfig()

	plain := evaluate(t, config, EvaluateRequest{Visit: visitAt("10:00", 45)})
	if hasCode(plain.Applied, "emergency-visit") {
		t.Errorf("emergency-visit must not apply without the flag")
	}

	v := visitAt("10:00", 45)
	v.IsEmergency = true
	urgent := evaluate(t, config, EvaluateRequest{Visit: v})
	if !hasCode(urgent.Applied, "emergency-visit") {
		t.Errorf("emergency-visit should apply with the flag, got %v", urgent.Applied)
	}
	if urgent.TotalPoints != plain.TotalPoints+265 {
		t.Errorf("Expected +265 for the emergency flag: plain=%d urgent=%d",
			plain.TotalPoints, urgent.TotalPoints)
	}

	t.Logf("✓ Emergency flag: plain=%d, urgent=%d", plain.TotalPoints, urgent.TotalPoints)
}

// ============================================================================
// SCENARIO 6: Determinism
// ============================================================================

func TestRepeatedEvaluationIsStable(t *testing.T) {
	/*
	   SCENARIO: Evaluate the same visit twice

	   EXPECTED BEHAVIOR:
	   - Identical applied set and total both times. Billing must be a
	     pure function of the visit and the catalog.
	*/
	config := getTestConfig()
	req := EvaluateRequest{Visit: visitAt("19:00", 95)}

	first := evaluate(t, config, req)
	second := evaluate(t, config, req)

	if first.TotalPoints != second.TotalPoints {
		t.Errorf("Totals differ across runs: %d vs %d", first.TotalPoints, second.TotalPoints)
	}
	if len(first.Applied) != len(second.Applied) {
		t.Errorf("Applied sets differ across runs: %v vs %v", first.Applied, second.Applied)
	}

	t.Logf("✓ Stable: total=%d both runs", first.TotalPoints)
}

// ============================================================================
// SCENARIO 7: Input Validation
// ============================================================================

func postRaw(t *testing.T, config TestConfig, body []byte, tenant string) *http.Response {
	t.Helper()
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/evaluate", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		httpReq.Header.Set("X-Tenant-ID", tenant)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func TestMissingPatientID_Error(t *testing.T) {
	config := getTestConfig()

	v := visitAt("10:00", 45)
	v.PatientID = "" // Missing!
	body, _ := json.Marshal(EvaluateRequest{Visit: v})

	resp := postRaw(t, config, body, config.TenantID)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing patientId, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation: missing patientId → HTTP %d", resp.StatusCode)
}

func TestMissingTenantHeader_Error(t *testing.T) {
	config := getTestConfig()

	body, _ := json.Marshal(EvaluateRequest{Visit: visitAt("10:00", 45)})
	resp := postRaw(t, config, body, "") // NO X-Tenant-ID header!
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing tenant, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation: missing tenant → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 8: Response Metadata Verification
// ============================================================================

func TestResponseMetadata(t *testing.T) {
	/*
	   SCENARIO: Verify the response includes all required metadata

	   This ensures the API contract is stable for billing clients.
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{Visit: visitAt("10:00", 45)})

	if result.EvaluationID == "" {
		t.Error("Missing evaluationId")
	}
	if result.VisitID == "" {
		t.Error("Missing visitId")
	}
	if result.Metadata.CodesEvaluated <= 0 {
		t.Errorf("Expected codesEvaluated > 0, got %d", result.Metadata.CodesEvaluated)
	}
	if result.Metadata.EngineVersion == "" {
		t.Error("Missing metadata.engineVersion")
	}
	// Note: TotalMs can be 0 for very fast evaluations (sub-millisecond)
	if result.Metadata.TotalMs < 0 {
		t.Error("Invalid metadata.totalMs (negative)")
	}

	t.Logf("✓ Metadata complete: evalId=%s, engine=%s, totalMs=%d",
		result.EvaluationID[:8], result.Metadata.EngineVersion, result.Metadata.TotalMs)
}
