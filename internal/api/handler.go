package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/engine"
	"github.com/opencare-jp/kasan/internal/visits"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *engine.Engine
	visits  *visits.Service
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, visitSvc *visits.Service, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  eng,
		visits:  visitSvc,
		version: version,
	}
}

// GlobalTenantID is used for catalog rules that apply to all tenants.
const GlobalTenantID = "*"

// EvaluateRequest is the request body for POST /evaluate.
type EvaluateRequest struct {
	Visit    *domain.VisitRecord    `json:"visit"`
	Patient  *domain.Patient        `json:"patient"`
	Schedule *domain.Schedule       `json:"schedule,omitempty"`
	Facility *domain.FacilityConfig `json:"facility,omitempty"`
}

// Evaluate handles POST /evaluate requests: record the visit, evaluate
// additions synchronously and return the applied set.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Visit == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "visit is required",
		})
		return
	}
	if req.Visit.PatientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "visit.patientId is required",
		})
		return
	}
	if req.Visit.StartTime.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "visit.startTime is required",
		})
		return
	}
	if req.Visit.DurationMinutes < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "visit.durationMinutes must not be negative",
		})
		return
	}

	if req.Visit.ID == "" {
		req.Visit.ID = uuid.New().String()
	}
	req.Visit.TenantID = tenantID
	if req.Visit.CreatedAt.IsZero() {
		req.Visit.CreatedAt = time.Now().UTC()
	}

	// Save visit if repository is available
	if h.repo != nil {
		if err := h.repo.SaveVisit(ctx, tenantID, req.Visit); err != nil {
			slog.Error("failed to save visit", "visit_id", req.Visit.ID, "error", err)
			// Continue even if save fails, to prioritize evaluation.
		}
	}

	evaluation, err := h.engine.Evaluate(ctx, &engine.EvaluateInput{
		TenantID: tenantID,
		TraceID:  traceID,
		Visit:    req.Visit,
		Patient:  req.Patient,
		Schedule: req.Schedule,
		Facility: req.Facility,
	})
	if err != nil {
		if cfgErr, ok := engine.AsConfigError(err); ok {
			writeConfigError(w, cfgErr)
			return
		}
		slog.Error("evaluation failed", "visit_id", req.Visit.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	// Bump the patient's monthly counter for later visits
	if h.visits != nil {
		h.visits.RecordVisit(ctx, tenantID, req.Visit.PatientID, req.Visit.StartTime)
	}

	// Save evaluation
	if h.repo != nil {
		if err := h.repo.SaveEvaluation(ctx, tenantID, evaluation); err != nil {
			slog.Error("failed to save evaluation", "visit_id", req.Visit.ID, "error", err)
		}
	}

	// Notify downstream consumers (billing exports, dashboards)
	if h.bus != nil {
		payload, _ := json.Marshal(evaluation)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicEvaluationCompleted, payload); err != nil {
			slog.Error("failed to publish evaluation", "visit_id", req.Visit.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, evaluation.ToResponse())
}

// PreviewRequest is the request body for POST /preview. It evaluates the
// loaded catalog against caller-supplied facts without persisting anything,
// for rule authoring and billing what-if checks.
type PreviewRequest struct {
	VisitDate time.Time      `json:"visitDate"`
	Insured   string         `json:"insuranceType,omitempty"`
	Facts     map[string]any `json:"facts"`
}

// Preview handles POST /preview requests.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.VisitDate.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "visitDate is required",
		})
		return
	}
	if len(req.Facts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "facts are required",
		})
		return
	}

	// A synthetic visit carries the date and insurance type; everything
	// else comes from the supplied facts.
	visit := &domain.VisitRecord{
		ID:        "preview-" + uuid.New().String(),
		TenantID:  tenantID,
		StartTime: req.VisitDate,
		Insured:   domain.InsuranceType(req.Insured),
	}

	evaluation, err := h.engine.Evaluate(ctx, &engine.EvaluateInput{
		TenantID: tenantID,
		TraceID:  traceID,
		Visit:    visit,
		Facts:    domain.Facts(req.Facts),
	})
	if err != nil {
		if cfgErr, ok := engine.AsConfigError(err); ok {
			writeConfigError(w, cfgErr)
			return
		}
		slog.Error("preview evaluation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, evaluation)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ready := "true"
	if h.engine.CatalogSize() == 0 {
		ready = "false"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": ready,
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	if evalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "evaluation id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	eval, err := h.repo.GetEvaluation(ctx, tenantID, evalID)
	if err != nil {
		slog.Error("failed to get evaluation", "id", evalID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "evaluation not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// GetVisit retrieves a visit by ID.
func (h *Handler) GetVisit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	visitID := chi.URLParam(r, "id")

	if visitID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "visit id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	visit, err := h.repo.GetVisit(ctx, tenantID, visitID)
	if err != nil {
		slog.Error("failed to get visit", "id", visitID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "visit not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, visit)
}

// ListRules returns all loaded catalog rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves every loaded version of a bonus code.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "bonus code is required",
		})
		return
	}

	var versions []*domain.BonusRule
	for _, rule := range h.engine.GetLoadedRules() {
		if rule.Code == code {
			versions = append(versions, rule)
		}
	}

	if len(versions) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "bonus code not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":     code,
		"versions": versions,
	})
}

// CreateRule validates and persists a new rule version.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.BonusRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rule.Code == "" || rule.Name == "" || rule.Version == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "code, name, and version are required",
		})
		return
	}
	if rule.ValidFrom.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validFrom is required",
		})
		return
	}

	rule.TenantID = GlobalTenantID

	// A rule that cannot compile must never reach the catalog.
	if err := h.engine.ValidateRules([]*domain.BonusRule{&rule}); err != nil {
		if cfgErr, ok := engine.AsConfigError(err); ok {
			writeConfigError(w, cfgErr)
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveBonusRule(ctx, GlobalTenantID, &rule); err != nil {
			slog.Error("failed to save rule", "code", rule.Code, "version", rule.Version, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "code", rule.Code, "version", rule.Version, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListBonusRules(ctx, GlobalTenantID, "")
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadCatalog(dbRules); err != nil {
		slog.Error("failed to reload catalog", "error", err)
		if cfgErr, ok := engine.AsConfigError(err); ok {
			writeConfigError(w, cfgErr)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("catalog reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// writeConfigError reports a catalog defect. 422 distinguishes "your
// catalog is broken" from a malformed request (400) and a server fault
// (500); the kind and code tell the operator which rule to fix.
func writeConfigError(w http.ResponseWriter, cfgErr *engine.ConfigError) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
		"error":  "catalog configuration error",
		"kind":   string(cfgErr.Kind),
		"code":   cfgErr.Code,
		"detail": cfgErr.Detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
