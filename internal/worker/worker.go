// Package worker provides async visit processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/engine"
	"github.com/opencare-jp/kasan/internal/visits"
)

// Worker evaluates recorded visits asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	engine *engine.Engine
	visits *visits.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// WorkerCount is the number of concurrent workers per tenant
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, eng *engine.Engine, visitSvc *visits.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		engine: eng,
		visits: visitSvc,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicVisitRecorded, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicVisitRecorded, func(ctx context.Context, msg *domain.Message) error {
		return w.processVisit(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicVisitRecorded,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processVisit(ctx, msg.TenantID, msg)
}

// VisitMessage is the message payload for visit evaluation.
type VisitMessage struct {
	TenantID string                 `json:"tenantId"`
	TraceID  string                 `json:"traceId"`
	Visit    *domain.VisitRecord    `json:"visit"`
	Patient  *domain.Patient        `json:"patient"`
	Schedule *domain.Schedule       `json:"schedule,omitempty"`
	Facility *domain.FacilityConfig `json:"facility,omitempty"`
}

// processVisit evaluates one recorded visit through the pipeline.
func (w *Worker) processVisit(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	// Parse message
	var visitMsg VisitMessage
	if err := json.Unmarshal(msg.Payload, &visitMsg); err != nil {
		slog.Error("failed to parse visit message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if visitMsg.Visit == nil {
		slog.Error("visit message has no visit record",
			"message_id", msg.ID,
		)
		return nil
	}

	// Use message tenant if provided
	if visitMsg.TenantID != "" {
		tenantID = visitMsg.TenantID
	}

	traceID := visitMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing visit",
		"visit_id", visitMsg.Visit.ID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	// 1. Persist the visit (the month ordinal for later visits depends on it)
	if w.repo != nil {
		if err := w.repo.SaveVisit(ctx, tenantID, visitMsg.Visit); err != nil {
			slog.Error("failed to save visit",
				"visit_id", visitMsg.Visit.ID,
				"error", err,
			)
		}
	}

	// 2. Evaluate additions
	evaluation, err := w.engine.Evaluate(ctx, &engine.EvaluateInput{
		TenantID: tenantID,
		TraceID:  traceID,
		Visit:    visitMsg.Visit,
		Patient:  visitMsg.Patient,
		Schedule: visitMsg.Schedule,
		Facility: visitMsg.Facility,
	})
	if err != nil {
		slog.Error("visit evaluation failed",
			"visit_id", visitMsg.Visit.ID,
			"error", err,
		)
		// A catalog defect is an operator problem, not a data problem.
		// Surface it on its own topic so it isn't lost in a dead letter.
		if cfgErr, ok := engine.AsConfigError(err); ok {
			payload, _ := json.Marshal(cfgErr)
			_ = w.bus.Publish(ctx, tenantID, domain.TopicCatalogError, payload)
		}
		return err
	}

	// 3. Bump the patient's monthly counter
	if w.visits != nil {
		w.visits.RecordVisit(ctx, tenantID, visitMsg.Visit.PatientID, visitMsg.Visit.StartTime)
	}

	// 4. Save evaluation
	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, tenantID, evaluation); err != nil {
			slog.Error("failed to save evaluation",
				"visit_id", visitMsg.Visit.ID,
				"error", err,
			)
		}
	}

	// 5. Publish result
	resultPayload, _ := json.Marshal(evaluation)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicEvaluationCompleted, resultPayload); err != nil {
		slog.Error("failed to publish evaluation",
			"visit_id", visitMsg.Visit.ID,
			"error", err,
		)
	}

	// 6. Surface data quality issues for the billing staff queue
	if len(evaluation.Diagnostics) > 0 {
		diagPayload, _ := json.Marshal(evaluation.Diagnostics)
		if err := w.bus.Publish(ctx, tenantID, domain.TopicDataQuality, diagPayload); err != nil {
			slog.Error("failed to publish diagnostics",
				"visit_id", visitMsg.Visit.ID,
				"error", err,
			)
		}
	}

	slog.Info("visit processed",
		"visit_id", visitMsg.Visit.ID,
		"tenant_id", tenantID,
		"total_points", evaluation.TotalPoints,
		"applied", len(evaluation.Applied),
		"suppressed", len(evaluation.Suppressed),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
