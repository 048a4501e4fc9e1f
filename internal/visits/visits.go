// Package visits computes per-patient visit ordinals for monthly-threshold
// additions.
package visits

import (
	"context"
	"fmt"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
)

// Service answers "which billable visit of the month is this?" for a
// patient. A warm per-patient monthly counter in the cache carries the
// running count; the repository count is authoritative and seeds the
// counter whenever it is cold. The warm path assumes visits are
// evaluated in recording order, which the billing pipeline guarantees.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a new visit-ordinal service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// VisitOrdinal returns the 1-based ordinal of a visit starting at visitTime
// within the patient's calendar month. The counter holds the number of
// visits already on record for the month, so the next ordinal is count+1.
func (s *Service) VisitOrdinal(ctx context.Context, tenantID, patientID string, visitTime time.Time) (int64, error) {
	if tenantID == "" || patientID == "" {
		return 0, fmt.Errorf("tenantID and patientID are required")
	}

	key := counterKey(patientID, visitTime)

	if s.cache != nil {
		if n, ok, err := s.cache.GetCounter(ctx, tenantID, key); err == nil && ok {
			return n + 1, nil
		}
	}

	if s.repo == nil {
		return 0, fmt.Errorf("no data source available")
	}

	count, err := s.repo.CountVisitsInMonth(ctx, tenantID, patientID, visitTime)
	if err != nil {
		return 0, fmt.Errorf("failed to count visits: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.SetCounter(ctx, tenantID, key, count, monthRemainder(visitTime))
	}

	return count + 1, nil
}

// RecordVisit bumps the patient's monthly counter after a visit is saved,
// keeping the warm count in step with the repository for the rest of the
// month.
func (s *Service) RecordVisit(ctx context.Context, tenantID, patientID string, visitTime time.Time) {
	if s.cache == nil {
		return
	}
	_, _ = s.cache.IncrementCounter(ctx, tenantID, counterKey(patientID, visitTime), monthRemainder(visitTime))
}

// OrdinalGetter returns the getter function consumed by the rule engine.
func (s *Service) OrdinalGetter() func(ctx context.Context, tenantID, patientID string, visitTime time.Time) (int64, error) {
	return s.VisitOrdinal
}

func counterKey(patientID string, t time.Time) string {
	return "visits:" + patientID + ":" + t.Format("2006-01")
}

// monthRemainder returns the time left until the end of t's calendar
// month, used as the TTL for monthly counters.
func monthRemainder(t time.Time) time.Duration {
	endOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
	d := endOfMonth.Sub(t)
	if d <= 0 {
		return time.Minute
	}
	return d
}
