// Package domain defines the core interfaces and types for Kasan.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Bonus-rule catalog operations. ListBonusRules returns every active
	// version for the insurance type ("" = all); the engine picks the
	// version applicable to a visit date.
	SaveBonusRule(ctx context.Context, tenantID string, rule *BonusRule) error
	GetBonusRule(ctx context.Context, tenantID, code, version string) (*BonusRule, error)
	ListBonusRules(ctx context.Context, tenantID string, insured InsuranceType) ([]*BonusRule, error)

	// Visit operations.
	SaveVisit(ctx context.Context, tenantID string, visit *VisitRecord) error
	GetVisit(ctx context.Context, tenantID, visitID string) (*VisitRecord, error)
	// CountVisitsInMonth counts a patient's visits within the calendar
	// month of `before` that started strictly before it. Used to compute
	// the visit's ordinal for monthly-threshold additions.
	CountVisitsInMonth(ctx context.Context, tenantID, patientID string, before time.Time) (int64, error)

	// Evaluation results.
	SaveEvaluation(ctx context.Context, tenantID string, eval *Evaluation) error
	GetEvaluation(ctx context.Context, tenantID, evalID string) (*Evaluation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
