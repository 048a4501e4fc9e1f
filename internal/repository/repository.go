// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveBonusRule stores one rule version with tenant isolation. Updating an
// existing (code, version) row replaces it; history that past evaluations
// reference should instead get a new version.
func (r *SQLRepository) SaveBonusRule(ctx context.Context, tenantID string, rule *domain.BonusRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	conditions, _ := json.Marshal(rule.Conditions)
	pointsConfig, _ := json.Marshal(rule.PointsConfig)
	canCombine, _ := json.Marshal(rule.CanCombineWith)
	cannotCombine, _ := json.Marshal(rule.CannotCombineWith)

	active := 0
	if rule.IsActive {
		active = 1
	}

	var validTo any
	if rule.ValidTo != nil {
		validTo = *rule.ValidTo
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO bonus_rules (
			code, tenant_id, version, name, category, insurance_type,
			valid_from, valid_to, points_type, fixed_points,
			conditional_pattern, points_config, conditions,
			can_combine, cannot_combine, display_order, is_active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			insurance_type = excluded.insurance_type,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			points_type = excluded.points_type,
			fixed_points = excluded.fixed_points,
			conditional_pattern = excluded.conditional_pattern,
			points_config = excluded.points_config,
			conditions = excluded.conditions,
			can_combine = excluded.can_combine,
			cannot_combine = excluded.cannot_combine,
			display_order = excluded.display_order,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.Code, tenantID, rule.Version, rule.Name, rule.Category, string(rule.Insured),
		rule.ValidFrom, validTo, string(rule.PointsType), rule.FixedPoints,
		string(rule.ConditionalPattern), string(pointsConfig), string(conditions),
		string(canCombine), string(cannotCombine), rule.DisplayOrder, active,
		now, now,
	)
	return err
}

// GetBonusRule retrieves one rule version with tenant isolation.
func (r *SQLRepository) GetBonusRule(ctx context.Context, tenantID, code, version string) (*domain.BonusRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT code, tenant_id, version, name, category, insurance_type,
			   valid_from, valid_to, points_type, fixed_points,
			   conditional_pattern, points_config, conditions,
			   can_combine, cannot_combine, display_order, is_active,
			   created_at, updated_at
		FROM bonus_rules
		WHERE tenant_id = ? AND code = ? AND version = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, code, version)
	rule, err := scanBonusRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListBonusRules retrieves every active rule version for a tenant,
// optionally filtered by insurance type.
func (r *SQLRepository) ListBonusRules(ctx context.Context, tenantID string, insured domain.InsuranceType) ([]*domain.BonusRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT code, tenant_id, version, name, category, insurance_type,
			   valid_from, valid_to, points_type, fixed_points,
			   conditional_pattern, points_config, conditions,
			   can_combine, cannot_combine, display_order, is_active,
			   created_at, updated_at
		FROM bonus_rules
		WHERE tenant_id = ? AND is_active = 1
	`
	args := []any{tenantID}
	if insured != "" {
		query += " AND insurance_type = ?"
		args = append(args, string(insured))
	}
	query += " ORDER BY code, valid_from"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.BonusRule
	for rows.Next() {
		rule, err := scanBonusRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBonusRule(row rowScanner) (*domain.BonusRule, error) {
	var rule domain.BonusRule
	var insured, pointsType, pattern string
	var validTo sql.NullTime
	var pointsConfig, conditions, canCombine, cannotCombine sql.NullString
	var active int

	err := row.Scan(
		&rule.Code, &rule.TenantID, &rule.Version, &rule.Name, &rule.Category, &insured,
		&rule.ValidFrom, &validTo, &pointsType, &rule.FixedPoints,
		&pattern, &pointsConfig, &conditions,
		&canCombine, &cannotCombine, &rule.DisplayOrder, &active,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Insured = domain.InsuranceType(insured)
	rule.PointsType = domain.PointsType(pointsType)
	rule.ConditionalPattern = domain.ConditionalPattern(pattern)
	rule.IsActive = active == 1
	if validTo.Valid {
		t := validTo.Time
		rule.ValidTo = &t
	}
	if pointsConfig.Valid && pointsConfig.String != "" && pointsConfig.String != "null" {
		if err := json.Unmarshal([]byte(pointsConfig.String), &rule.PointsConfig); err != nil {
			return nil, fmt.Errorf("failed to parse points config for %s: %w", rule.Code, err)
		}
	}
	if conditions.Valid && conditions.String != "" {
		if err := json.Unmarshal([]byte(conditions.String), &rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to parse conditions for %s: %w", rule.Code, err)
		}
	}
	if canCombine.Valid && canCombine.String != "" {
		json.Unmarshal([]byte(canCombine.String), &rule.CanCombineWith)
	}
	if cannotCombine.Valid && cannotCombine.String != "" {
		json.Unmarshal([]byte(cannotCombine.String), &rule.CannotCombineWith)
	}

	return &rule, nil
}

// SaveVisit stores a visit record with tenant isolation.
func (r *SQLRepository) SaveVisit(ctx context.Context, tenantID string, visit *domain.VisitRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(visit.Metadata)

	query := `
		INSERT INTO visits (
			id, tenant_id, patient_id, schedule_id, nurse_id,
			start_time, duration_minutes, insurance_type,
			is_second_visit, is_emergency, is_terminal_care, multiple_nurses,
			created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		visit.ID, tenantID, visit.PatientID, visit.ScheduleID, visit.NurseID,
		visit.StartTime, visit.DurationMinutes, string(visit.Insured),
		boolInt(visit.IsSecondVisit), boolInt(visit.IsEmergency),
		boolInt(visit.IsTerminalCare), boolInt(visit.MultipleNurses),
		visit.CreatedAt, string(metadata),
	)
	return err
}

// GetVisit retrieves a visit by ID with tenant isolation.
func (r *SQLRepository) GetVisit(ctx context.Context, tenantID, visitID string) (*domain.VisitRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, patient_id, schedule_id, nurse_id,
			   start_time, duration_minutes, insurance_type,
			   is_second_visit, is_emergency, is_terminal_care, multiple_nurses,
			   created_at, metadata
		FROM visits
		WHERE tenant_id = ? AND id = ?
	`

	var v domain.VisitRecord
	var insured, metadata string
	var second, emergency, terminal, multiple int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, visitID).Scan(
		&v.ID, &v.TenantID, &v.PatientID, &v.ScheduleID, &v.NurseID,
		&v.StartTime, &v.DurationMinutes, &insured,
		&second, &emergency, &terminal, &multiple,
		&v.CreatedAt, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.Insured = domain.InsuranceType(insured)
	v.IsSecondVisit = second == 1
	v.IsEmergency = emergency == 1
	v.IsTerminalCare = terminal == 1
	v.MultipleNurses = multiple == 1
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &v.Metadata)
	}

	return &v, nil
}

// CountVisitsInMonth counts a patient's visits within the calendar month of
// `before` that started strictly before it.
func (r *SQLRepository) CountVisitsInMonth(ctx context.Context, tenantID, patientID string, before time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	monthStart := time.Date(before.Year(), before.Month(), 1, 0, 0, 0, 0, before.Location())

	query := `
		SELECT COUNT(*) FROM visits
		WHERE tenant_id = ?
		  AND patient_id = ?
		  AND start_time >= ?
		  AND start_time < ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, patientID, monthStart, before).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SaveEvaluation stores an evaluation result with tenant isolation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, eval *domain.Evaluation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	applied, _ := json.Marshal(eval.Applied)
	suppressed, _ := json.Marshal(eval.Suppressed)
	diagnostics, _ := json.Marshal(eval.Diagnostics)
	metadata, _ := json.Marshal(eval.Metadata)

	query := `
		INSERT INTO evaluations (
			id, tenant_id, visit_id, total_points,
			applied, suppressed, diagnostics, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, tenantID, eval.VisitID, eval.TotalPoints,
		string(applied), string(suppressed), string(diagnostics),
		eval.Timestamp, string(metadata),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID with tenant isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID, evalID string) (*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, visit_id, total_points,
			   applied, suppressed, diagnostics, timestamp, metadata
		FROM evaluations
		WHERE tenant_id = ? AND id = ?
	`

	var eval domain.Evaluation
	var applied, suppressed, diagnostics, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID).Scan(
		&eval.ID, &eval.TenantID, &eval.VisitID, &eval.TotalPoints,
		&applied, &suppressed, &diagnostics, &eval.Timestamp, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(applied), &eval.Applied)
	json.Unmarshal([]byte(suppressed), &eval.Suppressed)
	json.Unmarshal([]byte(diagnostics), &eval.Diagnostics)
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	return &eval, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
