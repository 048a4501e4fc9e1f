package repository

// Schema definitions for the Kasan database.
// Compatible with both SQLite and PostgreSQL.

const schemaBonusRules = `
CREATE TABLE IF NOT EXISTS bonus_rules (
    code TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    version TEXT NOT NULL,
    name TEXT NOT NULL,
    category TEXT,
    insurance_type TEXT NOT NULL,
    valid_from TIMESTAMP NOT NULL,
    valid_to TIMESTAMP,
    points_type TEXT NOT NULL,
    fixed_points INTEGER NOT NULL DEFAULT 0,
    conditional_pattern TEXT,
    points_config TEXT,
    conditions TEXT NOT NULL,
    can_combine TEXT,
    cannot_combine TEXT,
    display_order INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (code, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_bonus_rules_tenant ON bonus_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_bonus_rules_active ON bonus_rules(tenant_id, is_active);
CREATE INDEX IF NOT EXISTS idx_bonus_rules_insurance ON bonus_rules(tenant_id, insurance_type);
`

const schemaVisits = `
CREATE TABLE IF NOT EXISTS visits (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    patient_id TEXT NOT NULL,
    schedule_id TEXT,
    nurse_id TEXT,
    start_time TIMESTAMP NOT NULL,
    duration_minutes INTEGER NOT NULL,
    insurance_type TEXT NOT NULL,
    is_second_visit INTEGER NOT NULL DEFAULT 0,
    is_emergency INTEGER NOT NULL DEFAULT 0,
    is_terminal_care INTEGER NOT NULL DEFAULT 0,
    multiple_nurses INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_visits_tenant ON visits(tenant_id);
CREATE INDEX IF NOT EXISTS idx_visits_patient ON visits(tenant_id, patient_id, start_time);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    visit_id TEXT NOT NULL,
    total_points INTEGER NOT NULL,
    applied TEXT NOT NULL,
    suppressed TEXT,
    diagnostics TEXT,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tenant ON evaluations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_visit ON evaluations(tenant_id, visit_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_timestamp ON evaluations(tenant_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaBonusRules,
		schemaVisits,
		schemaEvaluations,
	}
}
