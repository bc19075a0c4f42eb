package repository

// Schema definitions for the ChainGuard database.
// Compatible with both SQLite and PostgreSQL.

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    category TEXT NOT NULL,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    requires TEXT NOT NULL,
    weight INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    status TEXT NOT NULL,
    digest TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    total INTEGER NOT NULL,
    processed INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    report TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_runs_digest ON runs(tenant_id, fingerprint, digest);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    row_index INTEGER NOT NULL,
    tx_id TEXT NOT NULL,
    score INTEGER NOT NULL,
    raw_score INTEGER NOT NULL DEFAULT 0,
    band TEXT NOT NULL,
    trace TEXT NOT NULL,
    clamps TEXT,
    warnings TEXT,
    summary TEXT NOT NULL,
    evaluated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, row_index)
);

CREATE INDEX IF NOT EXISTS idx_assessments_tenant ON assessments(tenant_id, run_id);
CREATE INDEX IF NOT EXISTS idx_assessments_band ON assessments(tenant_id, run_id, band);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuleConfigs,
		schemaRuns,
		schemaAssessments,
	}
}
