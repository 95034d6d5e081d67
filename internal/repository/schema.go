package repository

// Schema definitions for the decision log.
// Compatible with both SQLite and PostgreSQL.

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    verdict TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    fused_score DOUBLE PRECISION NOT NULL,
    sequence_score DOUBLE PRECISION NOT NULL,
    pointwise_score DOUBLE PRECISION NOT NULL,
    sequence_degraded INTEGER NOT NULL DEFAULT 0,
    store_degraded INTEGER NOT NULL DEFAULT 0,
    factors TEXT NOT NULL,
    rules_fired TEXT NOT NULL,
    velocity_count BIGINT,
    velocity_amount DOUBLE PRECISION,
    velocity_window_ms BIGINT,
    trace_id TEXT,
    engine_version TEXT NOT NULL,
    total_ms BIGINT NOT NULL,
    evaluated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_entity ON decisions(entity_id, evaluated_at);
CREATE INDEX IF NOT EXISTS idx_decisions_verdict ON decisions(verdict);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaDecisions,
	}
}
