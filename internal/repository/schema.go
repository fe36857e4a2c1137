package repository

// Schema definitions for the perdiem database.
// Compatible with both SQLite and PostgreSQL.

const schemaEstimates = `
CREATE TABLE IF NOT EXISTS estimates (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    days INTEGER NOT NULL,
    miles DOUBLE PRECISION NOT NULL,
    receipts DOUBLE PRECISION NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    regime TEXT NOT NULL,
    path TEXT NOT NULL,
    policy_version TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    contributions TEXT,
    adjustments TEXT,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_estimates_tenant ON estimates(tenant_id);
CREATE INDEX IF NOT EXISTS idx_estimates_timestamp ON estimates(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_estimates_regime ON estimates(tenant_id, regime);
`

// schemaPolicies stores every submitted policy table verbatim.
// Versions are immutable once written.
const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    version TEXT PRIMARY KEY,
    description TEXT,
    body TEXT NOT NULL,
    checksum TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEstimates,
		schemaPolicies,
	}
}
