package sqlite

import "github.com/steveyegge/recon/internal/storage/migrations"

// Migrations returns the schema migrations for the reconciliation store
func Migrations() *migrations.Manager {
	m := migrations.NewManager()
	m.Register(migrations.Migration{
		Version:     1,
		Description: "Core reconciliation tables",
		Up:          schemaV1,
	})
	m.Register(migrations.Migration{
		Version:     2,
		Description: "Append-only audit trail",
		Up: `
			CREATE TRIGGER IF NOT EXISTS audit_events_no_update
			BEFORE UPDATE ON audit_events
			BEGIN
				SELECT RAISE(ABORT, 'audit_events is append-only');
			END;

			CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
			BEFORE DELETE ON audit_events
			BEGIN
				SELECT RAISE(ABORT, 'audit_events is append-only');
			END;
		`,
	})
	m.Register(migrations.Migration{
		Version:     3,
		Description: "Index pending changes by last status write for expiry",
		Up:          `CREATE INDEX IF NOT EXISTS idx_changes_updated ON pending_changes(status, updated_at);`,
	})
	return m
}

const schemaV1 = `
-- Facts: one row per version. A version is never updated except to clear active.
CREATE TABLE IF NOT EXISTS facts (
    id TEXT PRIMARY KEY,
    deal_id TEXT NOT NULL,
    domain TEXT NOT NULL CHECK(domain IN ('applications', 'infrastructure', 'organization', 'security')),
    entity TEXT NOT NULL CHECK(entity IN ('target', 'buyer')),
    category TEXT NOT NULL DEFAULT '',
    item TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '{}',
    evidence TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL CHECK(confidence >= 0 AND confidence <= 1),
    source_doc_id TEXT NOT NULL DEFAULT '',
    authority_level INTEGER NOT NULL DEFAULT 0 CHECK(authority_level >= 0),
    checksum TEXT NOT NULL,
    previous_version_id TEXT REFERENCES facts(id),
    version INTEGER NOT NULL DEFAULT 1 CHECK(version >= 1),
    active INTEGER NOT NULL DEFAULT 1,
    footnotes TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL
);

-- A version has at most one successor, so chains never branch
CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_successor ON facts(previous_version_id)
    WHERE previous_version_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_facts_scope ON facts(deal_id, domain, entity, active);
CREATE INDEX IF NOT EXISTS idx_facts_source ON facts(deal_id, source_doc_id);

-- Consolidated risks
CREATE TABLE IF NOT EXISTS consolidated_risks (
    id TEXT PRIMARY KEY,
    deal_id TEXT NOT NULL,
    domain TEXT NOT NULL,
    entity TEXT NOT NULL CHECK(entity IN ('target', 'buyer')),
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL CHECK(severity IN ('low', 'medium', 'high', 'critical')),
    child_finding_ids TEXT NOT NULL,
    supporting_fact_ids TEXT NOT NULL,
    key_systems TEXT NOT NULL,
    provenance TEXT NOT NULL,
    grouping_confidence REAL NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1 CHECK(version >= 1),
    active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_consolidated_scope ON consolidated_risks(deal_id, domain, entity, active);

-- Snapshot of every consolidated risk version
CREATE TABLE IF NOT EXISTS consolidated_risk_history (
    risk_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (risk_id, version),
    FOREIGN KEY (risk_id) REFERENCES consolidated_risks(id) ON DELETE CASCADE
);

-- Findings
CREATE TABLE IF NOT EXISTS findings (
    id TEXT PRIMARY KEY,
    deal_id TEXT NOT NULL,
    domain TEXT NOT NULL CHECK(domain IN ('applications', 'infrastructure', 'organization', 'security')),
    entity TEXT NOT NULL CHECK(entity IN ('target', 'buyer')),
    kind TEXT NOT NULL CHECK(kind IN ('risk', 'gap', 'observation')),
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    evidence_quotes TEXT NOT NULL DEFAULT '[]',
    key_systems TEXT NOT NULL DEFAULT '[]',
    source_doc_ids TEXT NOT NULL DEFAULT '[]',
    question TEXT NOT NULL DEFAULT '',
    important INTEGER NOT NULL DEFAULT 0,
    downgrade_reason TEXT NOT NULL DEFAULT '',
    consolidated_risk_id TEXT REFERENCES consolidated_risks(id) ON DELETE SET NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_scope ON findings(deal_id, domain, entity, kind);
CREATE INDEX IF NOT EXISTS idx_findings_consolidated ON findings(consolidated_risk_id);

-- Fact to finding links. fact_id may name a fact still awaiting review.
CREATE TABLE IF NOT EXISTS fact_finding_links (
    finding_id TEXT NOT NULL,
    fact_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (finding_id, fact_id),
    FOREIGN KEY (finding_id) REFERENCES findings(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_links_fact ON fact_finding_links(fact_id);

-- Pending changes
CREATE TABLE IF NOT EXISTS pending_changes (
    id TEXT PRIMARY KEY,
    deal_id TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('new', 'update', 'conflict', 'removal')),
    target_type TEXT NOT NULL CHECK(target_type IN ('fact', 'finding')),
    target_id TEXT NOT NULL DEFAULT '',
    base_version INTEGER NOT NULL DEFAULT 0,
    old_value TEXT,
    new_value TEXT,
    tier INTEGER NOT NULL CHECK(tier IN (1, 2, 3)),
    status TEXT NOT NULL CHECK(status IN ('pending', 'accepted', 'rejected', 'deferred')),
    rule TEXT NOT NULL DEFAULT '',
    resolution_note TEXT NOT NULL DEFAULT '',
    resolved_by TEXT NOT NULL DEFAULT '',
    deferred_until TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    resolved_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_changes_queue ON pending_changes(deal_id, tier, status);
CREATE INDEX IF NOT EXISTS idx_changes_created ON pending_changes(status, created_at);

-- Audit trail
CREATE TABLE IF NOT EXISTS audit_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    deal_id TEXT NOT NULL,
    target_type TEXT NOT NULL DEFAULT '',
    target_id TEXT NOT NULL DEFAULT '',
    change_id TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    tier INTEGER NOT NULL DEFAULT 0,
    actor TEXT NOT NULL,
    old_value TEXT,
    new_value TEXT,
    comment TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_deal ON audit_events(deal_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_events(target_id);

-- Config table (key-value store)
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
