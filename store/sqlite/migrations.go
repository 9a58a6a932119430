package sqlite

// schema holds the DDL applied by Migrate. All statements are
// idempotent so Migrate can run on every start.
const schema = `
CREATE TABLE IF NOT EXISTS admission_subscriptions (
    principal_id         TEXT PRIMARY KEY,
    id                   TEXT NOT NULL,
    tier                 TEXT NOT NULL DEFAULT 'free',
    status               TEXT NOT NULL DEFAULT 'active',
    current_period_start TEXT NOT NULL DEFAULT (datetime('now')),
    current_period_end   TEXT NOT NULL DEFAULT (datetime('now')),
    trial_start          TEXT,
    trial_end            TEXT,
    canceled_at          TEXT,
    provider_id          TEXT NOT NULL DEFAULT '',
    metadata             TEXT NOT NULL DEFAULT '{}',
    created_at           TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at           TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_admission_subs_status ON admission_subscriptions (status);

CREATE TABLE IF NOT EXISTS admission_balances (
    principal_id TEXT NOT NULL,
    period       TEXT NOT NULL,
    credit_limit INTEGER NOT NULL DEFAULT 0,
    used         INTEGER NOT NULL DEFAULT 0,
    remaining    INTEGER NOT NULL DEFAULT 0,
    created_at   TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at   TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (principal_id, period),
    CHECK (credit_limit = -1 OR remaining >= 0)
);

CREATE TABLE IF NOT EXISTS admission_usage_events (
    id           TEXT PRIMARY KEY,
    principal_id TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    cost         INTEGER NOT NULL DEFAULT 0,
    timestamp    TEXT NOT NULL,
    success      INTEGER NOT NULL DEFAULT 1,
    endpoint     TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    metadata     TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_admission_events_principal ON admission_usage_events (principal_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_admission_events_type ON admission_usage_events (principal_id, event_type);
`
