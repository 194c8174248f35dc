package nib

// Schema is idempotent; InitSchema runs it on every open. Triggers enforce
// the event log's no-update/no-delete invariant at the storage layer.
const schema = `
CREATE TABLE IF NOT EXISTS devices (
    device_id    TEXT PRIMARY KEY,
    temp_scan_id TEXT,
    ip_address   TEXT NOT NULL,
    mac_address  TEXT UNIQUE NOT NULL,
    hostname     TEXT,
    vendor       TEXT,
    device_type  TEXT,
    status       TEXT NOT NULL DEFAULT 'discovered',
    first_seen   TEXT,
    last_seen    TEXT,
    managed_by   TEXT,
    region       TEXT,
    version      INTEGER NOT NULL DEFAULT 0,
    metadata     TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS controllers (
    controller_id TEXT PRIMARY KEY,
    role          TEXT NOT NULL,
    region        TEXT,
    status        TEXT NOT NULL DEFAULT 'validating',
    validated_by  TEXT,
    validated_at  TEXT,
    public_key    TEXT,
    certificate   TEXT,
    capabilities  TEXT NOT NULL DEFAULT '[]',
    metadata      TEXT NOT NULL DEFAULT '{}',
    version       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS configs (
    config_id           TEXT PRIMARY KEY,
    device_id           TEXT NOT NULL,
    lines               TEXT NOT NULL,
    requester_id        TEXT,
    sensitivity         TEXT,
    state               TEXT NOT NULL DEFAULT 'DRAFT',
    approval_request_id TEXT,
    execution_token_id  TEXT,
    backup_id           TEXT,
    execution_result    TEXT,
    version             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS policies (
    policy_id  TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    rule_set   TEXT NOT NULL,
    scope      TEXT NOT NULL,
    active     INTEGER NOT NULL DEFAULT 1,
    created_by TEXT NOT NULL,
    created_at TEXT,
    updated_at TEXT,
    version    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS backups (
    backup_id   TEXT PRIMARY KEY,
    device_id   TEXT NOT NULL,
    lines       TEXT NOT NULL,
    captured_at TEXT NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS events (
    event_id      TEXT PRIMARY KEY,
    event_type    TEXT NOT NULL,
    actor_id      TEXT NOT NULL,
    resource_type TEXT,
    resource_id   TEXT,
    action        TEXT,
    result        TEXT,
    timestamp     TEXT NOT NULL,
    details       TEXT NOT NULL DEFAULT '{}',
    signature     TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS events_no_update
BEFORE UPDATE ON events
BEGIN
    SELECT RAISE(FAIL, 'event log is immutable');
END;

CREATE TRIGGER IF NOT EXISTS events_no_delete
BEFORE DELETE ON events
BEGIN
    SELECT RAISE(FAIL, 'event log is immutable');
END;

CREATE TABLE IF NOT EXISTS locks (
    lock_id     TEXT PRIMARY KEY,
    subject_id  TEXT NOT NULL,
    lock_type   TEXT NOT NULL,
    held_by     TEXT NOT NULL,
    acquired_at TEXT NOT NULL,
    expires_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_devices_mac       ON devices(mac_address);
CREATE INDEX IF NOT EXISTS idx_devices_region    ON devices(region);
CREATE INDEX IF NOT EXISTS idx_controllers_region ON controllers(region);
CREATE INDEX IF NOT EXISTS idx_configs_device    ON configs(device_id);
CREATE INDEX IF NOT EXISTS idx_backups_device    ON backups(device_id);
CREATE INDEX IF NOT EXISTS idx_events_type       ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_actor      ON events(actor_id);
CREATE INDEX IF NOT EXISTS idx_events_resource   ON events(resource_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_locks_key  ON locks(subject_id, lock_type);
`
