package observability

// Schema is the DDL for the observability tables. The database is separate
// from any application data to avoid write contention. Open the database
// with dbopen.Open(path, dbopen.WithSchema(observability.Schema)).
const Schema = `
-- Export Logs: one row per finished render attempt
CREATE TABLE IF NOT EXISTS export_logs (
    log_id TEXT PRIMARY KEY DEFAULT ('exp_' || hex(randomblob(16))),
    request_id TEXT NOT NULL,
    worker TEXT,
    format TEXT NOT NULL,
    from_svg INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER,
    error_message TEXT,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_export_logs_time ON export_logs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_export_logs_status ON export_logs(status, created_at DESC);

-- Metrics Timeseries: pool occupancy, render counters, runtime samples
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);

-- Metadata registry
CREATE TABLE IF NOT EXISTS _observability_metadata (
    table_name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    description TEXT
);
INSERT OR IGNORE INTO _observability_metadata (table_name, description) VALUES
    ('export_logs', 'Per-render outcome log'),
    ('metrics_timeseries', 'Timeseries metric datapoints');
`
