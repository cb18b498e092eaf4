package postgres

// schema creates the reduction tables. Record lookups are served by the
// (log_id, message_type, timestamp) and (log_id, storage_strategy) indexes
// and the GIN index on phase_tags.
const schema = `
CREATE TABLE IF NOT EXISTS flight_logs (
    log_id      TEXT PRIMARY KEY,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    records     INTEGER NOT NULL DEFAULT 0,
    reported    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS smart_telemetry (
    log_id           TEXT NOT NULL REFERENCES flight_logs(log_id) ON DELETE CASCADE,
    seq              BIGINT NOT NULL,
    message_type     VARCHAR(64) NOT NULL,
    timestamp        DOUBLE PRECISION NOT NULL,
    data             JSONB NOT NULL,
    storage_strategy VARCHAR(32) NOT NULL,
    sampling_index   INTEGER,
    phase_tags       TEXT[],
    backfilled       BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (log_id, seq)
);

CREATE TABLE IF NOT EXISTS flight_statistics (
    log_id         TEXT NOT NULL REFERENCES flight_logs(log_id) ON DELETE CASCADE,
    statistic_type VARCHAR(64) NOT NULL,
    value          DOUBLE PRECISION NOT NULL,
    unit           VARCHAR(32) NOT NULL,
    PRIMARY KEY (log_id, statistic_type)
);

CREATE TABLE IF NOT EXISTS flight_phases (
    log_id        TEXT NOT NULL REFERENCES flight_logs(log_id) ON DELETE CASCADE,
    track         VARCHAR(32) NOT NULL,
    phase_name    VARCHAR(64) NOT NULL,
    start_time    DOUBLE PRECISION NOT NULL,
    end_time      DOUBLE PRECISION NOT NULL,
    key_events    JSONB,
    summary_stats JSONB,
    PRIMARY KEY (log_id, track, phase_name, start_time)
);

CREATE TABLE IF NOT EXISTS message_summaries (
    log_id           TEXT NOT NULL REFERENCES flight_logs(log_id) ON DELETE CASCADE,
    message_type     VARCHAR(64) NOT NULL,
    category         VARCHAR(16) NOT NULL,
    total_count      INTEGER NOT NULL,
    stored_count     INTEGER NOT NULL,
    sample_rate      DOUBLE PRECISION NOT NULL,
    time_range_start DOUBLE PRECISION NOT NULL,
    time_range_end   DOUBLE PRECISION NOT NULL,
    key_statistics   JSONB,
    PRIMARY KEY (log_id, message_type)
);

CREATE INDEX IF NOT EXISTS idx_smart_telemetry_log_type_time
    ON smart_telemetry (log_id, message_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_smart_telemetry_strategy
    ON smart_telemetry (log_id, storage_strategy);
CREATE INDEX IF NOT EXISTS idx_smart_telemetry_phases
    ON smart_telemetry USING GIN (phase_tags);
`
