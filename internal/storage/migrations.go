package storage

import (
	"context"
	"fmt"
	"strings"
)

// schema is written for PostgreSQL; SQLite gets the same tables with its
// own column types.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS gateway_counters (
        gateway_id BYTEA PRIMARY KEY,
        rx_ok BIGINT NOT NULL DEFAULT 0,
        crc_errors BIGINT NOT NULL DEFAULT 0,
        tx_ok BIGINT NOT NULL DEFAULT 0,
        tx_failed BIGINT NOT NULL DEFAULT 0,
        boots BIGINT NOT NULL DEFAULT 0,
        resets BIGINT NOT NULL DEFAULT 0,
        per_sf TEXT NOT NULL DEFAULT '[]',
        updated_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS packet_history (
        id TEXT PRIMARY KEY,
        created_at TIMESTAMPTZ NOT NULL,
        gateway_id BYTEA NOT NULL,
        received_at TIMESTAMPTZ NOT NULL,
        tmst BIGINT NOT NULL DEFAULT 0,
        dev_addr BYTEA,
        mtype TEXT NOT NULL,
        channel_index SMALLINT NOT NULL DEFAULT 0,
        frequency BIGINT NOT NULL,
        spreading_factor SMALLINT NOT NULL,
        rssi SMALLINT NOT NULL,
        channel_rssi SMALLINT NOT NULL DEFAULT 0,
        snr REAL NOT NULL,
        size INTEGER NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_packet_history_gateway_time
        ON packet_history (gateway_id, received_at)`,
	`CREATE TABLE IF NOT EXISTS event_logs (
        id TEXT PRIMARY KEY,
        created_at TIMESTAMPTZ NOT NULL,
        gateway_id BYTEA,
        type TEXT NOT NULL,
        level TEXT NOT NULL,
        code TEXT NOT NULL DEFAULT '',
        description TEXT NOT NULL DEFAULT '',
        details JSONB
    )`,
	`CREATE INDEX IF NOT EXISTS idx_event_logs_created_at ON event_logs (created_at)`,
}

var sqliteTypes = strings.NewReplacer(
	"BYTEA", "BLOB",
	"TIMESTAMPTZ", "TIMESTAMP",
	"JSONB", "TEXT",
	"SMALLINT", "INTEGER",
)

func (s *SQLStore) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if s.driver == DriverSQLite {
			stmt = sqliteTypes.Replace(stmt)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
