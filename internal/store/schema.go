package store

import (
	"context"
	"fmt"
)

// schemaStatements creates the tables the core writes to. Everything is
// IF NOT EXISTS so bootstrap is idempotent across restarts.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS attackers (
		attacker_id   TEXT PRIMARY KEY,
		ip_address    TEXT NOT NULL,
		entry_point   TEXT NOT NULL,
		privilege     TEXT NOT NULL DEFAULT 'User',
		risk_level    TEXT NOT NULL DEFAULT 'Medium',
		campaign      TEXT NOT NULL DEFAULT 'Opportunistic',
		first_seen    TIMESTAMPTZ NOT NULL,
		last_seen     TIMESTAMPTZ NOT NULL,
		dwell_minutes INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL DEFAULT 'Active'
	);`,
	`CREATE TABLE IF NOT EXISTS attack_events (
		event_id    TEXT PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL,
		attacker_id TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		technique   TEXT NOT NULL,
		tactic      TEXT NOT NULL,
		description TEXT NOT NULL,
		source_host TEXT NOT NULL,
		target_host TEXT NOT NULL,
		command     TEXT NOT NULL DEFAULT '',
		severity    TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'Detected'
	);`,
	`CREATE INDEX IF NOT EXISTS attack_events_attacker_ts_idx
		ON attack_events (attacker_id, ts DESC);`,
	`CREATE INDEX IF NOT EXISTS attack_events_dedup_idx
		ON attack_events (attacker_id, description, ts);`,
	`CREATE TABLE IF NOT EXISTS credentials (
		credential_id TEXT NOT NULL,
		username      TEXT NOT NULL,
		password      TEXT NOT NULL,
		source        TEXT NOT NULL,
		attacker_id   TEXT NOT NULL,
		decoy_host    TEXT NOT NULL,
		first_seen    TIMESTAMPTZ NOT NULL,
		usage_count   INTEGER NOT NULL DEFAULT 0,
		last_used     TIMESTAMPTZ,
		status        TEXT NOT NULL DEFAULT 'Stolen',
		risk_score    INTEGER NOT NULL DEFAULT 50,
		PRIMARY KEY (username, password, attacker_id)
	);`,
	`CREATE TABLE IF NOT EXISTS lateral_movements (
		movement_id TEXT PRIMARY KEY,
		attacker_id TEXT NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		source_host TEXT NOT NULL,
		target_host TEXT NOT NULL,
		technique   TEXT NOT NULL,
		method      TEXT NOT NULL,
		successful  BOOLEAN NOT NULL DEFAULT FALSE
	);`,
	`CREATE TABLE IF NOT EXISTS decoy_hosts (
		hostname         TEXT PRIMARY KEY,
		interactions     INTEGER NOT NULL DEFAULT 0,
		last_interaction TIMESTAMPTZ,
		attacker_ids     TEXT[] NOT NULL DEFAULT '{}'
	);`,
	`CREATE TABLE IF NOT EXISTS node_status (
		node_name     TEXT PRIMARY KEY,
		hostname      TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'unknown',
		ip            TEXT NOT NULL DEFAULT '',
		last_seen     TIMESTAMPTZ NOT NULL,
		replica_stats JSONB,
		containers    JSONB
	);`,
}

// EnsureSchema creates any missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	s.log.Info("Database schema verified")
	return nil
}
