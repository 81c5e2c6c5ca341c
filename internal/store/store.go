// Package store is the persistence and idempotency layer. Every write is an
// upsert keyed by the entity's natural uniqueness constraint, and counter or
// set fields mutate through atomic SQL so concurrent syncs touching the same
// row never lose updates.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/mirageops/mirage/api/schemas"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("not found")

// DBPool abstracts the pgxpool.Pool so the store can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides the PostgreSQL implementation of the repository contracts
// consumed by the merge engine, the classifier, and the syncer.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const riskLadder = `ARRAY['Low','Medium','High','Critical']`

const sqlUpsertAttacker = `
	INSERT INTO attackers (attacker_id, ip_address, entry_point, privilege, risk_level, campaign, first_seen, last_seen, dwell_minutes, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (attacker_id) DO UPDATE SET
		privilege = EXCLUDED.privilege,
		risk_level = CASE
			WHEN array_position(` + riskLadder + `, EXCLUDED.risk_level) > array_position(` + riskLadder + `, attackers.risk_level)
			THEN EXCLUDED.risk_level
			ELSE attackers.risk_level
		END,
		last_seen = GREATEST(attackers.last_seen, EXCLUDED.last_seen),
		dwell_minutes = GREATEST(attackers.dwell_minutes, EXCLUDED.dwell_minutes);
`

// UpsertAttacker persists an attacker record. Identity fields (entry point,
// campaign, first seen) are written once at creation and never overwritten;
// risk can only climb the ladder, never descend, even under concurrent syncs.
func (s *Store) UpsertAttacker(ctx context.Context, a *schemas.Attacker) error {
	_, err := s.pool.Exec(ctx, sqlUpsertAttacker,
		a.ID, a.IPAddress, a.EntryPoint, a.Privilege, string(a.Risk), a.Campaign,
		a.FirstSeen.UTC(), a.LastSeen.UTC(), a.DwellMinutes, string(a.Status))
	if err != nil {
		return fmt.Errorf("failed to upsert attacker %s: %w", a.ID, err)
	}
	return nil
}

// GetAttacker loads one attacker by canonical identity. Returns ErrNotFound
// when the attacker has never been observed.
func (s *Store) GetAttacker(ctx context.Context, attackerID string) (*schemas.Attacker, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT attacker_id, ip_address, entry_point, privilege, risk_level, campaign, first_seen, last_seen, dwell_minutes, status
		FROM attackers WHERE attacker_id = $1;
	`, attackerID)

	var a schemas.Attacker
	var risk, status string
	err := row.Scan(&a.ID, &a.IPAddress, &a.EntryPoint, &a.Privilege, &risk, &a.Campaign,
		&a.FirstSeen, &a.LastSeen, &a.DwellMinutes, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load attacker %s: %w", attackerID, err)
	}
	a.Risk = schemas.RiskLevel(risk)
	a.Status = schemas.AttackerStatus(status)
	return &a, nil
}

// RecentVisitExists reports whether an identical (attacker, description)
// event exists at or after the given cutoff. This bounds duplicate
// Discovery events when the same grow-only visit set is re-fetched.
func (s *Store) RecentVisitExists(ctx context.Context, attackerID, description string, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attack_events
			WHERE attacker_id = $1 AND description = $2 AND ts >= $3
		);
	`, attackerID, description, since.UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recent visit events: %w", err)
	}
	return exists, nil
}

const sqlInsertEvent = `
	INSERT INTO attack_events (event_id, ts, attacker_id, event_type, technique, tactic, description, source_host, target_host, command, severity, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (event_id) DO NOTHING;
`

// InsertEvent appends a derived event. Replays of the same event identifier
// are absorbed; the return value reports whether a row was actually written.
func (s *Store) InsertEvent(ctx context.Context, e *schemas.AttackEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, sqlInsertEvent,
		e.EventID, e.Timestamp.UTC(), e.AttackerID, string(e.Type), e.Technique, e.Tactic,
		e.Description, e.SourceHost, e.TargetHost, e.Command, string(e.Severity), string(e.Status))
	if err != nil {
		return false, fmt.Errorf("failed to insert event %s: %w", e.EventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

const sqlUpsertSessionEvent = `
	INSERT INTO attack_events (event_id, ts, attacker_id, event_type, technique, tactic, description, source_host, target_host, command, severity, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (event_id) DO UPDATE SET
		ts = EXCLUDED.ts,
		status = EXCLUDED.status;
`

// UpsertSessionEvent writes a session-derived event under its deterministic
// identifier so a re-delivered session entry converges on one row.
func (s *Store) UpsertSessionEvent(ctx context.Context, e *schemas.AttackEvent) error {
	_, err := s.pool.Exec(ctx, sqlUpsertSessionEvent,
		e.EventID, e.Timestamp.UTC(), e.AttackerID, string(e.Type), e.Technique, e.Tactic,
		e.Description, e.SourceHost, e.TargetHost, e.Command, string(e.Severity), string(e.Status))
	if err != nil {
		return fmt.Errorf("failed to upsert session event %s: %w", e.EventID, err)
	}
	return nil
}

const sqlTouchDecoyHost = `
	INSERT INTO decoy_hosts (hostname, interactions, last_interaction, attacker_ids)
	VALUES ($1, 1, $2, ARRAY[$3])
	ON CONFLICT (hostname) DO UPDATE SET
		interactions = decoy_hosts.interactions + 1,
		last_interaction = EXCLUDED.last_interaction,
		attacker_ids = CASE
			WHEN $3 = ANY(decoy_hosts.attacker_ids) THEN decoy_hosts.attacker_ids
			ELSE array_append(decoy_hosts.attacker_ids, $3)
		END;
`

// TouchDecoyHost records one interaction with a decoy: counter increment,
// last-interaction timestamp, and set-union of the attacker identity. The
// whole mutation is a single atomic statement.
func (s *Store) TouchDecoyHost(ctx context.Context, hostname, attackerID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, sqlTouchDecoyHost, hostname, at.UTC(), attackerID)
	if err != nil {
		return fmt.Errorf("failed to touch decoy host %s: %w", hostname, err)
	}
	return nil
}

// TouchCredential atomically bumps the usage counter of an existing
// (username, password, attacker) triple. Returns false when no such
// credential exists yet.
func (s *Store) TouchCredential(ctx context.Context, username, password, attackerID string, usedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials
		SET usage_count = usage_count + 1, last_used = $4
		WHERE username = $1 AND password = $2 AND attacker_id = $3;
	`, username, password, attackerID, usedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to touch credential for %s: %w", attackerID, err)
	}
	return tag.RowsAffected() > 0, nil
}

const sqlInsertCredential = `
	INSERT INTO credentials (credential_id, username, password, source, attacker_id, decoy_host, first_seen, usage_count, last_used, status, risk_score)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (username, password, attacker_id) DO UPDATE SET
		usage_count = credentials.usage_count + 1,
		last_used = EXCLUDED.first_seen;
`

// InsertCredential stores a newly observed credential. If a concurrent sync
// inserted the same triple between the caller's existence check and this
// call, the conflict clause degrades the insert into a usage bump.
func (s *Store) InsertCredential(ctx context.Context, c *schemas.Credential) error {
	var lastUsed any
	if c.LastUsed != nil {
		lastUsed = c.LastUsed.UTC()
	}
	_, err := s.pool.Exec(ctx, sqlInsertCredential,
		c.CredentialID, c.Username, c.Password, c.Source, c.AttackerID, c.DecoyHost,
		c.FirstSeen.UTC(), c.UsageCount, lastUsed, c.Status, c.RiskScore)
	if err != nil {
		return fmt.Errorf("failed to insert credential for %s: %w", c.AttackerID, err)
	}
	return nil
}

// InsertMovement appends a lateral-movement record.
func (s *Store) InsertMovement(ctx context.Context, m *schemas.LateralMovement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lateral_movements (movement_id, attacker_id, ts, source_host, target_host, technique, method, successful)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (movement_id) DO NOTHING;
	`, m.MovementID, m.AttackerID, m.Timestamp.UTC(), m.SourceHost, m.TargetHost, m.Technique, m.Method, m.Successful)
	if err != nil {
		return fmt.Errorf("failed to insert lateral movement %s: %w", m.MovementID, err)
	}
	return nil
}

const sqlUpsertNodeStatus = `
	INSERT INTO node_status (node_name, hostname, status, ip, last_seen, replica_stats, containers)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (node_name) DO UPDATE SET
		hostname = EXCLUDED.hostname,
		status = EXCLUDED.status,
		ip = EXCLUDED.ip,
		last_seen = EXCLUDED.last_seen,
		replica_stats = EXCLUDED.replica_stats,
		containers = EXCLUDED.containers;
`

// UpsertNodeStatus records the liveness/inventory snapshot for a node.
func (s *Store) UpsertNodeStatus(ctx context.Context, ns *schemas.NodeStatus) error {
	replica, err := json.Marshal(ns.Replica)
	if err != nil {
		return fmt.Errorf("failed to marshal replica stats for %s: %w", ns.Name, err)
	}
	containers, err := json.Marshal(ns.Containers)
	if err != nil {
		return fmt.Errorf("failed to marshal containers for %s: %w", ns.Name, err)
	}
	_, err = s.pool.Exec(ctx, sqlUpsertNodeStatus,
		ns.Name, ns.Hostname, ns.Status, ns.IP, ns.LastSeen.UTC(), replica, containers)
	if err != nil {
		return fmt.Errorf("failed to upsert node status %s: %w", ns.Name, err)
	}
	return nil
}

// ListAttackers returns all attackers ordered by most recent activity.
func (s *Store) ListAttackers(ctx context.Context) ([]schemas.Attacker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attacker_id, ip_address, entry_point, privilege, risk_level, campaign, first_seen, last_seen, dwell_minutes, status
		FROM attackers ORDER BY last_seen DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query attackers: %w", err)
	}
	defer rows.Close()

	var out []schemas.Attacker
	for rows.Next() {
		var a schemas.Attacker
		var risk, status string
		if err := rows.Scan(&a.ID, &a.IPAddress, &a.EntryPoint, &a.Privilege, &risk, &a.Campaign,
			&a.FirstSeen, &a.LastSeen, &a.DwellMinutes, &status); err != nil {
			return nil, fmt.Errorf("failed to scan attacker row: %w", err)
		}
		a.Risk = schemas.RiskLevel(risk)
		a.Status = schemas.AttackerStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

// EventsByAttacker returns the newest events for one attacker, capped at
// limit (<=0 means a sane default).
func (s *Store) EventsByAttacker(ctx context.Context, attackerID string, limit int) ([]schemas.AttackEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, ts, attacker_id, event_type, technique, tactic, description, source_host, target_host, command, severity, status
		FROM attack_events WHERE attacker_id = $1
		ORDER BY ts DESC LIMIT $2;
	`, attackerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []schemas.AttackEvent
	for rows.Next() {
		var e schemas.AttackEvent
		var typ, severity, status string
		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.AttackerID, &typ, &e.Technique, &e.Tactic,
			&e.Description, &e.SourceHost, &e.TargetHost, &e.Command, &severity, &status); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Type = schemas.EventType(typ)
		e.Severity = schemas.Severity(severity)
		e.Status = schemas.EventStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CredentialsByAttacker returns the stolen credentials attributed to one
// attacker, most recently seen first.
func (s *Store) CredentialsByAttacker(ctx context.Context, attackerID string) ([]schemas.Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT credential_id, username, password, source, attacker_id, decoy_host, first_seen, usage_count, last_used, status, risk_score
		FROM credentials WHERE attacker_id = $1
		ORDER BY first_seen DESC;
	`, attackerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var out []schemas.Credential
	for rows.Next() {
		var c schemas.Credential
		if err := rows.Scan(&c.CredentialID, &c.Username, &c.Password, &c.Source, &c.AttackerID,
			&c.DecoyHost, &c.FirstSeen, &c.UsageCount, &c.LastUsed, &c.Status, &c.RiskScore); err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDecoyHosts returns interaction counters for every decoy touched so far.
func (s *Store) ListDecoyHosts(ctx context.Context) ([]schemas.DecoyHost, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hostname, interactions, last_interaction, attacker_ids
		FROM decoy_hosts ORDER BY interactions DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query decoy hosts: %w", err)
	}
	defer rows.Close()

	var out []schemas.DecoyHost
	for rows.Next() {
		var d schemas.DecoyHost
		if err := rows.Scan(&d.Hostname, &d.Interactions, &d.LastInteraction, &d.AttackerIDs); err != nil {
			return nil, fmt.Errorf("failed to scan decoy host row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListNodeStatus returns the latest liveness record per node.
func (s *Store) ListNodeStatus(ctx context.Context) ([]schemas.NodeStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_name, hostname, status, ip, last_seen, replica_stats, containers
		FROM node_status ORDER BY node_name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query node status: %w", err)
	}
	defer rows.Close()

	var out []schemas.NodeStatus
	for rows.Next() {
		var ns schemas.NodeStatus
		var replica, containers []byte
		if err := rows.Scan(&ns.Name, &ns.Hostname, &ns.Status, &ns.IP, &ns.LastSeen, &replica, &containers); err != nil {
			return nil, fmt.Errorf("failed to scan node status row: %w", err)
		}
		if len(replica) > 0 && string(replica) != "null" {
			if err := json.Unmarshal(replica, &ns.Replica); err != nil {
				return nil, fmt.Errorf("failed to unmarshal replica stats: %w", err)
			}
		}
		if len(containers) > 0 && string(containers) != "null" {
			if err := json.Unmarshal(containers, &ns.Containers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal containers: %w", err)
			}
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}
