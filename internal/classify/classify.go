// Package classify derives attack events and their side effects from merged
// snapshot state: decoy visits, recorded actions, stolen credentials, and
// active sessions. Every derived row carries an identifier that makes
// replaying the same snapshot converge instead of duplicating.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/mirageops/mirage/api/schemas"
	"github.com/mirageops/mirage/internal/bus"
	"github.com/mirageops/mirage/internal/infer"
)

// Repository is the slice of the persistence layer the classifier writes
// through.
type Repository interface {
	RecentVisitExists(ctx context.Context, attackerID, description string, since time.Time) (bool, error)
	InsertEvent(ctx context.Context, e *schemas.AttackEvent) (bool, error)
	UpsertSessionEvent(ctx context.Context, e *schemas.AttackEvent) error
	TouchDecoyHost(ctx context.Context, hostname, attackerID string, at time.Time) error
	TouchCredential(ctx context.Context, username, password, attackerID string, usedAt time.Time) (bool, error)
	InsertCredential(ctx context.Context, c *schemas.Credential) error
	InsertMovement(ctx context.Context, m *schemas.LateralMovement) error
}

// Publisher receives change notifications for every newly derived event.
type Publisher interface {
	Publish(msgType bus.Type, payload any)
}

// Classifier turns snapshot sub-state into persisted events. The dedup cache
// in front of the store absorbs the common case of re-fetching an unchanged
// grow-only set without a database round trip.
type Classifier struct {
	repo        Repository
	pub         Publisher
	log         *zap.Logger
	dedupWindow time.Duration
	seen        *lru.LRU[string, struct{}]
	now         func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithClock overrides the classifier's time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// New builds a classifier. dedupWindow bounds duplicate visit events;
// cacheSize bounds the in-memory fast path in front of the store check.
func New(repo Repository, pub Publisher, logger *zap.Logger, dedupWindow time.Duration, cacheSize int, opts ...Option) *Classifier {
	if dedupWindow <= 0 {
		dedupWindow = time.Minute
	}
	if cacheSize < 1 {
		cacheSize = 1024
	}
	c := &Classifier{
		repo:        repo,
		pub:         pub,
		log:         logger.Named("classify"),
		dedupWindow: dedupWindow,
		seen:        lru.NewLRU[string, struct{}](cacheSize, nil, dedupWindow),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// eventID derives a stable identifier from the parts that make the
// observation unique, so re-deliveries conflict instead of duplicating.
func eventID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "evt-" + hex.EncodeToString(sum[:])[:32]
}

// entryTime converts a snapshot epoch-seconds timestamp, falling back to the
// classifier clock when the node reported none.
func (c *Classifier) entryTime(epochSeconds int64) time.Time {
	if epochSeconds <= 0 {
		return c.now().UTC()
	}
	return time.Unix(epochSeconds, 0).UTC()
}

func (c *Classifier) publishEvent(e *schemas.AttackEvent) {
	if c.pub != nil {
		c.pub.Publish(bus.TypeNewEvent, e)
	}
}

// VisitEvents emits one Discovery event per decoy the attacker has visited,
// suppressing repeats of the same (attacker, decoy) pair inside the dedup
// window. Each emitted visit also touches the decoy's interaction counters.
// Returns the number of events emitted.
func (c *Classifier) VisitEvents(ctx context.Context, attacker *schemas.Attacker, st schemas.AttackerState) (int, error) {
	now := c.now().UTC()
	emitted := 0
	for _, decoy := range st.VisitedDecoys.Distinct() {
		description := "Attacker visited " + decoy
		key := attacker.ID + "|" + description

		if _, ok := c.seen.Get(key); ok {
			continue
		}
		recent, err := c.repo.RecentVisitExists(ctx, attacker.ID, description, now.Add(-c.dedupWindow))
		if err != nil {
			return emitted, fmt.Errorf("failed to dedup visit on %s: %w", decoy, err)
		}
		if recent {
			c.seen.Add(key, struct{}{})
			continue
		}

		event := &schemas.AttackEvent{
			EventID:     "evt-" + uuid.New().String(),
			Timestamp:   now,
			AttackerID:  attacker.ID,
			Type:        schemas.EventDiscovery,
			Technique:   "T1083",
			Tactic:      schemas.TacticForType(schemas.EventDiscovery),
			Description: description,
			SourceHost:  attacker.IPAddress,
			TargetHost:  decoy,
			Severity:    schemas.SeverityLow,
			Status:      schemas.StatusDetected,
		}
		inserted, err := c.repo.InsertEvent(ctx, event)
		if err != nil {
			return emitted, fmt.Errorf("failed to insert visit event for %s: %w", decoy, err)
		}
		if !inserted {
			continue
		}
		if err := c.repo.TouchDecoyHost(ctx, decoy, attacker.ID, now); err != nil {
			return emitted, fmt.Errorf("failed to touch decoy %s: %w", decoy, err)
		}
		c.seen.Add(key, struct{}{})
		c.publishEvent(event)
		emitted++
	}
	return emitted, nil
}

// classifyAction maps free-form action text to its event type, ATT&CK
// technique, and severity. Precedence is fixed: the first matching bucket
// wins.
func classifyAction(action string) (schemas.EventType, string, schemas.Severity) {
	lower := strings.ToLower(action)
	switch {
	case strings.Contains(lower, "mimikatz") || strings.Contains(lower, "credential"):
		return schemas.EventCredentialTheft, "T1003", schemas.SeverityCritical
	case strings.Contains(lower, "lateral") || strings.Contains(lower, "ssh") || strings.Contains(lower, "rdp"):
		return schemas.EventLateralMovement, "T1021", schemas.SeverityHigh
	case strings.Contains(lower, "exfil") || strings.Contains(lower, "download"):
		return schemas.EventDataExfiltration, "T1041", schemas.SeverityCritical
	case strings.Contains(lower, "privilege") || strings.Contains(lower, "sudo") || strings.Contains(lower, "admin"):
		return schemas.EventPrivilegeEscalation, "T1078", schemas.SeverityHigh
	default:
		return schemas.EventCommandExecution, "T1059", schemas.SeverityMedium
	}
}

// ActionEvents emits one classified event per recorded action. The event
// identifier is derived from the action tuple itself, so the last-writer-wins
// map re-delivering an unchanged entry is a no-op. Lateral movement actions
// additionally produce a movement record. Returns the number of events
// emitted.
func (c *Classifier) ActionEvents(ctx context.Context, attacker *schemas.Attacker, st schemas.AttackerState) (int, error) {
	emitted := 0
	for _, decoy := range st.Actions.Keys() {
		entry := st.Actions.Entries[decoy]
		if entry.Action == "" {
			// Malformed wire tuple decoded to the zero entry.
			continue
		}
		eventType, technique, severity := classifyAction(entry.Action)
		ts := c.entryTime(entry.Timestamp)
		id := eventID("action", attacker.ID, decoy, entry.Action, strconv.FormatInt(entry.Timestamp, 10))

		event := &schemas.AttackEvent{
			EventID:     id,
			Timestamp:   ts,
			AttackerID:  attacker.ID,
			Type:        eventType,
			Technique:   technique,
			Tactic:      schemas.TacticForType(eventType),
			Description: entry.Action,
			SourceHost:  attacker.IPAddress,
			TargetHost:  decoy,
			Command:     entry.Action,
			Severity:    severity,
			Status:      schemas.StatusDetected,
		}
		inserted, err := c.repo.InsertEvent(ctx, event)
		if err != nil {
			return emitted, fmt.Errorf("failed to insert action event on %s: %w", decoy, err)
		}
		if !inserted {
			continue
		}

		if eventType == schemas.EventLateralMovement {
			movement := &schemas.LateralMovement{
				MovementID: "mov-" + strings.TrimPrefix(id, "evt-"),
				AttackerID: attacker.ID,
				Timestamp:  ts,
				SourceHost: attacker.IPAddress,
				TargetHost: decoy,
				Technique:  technique,
				Method:     infer.Method(entry.Action),
				Successful: true,
			}
			if err := c.repo.InsertMovement(ctx, movement); err != nil {
				return emitted, fmt.Errorf("failed to insert movement to %s: %w", decoy, err)
			}
		}

		c.publishEvent(event)
		emitted++
	}
	return emitted, nil
}

// splitCredential parses a "username:password" pair. Anything that does not
// split into exactly two non-empty parts is dropped.
func splitCredential(raw string) (username, password string, ok bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Credentials processes the node-tagged stolen-credential set. A repeat
// sighting of a known (username, password, attacker) triple bumps its usage
// counter; a new triple is inserted with a risk score and a synthesized
// Credential Theft event. The snapshot carries node tags rather than
// attacker addresses, so credentials attribute to the "unknown" attacker.
// Returns the number of new credentials stored.
func (c *Classifier) Credentials(ctx context.Context, snap *schemas.Snapshot) (int, error) {
	stored := 0
	for raw, tags := range snap.StolenCreds.Adds {
		username, password, ok := splitCredential(raw)
		if !ok {
			c.log.Debug("Dropping malformed credential entry", zap.String("node", snap.NodeID))
			continue
		}

		attackerID := "unknown"
		decoy := snap.NodeID
		var epoch int64
		if len(tags) > 0 {
			if tags[0].Node != "" {
				decoy = tags[0].Node
			}
			epoch = tags[0].Timestamp
		}
		ts := c.entryTime(epoch)

		touched, err := c.repo.TouchCredential(ctx, username, password, attackerID, ts)
		if err != nil {
			return stored, fmt.Errorf("failed to touch credential: %w", err)
		}
		if touched {
			continue
		}

		cred := &schemas.Credential{
			CredentialID: "cred-" + uuid.New().String(),
			Username:     username,
			Password:     password,
			Source:       decoy,
			AttackerID:   attackerID,
			DecoyHost:    decoy,
			FirstSeen:    ts,
			UsageCount:   1,
			Status:       "Stolen",
			RiskScore:    infer.CredentialRisk(username, password),
		}
		if err := c.repo.InsertCredential(ctx, cred); err != nil {
			return stored, fmt.Errorf("failed to insert credential: %w", err)
		}

		event := &schemas.AttackEvent{
			EventID:     eventID("cred", attackerID, username, decoy),
			Timestamp:   ts,
			AttackerID:  attackerID,
			Type:        schemas.EventCredentialTheft,
			Technique:   "T1003",
			Tactic:      schemas.TacticForType(schemas.EventCredentialTheft),
			Description: "Credential stolen: " + username,
			SourceHost:  decoy,
			TargetHost:  decoy,
			Severity:    schemas.SeverityCritical,
			Status:      schemas.StatusDetected,
		}
		inserted, err := c.repo.InsertEvent(ctx, event)
		if err != nil {
			return stored, fmt.Errorf("failed to insert credential event: %w", err)
		}
		if inserted {
			c.publishEvent(event)
		}
		stored++
	}
	return stored, nil
}

// Sessions upserts one Initial Access event per active session. The event
// identifier is derived from the full session tuple, so a re-delivered entry
// converges on one row and a moved or refreshed session gets a fresh one.
// Returns the number of sessions that were new this cycle.
func (c *Classifier) Sessions(ctx context.Context, snap *schemas.Snapshot) (int, error) {
	fresh := 0
	for host, entry := range snap.ActiveSessions.Entries {
		if entry.SessionID == "" {
			continue
		}
		attackerID := schemas.AttackerID(entry.Node)
		ts := c.entryTime(entry.Timestamp)
		id := eventID("session", host, entry.SessionID, entry.Node, strconv.FormatInt(entry.Timestamp, 10))

		event := &schemas.AttackEvent{
			EventID:     id,
			Timestamp:   ts,
			AttackerID:  attackerID,
			Type:        schemas.EventInitialAccess,
			Technique:   "T1078",
			Tactic:      schemas.TacticForType(schemas.EventInitialAccess),
			Description: "Active session " + entry.SessionID + " on " + host,
			SourceHost:  entry.Node,
			TargetHost:  host,
			Severity:    schemas.SeverityHigh,
			Status:      schemas.StatusInProgress,
		}
		if err := c.repo.UpsertSessionEvent(ctx, event); err != nil {
			return fresh, fmt.Errorf("failed to upsert session event on %s: %w", host, err)
		}
		if _, ok := c.seen.Get(id); !ok {
			c.seen.Add(id, struct{}{})
			c.publishEvent(event)
			fresh++
		}
	}
	return fresh, nil
}
