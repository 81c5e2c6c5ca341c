// Package schemas defines the shared data contracts for mirage: the
// persisted entities the reconciliation core produces and the snapshot
// shapes it consumes from decoy nodes.
package schemas

import (
	"strings"
	"time"
)

// RiskLevel grades an attacker's aggregate threat, ordered Low < Critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// RiskRank returns the ordinal position of a risk level. Unknown levels rank
// below Low so they can never win a MaxRisk comparison.
func RiskRank(r RiskLevel) int {
	if rank, ok := riskRank[r]; ok {
		return rank
	}
	return -1
}

// MaxRisk returns the higher of two risk levels. Risk is monotonically
// non-decreasing for the lifetime of an attacker, so every recomputation
// funnels through this.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if RiskRank(b) > RiskRank(a) {
		return b
	}
	return a
}

// Severity grades a single derived event.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// EventType is the fixed classification taxonomy for derived events.
type EventType string

const (
	EventInitialAccess       EventType = "Initial Access"
	EventCredentialTheft     EventType = "Credential Theft"
	EventLateralMovement     EventType = "Lateral Movement"
	EventCommandExecution    EventType = "Command Execution"
	EventDataExfiltration    EventType = "Data Exfiltration"
	EventPrivilegeEscalation EventType = "Privilege Escalation"
	EventDiscovery           EventType = "Discovery"
	EventPersistence         EventType = "Persistence"
	EventDefenseEvasion      EventType = "Defense Evasion"
)

// EventStatus tracks the response state of an event.
type EventStatus string

const (
	StatusDetected   EventStatus = "Detected"
	StatusInProgress EventStatus = "In Progress"
	StatusBlocked    EventStatus = "Blocked"
	StatusContained  EventStatus = "Contained"
)

// AttackerStatus is the lifecycle state of an attacker record. The core only
// ever creates Active attackers; the other transitions belong to external
// collaborators.
type AttackerStatus string

const (
	AttackerActive    AttackerStatus = "Active"
	AttackerInactive  AttackerStatus = "Inactive"
	AttackerContained AttackerStatus = "Contained"
)

var tacticByType = map[EventType]string{
	EventInitialAccess:       "Initial Access",
	EventCredentialTheft:     "Credential Access",
	EventLateralMovement:     "Lateral Movement",
	EventCommandExecution:    "Execution",
	EventDataExfiltration:    "Exfiltration",
	EventPrivilegeEscalation: "Privilege Escalation",
	EventDiscovery:           "Discovery",
	EventPersistence:         "Persistence",
	EventDefenseEvasion:      "Defense Evasion",
}

// TacticForType maps an event type to its ATT&CK-style tactic label.
// Unmapped types fall into the "Unknown" bucket rather than failing.
func TacticForType(t EventType) string {
	if tactic, ok := tacticByType[t]; ok {
		return tactic
	}
	return "Unknown"
}

var addrSeparators = strings.NewReplacer(".", "-", ":", "-")

// AttackerID derives the canonical, stable identity for a network address.
// The mapping is deterministic so every node's report of the same address
// converges on one record.
func AttackerID(addr string) string {
	return "APT-" + addrSeparators.Replace(addr)
}

// Attacker is the canonical, durable record for one observed adversary.
type Attacker struct {
	ID           string         `json:"attackerId"`
	IPAddress    string         `json:"ipAddress"`
	EntryPoint   string         `json:"entryPoint"`
	Privilege    string         `json:"currentPrivilege"`
	Risk         RiskLevel      `json:"riskLevel"`
	Campaign     string         `json:"campaign"`
	FirstSeen    time.Time      `json:"firstSeen"`
	LastSeen     time.Time      `json:"lastSeen"`
	DwellMinutes int            `json:"dwellTime"`
	Status       AttackerStatus `json:"status"`
}

// AttackEvent is one derived security observation, append-mostly.
type AttackEvent struct {
	EventID     string      `json:"eventId"`
	Timestamp   time.Time   `json:"timestamp"`
	AttackerID  string      `json:"attackerId"`
	Type        EventType   `json:"type"`
	Technique   string      `json:"technique"`
	Tactic      string      `json:"tactic"`
	Description string      `json:"description"`
	SourceHost  string      `json:"sourceHost"`
	TargetHost  string      `json:"targetHost"`
	Command     string      `json:"command,omitempty"`
	Severity    Severity    `json:"severity"`
	Status      EventStatus `json:"status"`
}

// Credential is unique per (username, password, attacker); repeat sightings
// bump the usage counter instead of inserting new rows.
type Credential struct {
	CredentialID string     `json:"credentialId"`
	Username     string     `json:"username"`
	Password     string     `json:"password"`
	Source       string     `json:"source"`
	AttackerID   string     `json:"attackerId"`
	DecoyHost    string     `json:"decoyHost"`
	FirstSeen    time.Time  `json:"timestamp"`
	UsageCount   int        `json:"usageCount"`
	LastUsed     *time.Time `json:"lastUsed,omitempty"`
	Status       string     `json:"status"`
	RiskScore    int        `json:"riskScore"`
}

// LateralMovement records one classified hop between hosts.
type LateralMovement struct {
	MovementID string    `json:"movementId"`
	AttackerID string    `json:"attackerId"`
	Timestamp  time.Time `json:"timestamp"`
	SourceHost string    `json:"sourceHost"`
	TargetHost string    `json:"targetHost"`
	Technique  string    `json:"technique"`
	Method     string    `json:"method"`
	Successful bool      `json:"successful"`
}

// DecoyHost carries the interaction counters the core maintains for a
// honeypot asset. Inventory fields beyond these are externally managed.
type DecoyHost struct {
	Hostname        string     `json:"hostname"`
	Interactions    int        `json:"interactions"`
	LastInteraction *time.Time `json:"lastInteraction,omitempty"`
	AttackerIDs     []string   `json:"attackerIds"`
}

// ReplicaStats summarizes the CRDT replica counters a node reports about
// itself, used only for observability.
type ReplicaStats struct {
	Attackers   int    `json:"attackers"`
	Credentials int    `json:"credentials"`
	Sessions    int    `json:"sessions"`
	StateHash   string `json:"hash,omitempty"`
}

// Container describes one container running on a decoy node.
type Container struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Image   string   `json:"image"`
	Status  string   `json:"status"`
	Ports   []string `json:"ports,omitempty"`
	Created string   `json:"created,omitempty"`
}

// NodeStatus is the liveness/inventory record for one source node.
type NodeStatus struct {
	Name       string        `json:"nodeName"`
	Hostname   string        `json:"hostname"`
	Status     string        `json:"status"`
	IP         string        `json:"ip,omitempty"`
	LastSeen   time.Time     `json:"lastSeen"`
	Replica    *ReplicaStats `json:"replicaStats,omitempty"`
	Containers []Container   `json:"containers,omitempty"`
}

const (
	NodeRunning = "running"
	NodeStopped = "stopped"
	NodeUnknown = "unknown"
	NodeError   = "error"
)
