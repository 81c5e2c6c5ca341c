package schemas

import (
	"bytes"
	"encoding/json"
	"sort"
)

// The snapshot types below mirror the replicated state a decoy node keeps
// locally: a grow-only set per attacker for visited decoys, a last-writer-wins
// map for actions and sessions, and node-tagged adds for stolen credentials.
// Nodes are untrusted, so decoding is strictly typed but tolerant: an absent
// or malformed field yields its zero value instead of failing the snapshot.

// Snapshot is one node's raw replicated state.
type Snapshot struct {
	NodeID         string                   `json:"node_id"`
	Attackers      map[string]AttackerState `json:"attackers"`
	StolenCreds    GrowSet                  `json:"stolen_creds"`
	ActiveSessions SessionMap               `json:"active_sessions"`
}

// AttackerState is the per-attacker sub-state inside a snapshot.
type AttackerState struct {
	VisitedDecoys GSet         `json:"visited_decoys"`
	Actions       ActionMap    `json:"actions_per_decoy"`
	Location      *LWWRegister `json:"location"`
}

// GSet is a grow-only set of strings. Elements may repeat across deliveries;
// Distinct gives the converged membership.
type GSet struct {
	Elements []string `json:"elements"`
}

// Distinct returns the unique elements in first-appearance order.
func (g GSet) Distinct() []string {
	seen := make(map[string]struct{}, len(g.Elements))
	var out []string
	for _, e := range g.Elements {
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// LWWRegister is a last-writer-wins register holding a single value.
type LWWRegister struct {
	Value string `json:"value"`
}

// ActionEntry is one recorded action on a decoy, reported as the wire tuple
// [action, timestamp, node].
type ActionEntry struct {
	Action    string
	Timestamp int64
	Node      string
}

// UnmarshalJSON decodes the [action, ts, node] tuple. Tuples with the wrong
// arity or element types decode to the zero entry; consumers drop those.
func (a *ActionEntry) UnmarshalJSON(data []byte) error {
	*a = ActionEntry{}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) != 3 {
		return nil
	}
	var action, node string
	var ts int64
	if json.Unmarshal(parts[0], &action) != nil ||
		json.Unmarshal(parts[1], &ts) != nil ||
		json.Unmarshal(parts[2], &node) != nil {
		return nil
	}
	a.Action, a.Timestamp, a.Node = action, ts, node
	return nil
}

// ActionMap is a last-writer-wins map from decoy hostname to the most recent
// action observed there.
type ActionMap struct {
	Entries map[string]ActionEntry `json:"entries"`
}

// Keys returns the decoy hostnames in sorted order for deterministic scans.
func (m ActionMap) Keys() []string {
	keys := make([]string, 0, len(m.Entries))
	for k := range m.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CredTag records which node observed a credential and when, as the wire
// tuple [node, timestamp].
type CredTag struct {
	Node      string
	Timestamp int64
}

// UnmarshalJSON decodes the [node, ts] tuple, tolerating malformed input.
func (t *CredTag) UnmarshalJSON(data []byte) error {
	*t = CredTag{}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) != 2 {
		return nil
	}
	var node string
	var ts int64
	if json.Unmarshal(parts[0], &node) != nil || json.Unmarshal(parts[1], &ts) != nil {
		return nil
	}
	t.Node, t.Timestamp = node, ts
	return nil
}

// GrowSet is the node-tagged grow-only credential set: each credential maps
// to one tag per observing node.
type GrowSet struct {
	Adds map[string][]CredTag `json:"adds"`
}

// SessionEntry is one active session, reported as [sessionId, timestamp, node].
type SessionEntry struct {
	SessionID string
	Timestamp int64
	Node      string
}

// UnmarshalJSON decodes the [session, ts, node] tuple, tolerating malformed
// input.
func (s *SessionEntry) UnmarshalJSON(data []byte) error {
	*s = SessionEntry{}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) != 3 {
		return nil
	}
	var id, node string
	var ts int64
	if json.Unmarshal(parts[0], &id) != nil ||
		json.Unmarshal(parts[1], &ts) != nil ||
		json.Unmarshal(parts[2], &node) != nil {
		return nil
	}
	s.SessionID, s.Timestamp, s.Node = id, ts, node
	return nil
}

// SessionMap maps host to its last-writer-wins session entry.
type SessionMap struct {
	Entries map[string]SessionEntry `json:"entries"`
}

// DecodeSnapshot parses a raw state blob. An empty or "{}" blob means the
// node has not initialized its state yet and yields (nil, nil).
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
