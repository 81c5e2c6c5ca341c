package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mirageops/mirage/api/schemas"
	"github.com/mirageops/mirage/internal/bus"
	"github.com/mirageops/mirage/internal/classify"
	"github.com/mirageops/mirage/internal/config"
	"github.com/mirageops/mirage/internal/merge"
	"github.com/mirageops/mirage/internal/store"
)

// memRepo is an in-memory stand-in for the store, shared by the merge engine
// and the classifier.
type memRepo struct {
	mu        sync.Mutex
	attackers map[string]schemas.Attacker
	events    map[string]schemas.AttackEvent
	creds     map[string]schemas.Credential
	movements []schemas.LateralMovement
	decoys    map[string]int
	statuses  map[string]schemas.NodeStatus
}

func newMemRepo() *memRepo {
	return &memRepo{
		attackers: make(map[string]schemas.Attacker),
		events:    make(map[string]schemas.AttackEvent),
		creds:     make(map[string]schemas.Credential),
		decoys:    make(map[string]int),
		statuses:  make(map[string]schemas.NodeStatus),
	}
}

func (r *memRepo) GetAttacker(_ context.Context, id string) (*schemas.Attacker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attackers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copy := a
	return &copy, nil
}

func (r *memRepo) UpsertAttacker(_ context.Context, a *schemas.Attacker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attackers[a.ID] = *a
	return nil
}

func (r *memRepo) RecentVisitExists(_ context.Context, attackerID, description string, since time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.AttackerID == attackerID && e.Description == description && !e.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) InsertEvent(_ context.Context, e *schemas.AttackEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.EventID]; ok {
		return false, nil
	}
	r.events[e.EventID] = *e
	return true, nil
}

func (r *memRepo) UpsertSessionEvent(_ context.Context, e *schemas.AttackEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[e.EventID] = *e
	return nil
}

func (r *memRepo) TouchDecoyHost(_ context.Context, hostname, _ string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoys[hostname]++
	return nil
}

func (r *memRepo) TouchCredential(_ context.Context, username, password, attackerID string, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := username + ":" + password + ":" + attackerID
	if c, ok := r.creds[key]; ok {
		c.UsageCount++
		r.creds[key] = c
		return true, nil
	}
	return false, nil
}

func (r *memRepo) InsertCredential(_ context.Context, c *schemas.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[c.Username+":"+c.Password+":"+c.AttackerID] = *c
	return nil
}

func (r *memRepo) InsertMovement(_ context.Context, m *schemas.LateralMovement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.movements = append(r.movements, *m)
	return nil
}

func (r *memRepo) UpsertNodeStatus(_ context.Context, ns *schemas.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[ns.Name] = *ns
	return nil
}

// fakeNodes is a static NodeSource.
type fakeNodes struct {
	nodes []string
	err   error
}

func (f *fakeNodes) Nodes() ([]string, error) { return f.nodes, f.err }

// fakeFetcher serves canned snapshots per node.
type fakeFetcher struct {
	mu        sync.Mutex
	snapshots map[string]*schemas.Snapshot
	failing   map[string]error
	statuses  map[string]string
	fetches   []string
	block     chan struct{}
}

func (f *fakeFetcher) FetchState(_ context.Context, node string) (*schemas.Snapshot, bool, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.fetches = append(f.fetches, node)
	f.mu.Unlock()
	if err, ok := f.failing[node]; ok {
		return nil, true, err
	}
	snap, ok := f.snapshots[node]
	if !ok {
		return nil, false, nil
	}
	return snap, true, nil
}

func (f *fakeFetcher) FetchStatus(_ context.Context, node string, at time.Time) *schemas.NodeStatus {
	status := schemas.NodeRunning
	if s, ok := f.statuses[node]; ok {
		status = s
	}
	return &schemas.NodeStatus{Name: node, Hostname: node, Status: status, LastSeen: at}
}

// capturingBus records published messages.
type capturingBus struct {
	mu       sync.Mutex
	messages []bus.Message
}

func (c *capturingBus) Publish(msgType bus.Type, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, bus.Message{Type: msgType, Payload: payload})
}

func (c *capturingBus) byType(t bus.Type) []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Message
	for _, m := range c.messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Interval:          10 * time.Second,
		InventoryInterval: 30 * time.Second,
		NodeConcurrency:   1,
		DedupWindow:       time.Minute,
		DedupCacheSize:    64,
	}
}

func newTestSyncer(t *testing.T, repo *memRepo, nodes NodeSource, fetcher StateFetcher, pub Publisher) *Syncer {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := zap.NewNop()
	merger := merge.New(repo, logger, merge.WithClock(clock))
	classifier := classify.New(repo, pub, logger, time.Minute, 64, classify.WithClock(clock))
	return New(testSyncConfig(), nodes, fetcher, merger, classifier, repo, pub, nil, logger,
		WithClock(clock))
}

func TestRunCyclePublishesSyncErrorOnRegistryFailure(t *testing.T) {
	repo := newMemRepo()
	pub := &capturingBus{}
	s := newTestSyncer(t, repo, &fakeNodes{err: errors.New("directory vanished")}, &fakeFetcher{}, pub)

	s.RunCycle(context.Background())

	failures := pub.byType(bus.TypeSyncError)
	require.Len(t, failures, 1)
	f, ok := failures[0].Payload.(Failure)
	require.True(t, ok)
	assert.Equal(t, "registry", f.Stage)
	assert.Empty(t, pub.byType(bus.TypeSyncComplete))
}

func TestRunCycleIsolatesNodeFailures(t *testing.T) {
	repo := newMemRepo()
	pub := &capturingBus{}
	fetcher := &fakeFetcher{
		snapshots: map[string]*schemas.Snapshot{
			"fake-web-01": {
				NodeID: "fake-web-01",
				Attackers: map[string]schemas.AttackerState{
					"10.0.0.5": {VisitedDecoys: schemas.GSet{Elements: []string{"fake-web-01"}}},
				},
			},
			"fake-db-01": {
				NodeID: "fake-db-01",
				Attackers: map[string]schemas.AttackerState{
					"10.0.0.6": {VisitedDecoys: schemas.GSet{Elements: []string{"fake-db-01"}}},
				},
			},
		},
		failing: map[string]error{"fake-broken-01": errors.New("ssh exploded")},
	}
	nodes := &fakeNodes{nodes: []string{"fake-broken-01", "fake-db-01", "fake-web-01"}}
	s := newTestSyncer(t, repo, nodes, fetcher, pub)

	s.RunCycle(context.Background())

	// Both healthy nodes processed despite the broken one.
	assert.Contains(t, repo.attackers, "APT-10-0-0-5")
	assert.Contains(t, repo.attackers, "APT-10-0-0-6")

	completes := pub.byType(bus.TypeSyncComplete)
	require.Len(t, completes, 1)
	report, ok := completes[0].Payload.(Report)
	require.True(t, ok)
	assert.Equal(t, 3, report.Nodes)
	assert.Equal(t, 2, report.Attackers)
}

func TestRunCycleSkipsWhenInProgress(t *testing.T) {
	repo := newMemRepo()
	pub := &capturingBus{}
	fetcher := &fakeFetcher{
		snapshots: map[string]*schemas.Snapshot{"fake-web-01": {NodeID: "fake-web-01"}},
		block:     make(chan struct{}),
	}
	s := newTestSyncer(t, repo, &fakeNodes{nodes: []string{"fake-web-01"}}, fetcher, pub)

	done := make(chan struct{})
	go func() {
		s.RunCycle(context.Background())
		close(done)
	}()

	// Wait for the first cycle to claim the guard, then race a second one.
	require.Eventually(t, func() bool { return s.inProgress.Load() }, time.Second, time.Millisecond)
	s.RunCycle(context.Background())
	assert.Empty(t, pub.byType(bus.TypeSyncComplete), "overlapping cycle must be skipped, not queued")

	close(fetcher.block)
	<-done
	assert.Len(t, pub.byType(bus.TypeSyncComplete), 1)
}

func TestRefreshInventoryUpsertsEveryNode(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{statuses: map[string]string{
		"fake-web-01": schemas.NodeRunning,
		"fake-db-01":  schemas.NodeStopped,
	}}
	s := newTestSyncer(t, repo, &fakeNodes{nodes: []string{"fake-db-01", "fake-web-01"}}, fetcher, nil)

	s.RefreshInventory(context.Background())

	require.Len(t, repo.statuses, 2)
	assert.Equal(t, schemas.NodeRunning, repo.statuses["fake-web-01"].Status)
	assert.Equal(t, schemas.NodeStopped, repo.statuses["fake-db-01"].Status)
}

// End-to-end: one node reports an attacker who touched five distinct decoys.
// The attacker record converges on High risk and exactly five Discovery
// events exist, regardless of how often the snapshot is replayed.
func TestFullSyncFromRawBlob(t *testing.T) {
	blob := []byte(`{
		"node_id": "fake-web-01",
		"attackers": {
			"10.0.0.5": {
				"visited_decoys": {"elements": [
					"fake-web-01", "fake-jump-01", "fake-redis-01",
					"fake-rdp-01", "fake-ftp-01", "fake-web-01"
				]},
				"actions_per_decoy": {"entries": {
					"fake-jump-01": ["ssh fake-jump-01", 1764590400, "fake-jump-01"]
				}},
				"location": {"value": "db-server"}
			}
		},
		"stolen_creds": {"adds": {"admin:hunter2": [["fake-web-01", 1764590400]]}},
		"active_sessions": {"entries": {
			"fake-web-01": ["sess-1", 1764590400, "10.0.0.5"]
		}}
	}`)
	snap, err := schemas.DecodeSnapshot(blob)
	require.NoError(t, err)
	require.NotNil(t, snap)

	repo := newMemRepo()
	pub := &capturingBus{}
	fetcher := &fakeFetcher{snapshots: map[string]*schemas.Snapshot{"fake-web-01": snap}}
	s := newTestSyncer(t, repo, &fakeNodes{nodes: []string{"fake-web-01"}}, fetcher, pub)

	s.RunCycle(context.Background())
	// Replay the identical snapshot.
	s.RunCycle(context.Background())

	attacker, ok := repo.attackers["APT-10-0-0-5"]
	require.True(t, ok)
	assert.Equal(t, schemas.RiskHigh, attacker.Risk, "five distinct decoys")
	assert.Equal(t, "DB Admin", attacker.Privilege)
	assert.Equal(t, "fake-web-01", attacker.EntryPoint)
	assert.Equal(t, "Opportunistic", attacker.Campaign)

	discovery, lateral, theft, initial := 0, 0, 0, 0
	for _, e := range repo.events {
		switch e.Type {
		case schemas.EventDiscovery:
			discovery++
			assert.Equal(t, "T1083", e.Technique)
			assert.Equal(t, schemas.SeverityLow, e.Severity)
			assert.Equal(t, "10.0.0.5", e.SourceHost)
		case schemas.EventLateralMovement:
			lateral++
		case schemas.EventCredentialTheft:
			theft++
		case schemas.EventInitialAccess:
			initial++
		}
	}
	assert.Equal(t, 5, discovery)
	assert.Equal(t, 1, lateral)
	assert.Equal(t, 1, theft)
	assert.Equal(t, 1, initial)

	require.Len(t, repo.movements, 1)
	assert.Equal(t, "SSH", repo.movements[0].Method)

	cred, ok := repo.creds["admin:hunter2:unknown"]
	require.True(t, ok)
	assert.Equal(t, 2, cred.UsageCount, "replay bumps usage instead of duplicating")

	// Decoy counters: each visited decoy touched exactly once.
	for _, decoy := range []string{"fake-web-01", "fake-jump-01", "fake-redis-01", "fake-rdp-01", "fake-ftp-01"} {
		assert.Equal(t, 1, repo.decoys[decoy], decoy)
	}
}

func TestRunCycleConcurrentNodes(t *testing.T) {
	repo := newMemRepo()
	pub := &capturingBus{}
	snapshots := make(map[string]*schemas.Snapshot)
	var names []string
	for _, n := range []string{"fake-a", "fake-b", "fake-c", "fake-d"} {
		snapshots[n] = &schemas.Snapshot{
			NodeID: n,
			Attackers: map[string]schemas.AttackerState{
				"10.0.0." + n[len(n)-1:]: {VisitedDecoys: schemas.GSet{Elements: []string{n}}},
			},
		}
		names = append(names, n)
	}
	fetcher := &fakeFetcher{snapshots: snapshots}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := zap.NewNop()
	cfg := testSyncConfig()
	cfg.NodeConcurrency = 4
	merger := merge.New(repo, logger, merge.WithClock(clock))
	classifier := classify.New(repo, pub, logger, time.Minute, 64, classify.WithClock(clock))
	s := New(cfg, &fakeNodes{nodes: names}, fetcher, merger, classifier, repo, pub, nil, logger,
		WithClock(clock))

	s.RunCycle(context.Background())

	assert.Len(t, repo.attackers, 4)
	completes := pub.byType(bus.TypeSyncComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, 4, completes[0].Payload.(Report).Attackers)
}
