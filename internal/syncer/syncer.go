// Package syncer owns the reconciliation schedule: the periodic sync cycle
// that pulls every node's state through merge and classification, and the
// slower inventory loop that refreshes node liveness records. A cycle
// failure is reported, never fatal.
package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirageops/mirage/api/schemas"
	"github.com/mirageops/mirage/internal/bus"
	"github.com/mirageops/mirage/internal/config"
	"github.com/mirageops/mirage/internal/merge"
	"github.com/mirageops/mirage/internal/metrics"
)

// NodeSource enumerates the nodes to sync.
type NodeSource interface {
	Nodes() ([]string, error)
}

// StateFetcher pulls raw state and liveness from one node.
type StateFetcher interface {
	FetchState(ctx context.Context, node string) (*schemas.Snapshot, bool, error)
	FetchStatus(ctx context.Context, node string, at time.Time) *schemas.NodeStatus
}

// Merger reconciles one attacker's snapshot sub-state.
type Merger interface {
	Reconcile(ctx context.Context, addr string, st schemas.AttackerState, sourceHost string) (*schemas.Attacker, bool, error)
}

// Classifier derives events from merged state.
type Classifier interface {
	VisitEvents(ctx context.Context, attacker *schemas.Attacker, st schemas.AttackerState) (int, error)
	ActionEvents(ctx context.Context, attacker *schemas.Attacker, st schemas.AttackerState) (int, error)
	Credentials(ctx context.Context, snap *schemas.Snapshot) (int, error)
	Sessions(ctx context.Context, snap *schemas.Snapshot) (int, error)
}

// StatusStore persists node liveness records.
type StatusStore interface {
	UpsertNodeStatus(ctx context.Context, ns *schemas.NodeStatus) error
}

// Publisher receives cycle-level notifications.
type Publisher interface {
	Publish(msgType bus.Type, payload any)
}

// Report summarizes one completed sync cycle.
type Report struct {
	Nodes     int           `json:"nodes"`
	Attackers int           `json:"attackers"`
	Events    int           `json:"events"`
	Duration  time.Duration `json:"duration"`
}

// Failure describes a cycle-level structural failure.
type Failure struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// Syncer drives the sync and inventory loops.
type Syncer struct {
	cfg        config.SyncConfig
	nodes      NodeSource
	fetcher    StateFetcher
	merger     Merger
	classifier Classifier
	status     StatusStore
	pub        Publisher
	metrics    *metrics.Metrics
	log        *zap.Logger

	inProgress atomic.Bool
	now        func() time.Time
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClock overrides the syncer's time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New wires a syncer from its collaborators. metrics may be nil.
func New(cfg config.SyncConfig, nodes NodeSource, fetcher StateFetcher, merger Merger,
	classifier Classifier, status StatusStore, pub Publisher, m *metrics.Metrics,
	logger *zap.Logger, opts ...Option) *Syncer {
	s := &Syncer{
		cfg:        cfg,
		nodes:      nodes,
		fetcher:    fetcher,
		merger:     merger,
		classifier: classifier,
		status:     status,
		pub:        pub,
		metrics:    m,
		log:        logger.Named("syncer"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, driving both loops until the context is canceled. The first
// sync and inventory passes happen immediately.
func (s *Syncer) Run(ctx context.Context) error {
	s.log.Info("Sync loops starting",
		zap.Duration("sync_interval", s.cfg.Interval),
		zap.Duration("inventory_interval", s.cfg.InventoryInterval))

	syncTicker := time.NewTicker(s.cfg.Interval)
	defer syncTicker.Stop()
	inventoryTicker := time.NewTicker(s.cfg.InventoryInterval)
	defer inventoryTicker.Stop()

	s.RunCycle(ctx)
	s.RefreshInventory(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sync loops stopping")
			return ctx.Err()
		case <-syncTicker.C:
			s.RunCycle(ctx)
		case <-inventoryTicker.C:
			s.RefreshInventory(ctx)
		}
	}
}

func (s *Syncer) countCycle(result string) {
	if s.metrics != nil {
		s.metrics.SyncCycles.WithLabelValues(result).Inc()
	}
}

func (s *Syncer) countEvents(kind string, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.EventsDerived.WithLabelValues(kind).Add(float64(n))
	}
}

// RunCycle executes one full sync pass. Overlapping invocations are skipped
// rather than queued; one slow cycle never piles up behind itself.
func (s *Syncer) RunCycle(ctx context.Context) {
	if !s.inProgress.CompareAndSwap(false, true) {
		s.log.Debug("Sync already in progress, skipping cycle")
		s.countCycle("skipped")
		return
	}
	defer s.inProgress.Store(false)

	start := s.now()
	nodes, err := s.nodes.Nodes()
	if err != nil {
		s.log.Error("Failed to enumerate nodes", zap.Error(err))
		s.countCycle("error")
		if s.pub != nil {
			s.pub.Publish(bus.TypeSyncError, Failure{Stage: "registry", Error: err.Error()})
		}
		return
	}
	if s.metrics != nil {
		s.metrics.NodesInventory.Set(float64(len(nodes)))
	}

	var attackers, events atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.NodeConcurrency)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			// Per-node isolation: failures are logged and counted, never
			// returned, so one bad node cannot abort the cycle.
			a, e, err := s.syncNode(gctx, node)
			if err != nil {
				s.log.Warn("Node sync failed", zap.String("node", node), zap.Error(err))
				if s.metrics != nil {
					s.metrics.NodeFailures.Inc()
				}
				return nil
			}
			attackers.Add(int64(a))
			events.Add(int64(e))
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; isolation is per-node

	elapsed := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.SyncDuration.Observe(elapsed.Seconds())
		s.metrics.AttackersSeen.Set(float64(attackers.Load()))
	}
	s.countCycle("ok")

	report := Report{
		Nodes:     len(nodes),
		Attackers: int(attackers.Load()),
		Events:    int(events.Load()),
		Duration:  elapsed,
	}
	if s.pub != nil {
		s.pub.Publish(bus.TypeSyncComplete, report)
	}
	s.log.Debug("Sync cycle complete",
		zap.Int("nodes", report.Nodes),
		zap.Int("attackers", report.Attackers),
		zap.Int("events", report.Events),
		zap.Duration("duration", elapsed))
}

// syncNode fetches one node's state and runs it through merge and
// classification. Returns the attacker and event counts it contributed.
func (s *Syncer) syncNode(ctx context.Context, node string) (int, int, error) {
	snap, running, err := s.fetcher.FetchState(ctx, node)
	if err != nil {
		return 0, 0, err
	}
	if !running || snap == nil {
		return 0, 0, nil
	}
	return s.processSnapshot(ctx, snap)
}

// processSnapshot applies one snapshot in deterministic order: per-attacker
// merge then visit and action derivation, then node-level credentials and
// sessions.
func (s *Syncer) processSnapshot(ctx context.Context, snap *schemas.Snapshot) (int, int, error) {
	addrs := make([]string, 0, len(snap.Attackers))
	for addr := range snap.Attackers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	events := 0
	for _, addr := range addrs {
		st := snap.Attackers[addr]
		attacker, _, err := s.merger.Reconcile(ctx, addr, st, snap.NodeID)
		if err != nil {
			return len(addrs), events, fmt.Errorf("failed to reconcile %s: %w", addr, err)
		}

		visits, err := s.classifier.VisitEvents(ctx, attacker, st)
		if err != nil {
			return len(addrs), events, err
		}
		s.countEvents("visit", visits)
		events += visits

		actions, err := s.classifier.ActionEvents(ctx, attacker, st)
		if err != nil {
			return len(addrs), events, err
		}
		s.countEvents("action", actions)
		events += actions

		if s.pub != nil {
			s.pub.Publish(bus.TypeAttackerUpdated, attacker)
		}
	}

	creds, err := s.classifier.Credentials(ctx, snap)
	if err != nil {
		return len(addrs), events, err
	}
	s.countEvents("credential", creds)
	events += creds

	sessions, err := s.classifier.Sessions(ctx, snap)
	if err != nil {
		return len(addrs), events, err
	}
	s.countEvents("session", sessions)
	events += sessions

	return len(addrs), events, nil
}

// RefreshInventory probes every node and upserts its liveness record.
// Failures degrade to error rows; the loop itself never fails.
func (s *Syncer) RefreshInventory(ctx context.Context) {
	nodes, err := s.nodes.Nodes()
	if err != nil {
		s.log.Warn("Inventory refresh could not enumerate nodes", zap.Error(err))
		return
	}

	now := s.now().UTC()
	running := 0
	for _, node := range nodes {
		status := s.fetcher.FetchStatus(ctx, node, now)
		if status.Status == schemas.NodeRunning {
			running++
		}
		if err := s.status.UpsertNodeStatus(ctx, status); err != nil {
			s.log.Warn("Failed to persist node status",
				zap.String("node", node), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.NodesRunning.Set(float64(running))
		s.metrics.NodesInventory.Set(float64(len(nodes)))
	}
	s.log.Debug("Inventory refreshed",
		zap.Int("nodes", len(nodes)), zap.Int("running", running))
}

// compile-time check that the concrete merge engine satisfies Merger.
var _ Merger = (*merge.Engine)(nil)
