// Package merge reconciles per-node snapshot state into the canonical
// attacker records. Merging is idempotent for a fixed clock: replaying the
// same snapshot leaves every attacker field unchanged.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mirageops/mirage/api/schemas"
	"github.com/mirageops/mirage/internal/infer"
	"github.com/mirageops/mirage/internal/store"
)

// Repository is the slice of the persistence layer the merge engine needs.
type Repository interface {
	GetAttacker(ctx context.Context, attackerID string) (*schemas.Attacker, error)
	UpsertAttacker(ctx context.Context, a *schemas.Attacker) error
}

// Engine applies set-union and last-writer-wins merge rules to attacker
// state and persists write-through, so event derivation always sees a
// consistent record.
type Engine struct {
	repo Repository
	log  *zap.Logger
	now  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source, used by tests to pin "now".
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds a merge engine on top of the given repository.
func New(repo Repository, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo: repo,
		log:  logger.Named("merge"),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// riskForVisitCount maps the cumulative distinct visited-decoy count to a
// risk level. Zero or one visit carries no signal and leaves the current
// level in place.
func riskForVisitCount(distinct int, current schemas.RiskLevel) schemas.RiskLevel {
	var computed schemas.RiskLevel
	switch {
	case distinct > 5:
		computed = schemas.RiskCritical
	case distinct > 3:
		computed = schemas.RiskHigh
	case distinct > 1:
		computed = schemas.RiskMedium
	default:
		return current
	}
	// Risk never descends, no matter how partial the update was.
	return schemas.MaxRisk(current, computed)
}

// Reconcile merges one attacker's snapshot sub-state into its canonical
// record and persists the result. It returns the up-to-date record and
// whether this observation created it.
func (e *Engine) Reconcile(ctx context.Context, addr string, st schemas.AttackerState, sourceHost string) (*schemas.Attacker, bool, error) {
	id := schemas.AttackerID(addr)
	now := e.now().UTC()

	attacker, err := e.repo.GetAttacker(ctx, id)
	created := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		created = true
		attacker = &schemas.Attacker{
			ID:         id,
			IPAddress:  addr,
			EntryPoint: sourceHost,
			Privilege:  "User",
			Risk:       schemas.RiskMedium,
			Campaign:   infer.Campaign(st.Actions.Keys()),
			FirstSeen:  now,
			LastSeen:   now,
			Status:     schemas.AttackerActive,
		}
		e.log.Info("Created new attacker",
			zap.String("attacker_id", id),
			zap.String("entry_point", sourceHost),
			zap.String("campaign", attacker.Campaign))
	case err != nil:
		return nil, false, fmt.Errorf("failed to load attacker %s: %w", id, err)
	}

	attacker.LastSeen = now
	attacker.DwellMinutes = int(attacker.LastSeen.Sub(attacker.FirstSeen) / time.Minute)

	distinct := len(st.VisitedDecoys.Distinct())
	attacker.Risk = riskForVisitCount(distinct, attacker.Risk)

	if st.Location != nil {
		attacker.Privilege = infer.Privilege(st.Location.Value)
	}

	if err := e.repo.UpsertAttacker(ctx, attacker); err != nil {
		return nil, false, fmt.Errorf("failed to persist attacker %s: %w", id, err)
	}

	if !created {
		e.log.Debug("Updated attacker",
			zap.String("attacker_id", id),
			zap.Int("dwell_minutes", attacker.DwellMinutes),
			zap.Int("distinct_decoys", distinct),
			zap.String("risk", string(attacker.Risk)))
	}
	return attacker, created, nil
}
