package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mirageops/mirage/api/schemas"
	"github.com/mirageops/mirage/internal/store"
)

// fakeRepo is an in-memory Repository for merge tests.
type fakeRepo struct {
	attackers map[string]schemas.Attacker
	upserts   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{attackers: make(map[string]schemas.Attacker)}
}

func (f *fakeRepo) GetAttacker(_ context.Context, id string) (*schemas.Attacker, error) {
	a, ok := f.attackers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copy := a
	return &copy, nil
}

func (f *fakeRepo) UpsertAttacker(_ context.Context, a *schemas.Attacker) error {
	f.upserts++
	existing, ok := f.attackers[a.ID]
	stored := *a
	if ok {
		// Mirror the store's monotonic guard.
		stored.Risk = schemas.MaxRisk(existing.Risk, a.Risk)
		stored.FirstSeen = existing.FirstSeen
		stored.EntryPoint = existing.EntryPoint
		stored.Campaign = existing.Campaign
	}
	f.attackers[a.ID] = stored
	return nil
}

func visits(decoys ...string) schemas.AttackerState {
	return schemas.AttackerState{VisitedDecoys: schemas.GSet{Elements: decoys}}
}

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func TestReconcileCreatesAttackerWithDefaults(t *testing.T) {
	repo := newFakeRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(repo, zap.NewNop(), fixedClock(now))

	st := schemas.AttackerState{
		Actions: schemas.ActionMap{Entries: map[string]schemas.ActionEntry{
			"fake-db-01": {Action: "select * from users", Timestamp: 1, Node: "fake-db-01"},
		}},
	}

	a, created, err := e.Reconcile(context.Background(), "10.0.0.5", st, "fake-web-01")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "APT-10-0-0-5", a.ID)
	assert.Equal(t, "10.0.0.5", a.IPAddress)
	assert.Equal(t, "fake-web-01", a.EntryPoint)
	assert.Equal(t, "User", a.Privilege)
	assert.Equal(t, schemas.RiskMedium, a.Risk)
	assert.Equal(t, "Opportunistic", a.Campaign)
	assert.Equal(t, schemas.AttackerActive, a.Status)
	assert.Equal(t, 0, a.DwellMinutes)
	assert.Equal(t, now, a.FirstSeen)
}

func TestReconcileCampaignFromActionHints(t *testing.T) {
	repo := newFakeRepo()
	e := New(repo, zap.NewNop(), fixedClock(time.Now()))

	st := schemas.AttackerState{
		Actions: schemas.ActionMap{Entries: map[string]schemas.ActionEntry{
			"mimikatz-drop": {Action: "x", Timestamp: 1, Node: "n"},
		}},
	}
	a, _, err := e.Reconcile(context.Background(), "10.0.0.6", st, "fake-web-01")
	require.NoError(t, err)
	assert.Equal(t, "Shadow Hydra", a.Campaign)
}

func TestReconcileRiskThresholds(t *testing.T) {
	cases := []struct {
		name   string
		decoys []string
		want   schemas.RiskLevel
	}{
		{"six distinct is critical", []string{"a", "b", "c", "d", "e", "f"}, schemas.RiskCritical},
		{"four distinct is high", []string{"a", "b", "c", "d"}, schemas.RiskHigh},
		{"two distinct is medium", []string{"a", "b"}, schemas.RiskMedium},
		{"one distinct keeps prior", []string{"a"}, schemas.RiskLow},
		{"zero keeps prior", nil, schemas.RiskLow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newFakeRepo()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			// Seed a Low-risk attacker so "unchanged" is observable.
			repo.attackers["APT-10-0-0-7"] = schemas.Attacker{
				ID: "APT-10-0-0-7", IPAddress: "10.0.0.7", EntryPoint: "fake-web-01",
				Privilege: "User", Risk: schemas.RiskLow, Campaign: "Opportunistic",
				FirstSeen: now.Add(-time.Hour), LastSeen: now.Add(-time.Hour),
				Status: schemas.AttackerActive,
			}

			e := New(repo, zap.NewNop(), fixedClock(now))
			a, created, err := e.Reconcile(context.Background(), "10.0.0.7", visits(tc.decoys...), "fake-web-01")
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, tc.want, a.Risk)
		})
	}
}

func TestReconcileDistinctCountNotRawCount(t *testing.T) {
	repo := newFakeRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(repo, zap.NewNop(), fixedClock(now))

	// Six raw elements, five distinct: must be High, not Critical.
	st := visits("fake-web-01", "fake-web-01", "fake-jump-01", "fake-redis-01", "fake-rdp-01", "fake-ftp-01")
	a, _, err := e.Reconcile(context.Background(), "10.0.0.5", st, "fake-web-01")
	require.NoError(t, err)
	assert.Equal(t, schemas.RiskHigh, a.Risk)
}

func TestReconcileRiskNeverDowngrades(t *testing.T) {
	repo := newFakeRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.attackers["APT-10-0-0-8"] = schemas.Attacker{
		ID: "APT-10-0-0-8", IPAddress: "10.0.0.8", EntryPoint: "fake-web-01",
		Privilege: "User", Risk: schemas.RiskCritical, Campaign: "Opportunistic",
		FirstSeen: now.Add(-2 * time.Hour), LastSeen: now.Add(-time.Hour),
		Status: schemas.AttackerActive,
	}

	e := New(repo, zap.NewNop(), fixedClock(now))
	// A partial re-delivery reporting only two decoys must not demote.
	a, _, err := e.Reconcile(context.Background(), "10.0.0.8", visits("a", "b"), "fake-web-01")
	require.NoError(t, err)
	assert.Equal(t, schemas.RiskCritical, a.Risk)
}

func TestReconcileDwellTime(t *testing.T) {
	repo := newFakeRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.attackers["APT-10-0-0-9"] = schemas.Attacker{
		ID: "APT-10-0-0-9", IPAddress: "10.0.0.9", EntryPoint: "fake-web-01",
		Privilege: "User", Risk: schemas.RiskMedium, Campaign: "Opportunistic",
		FirstSeen: now.Add(-125 * time.Minute), LastSeen: now.Add(-time.Hour),
		Status: schemas.AttackerActive,
	}

	e := New(repo, zap.NewNop(), fixedClock(now))
	a, _, err := e.Reconcile(context.Background(), "10.0.0.9", visits(), "fake-web-01")
	require.NoError(t, err)
	assert.Equal(t, 125, a.DwellMinutes)
	assert.Equal(t, now, a.LastSeen)
}

func TestReconcileIdempotentForFixedNow(t *testing.T) {
	repo := newFakeRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(repo, zap.NewNop(), fixedClock(now))

	st := schemas.AttackerState{
		VisitedDecoys: schemas.GSet{Elements: []string{"a", "b", "c", "d"}},
		Location:      &schemas.LWWRegister{Value: "db-server"},
	}

	first, created, err := e.Reconcile(context.Background(), "10.0.0.5", st, "fake-web-01")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := e.Reconcile(context.Background(), "10.0.0.5", st, "fake-web-01")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second, "replaying the same snapshot must not change attacker fields")
	assert.Equal(t, "DB Admin", second.Privilege)
}

func TestReconcilePrivilegeLastWriterWins(t *testing.T) {
	repo := newFakeRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(repo, zap.NewNop(), fixedClock(now))

	stAdmin := schemas.AttackerState{Location: &schemas.LWWRegister{Value: "/root"}}
	a, _, err := e.Reconcile(context.Background(), "10.0.0.5", stAdmin, "fake-web-01")
	require.NoError(t, err)
	assert.Equal(t, "Admin", a.Privilege)

	// A later register value overwrites the inference entirely.
	stUser := schemas.AttackerState{Location: &schemas.LWWRegister{Value: "/home/guest"}}
	a, _, err = e.Reconcile(context.Background(), "10.0.0.5", stUser, "fake-web-01")
	require.NoError(t, err)
	assert.Equal(t, "User", a.Privilege)

	// Absent register leaves privilege untouched.
	a, _, err = e.Reconcile(context.Background(), "10.0.0.5", schemas.AttackerState{}, "fake-web-01")
	require.NoError(t, err)
	assert.Equal(t, "User", a.Privilege)
}
