package tier

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/storage/memstore"
)

func newManager(t *testing.T) (*Manager, *memstore.Store, *audit.Log) {
	t.Helper()
	store := memstore.New()
	log, err := audit.NewLog(store, nil)
	require.NoError(t, err)
	mgr, err := NewManager(store, log, nil)
	require.NoError(t, err)
	return mgr, store, log
}

func seedRecord(t *testing.T, store *memstore.Store, mutate func(*memory.Record)) *memory.Record {
	t.Helper()
	now := time.Now().UTC()
	rec := &memory.Record{
		ID:         "mem-1",
		TeamID:     "team-1",
		Type:       memory.TypeSemantic,
		Content:    "User prefers Go",
		Importance: 5,
		Confidence: 0.9,
		Source:     memory.SourceExtraction,
		Version:    1,
		Tier:       memory.TierWarm,
		Status:     memory.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, store.Insert(context.Background(), rec))
	return rec
}

func TestPromotionRules(t *testing.T) {
	mgr, _, _ := newManager(t)
	recent := time.Now().UTC().Add(-time.Hour)

	t.Run("high access within window goes hot", func(t *testing.T) {
		rec := &memory.Record{Tier: memory.TierWarm, AccessCount: 11, LastAccessedAt: &recent, Importance: 5}
		target, _ := mgr.EvaluatePromotion(rec)
		assert.Equal(t, memory.TierHot, target)
	})

	t.Run("high access outside window stays", func(t *testing.T) {
		old := time.Now().UTC().Add(-8 * 24 * time.Hour)
		rec := &memory.Record{Tier: memory.TierWarm, AccessCount: 11, LastAccessedAt: &old, Importance: 5}
		target, _ := mgr.EvaluatePromotion(rec)
		assert.Equal(t, memory.TierWarm, target)
	})

	t.Run("pinned goes hot", func(t *testing.T) {
		rec := &memory.Record{Tier: memory.TierCold, Pinned: true, Importance: 5}
		target, _ := mgr.EvaluatePromotion(rec)
		assert.Equal(t, memory.TierHot, target)
	})

	t.Run("positive feedback steps up one tier", func(t *testing.T) {
		rec := &memory.Record{
			Tier:       memory.TierCold,
			Importance: 7,
			Metadata:   map[string]interface{}{"positive_feedback": true},
		}
		target, _ := mgr.EvaluatePromotion(rec)
		assert.Equal(t, memory.TierWarm, target)
	})

	t.Run("positive feedback below importance floor stays", func(t *testing.T) {
		rec := &memory.Record{
			Tier:       memory.TierCold,
			Importance: 6,
			Metadata:   map[string]interface{}{"positive_feedback": true},
		}
		target, _ := mgr.EvaluatePromotion(rec)
		assert.Equal(t, memory.TierCold, target)
	})
}

// Demotion guards short-circuit before any rule: identity, pinned, and
// importance >= 8 records never move down, whatever else is true of them.
func TestDemotionGuardsAreAbsolute(t *testing.T) {
	mgr, _, _ := newManager(t)
	rng := rand.New(rand.NewSource(1))
	tiers := []memory.Tier{memory.TierHot, memory.TierWarm, memory.TierCold}
	statuses := []memory.Status{memory.StatusActive, memory.StatusSuperseded, memory.StatusDisputed}

	for i := 0; i < 500; i++ {
		created := time.Now().UTC().Add(-time.Duration(rng.Intn(365*24)) * time.Hour)
		rec := &memory.Record{
			Tier:        tiers[rng.Intn(len(tiers))],
			Status:      statuses[rng.Intn(len(statuses))],
			AccessCount: rng.Intn(20),
			CreatedAt:   created,
		}
		if rng.Intn(2) == 0 {
			accessed := time.Now().UTC().Add(-time.Duration(rng.Intn(90*24)) * time.Hour)
			rec.LastAccessedAt = &accessed
		}
		switch i % 3 {
		case 0:
			rec.Type = memory.TypeIdentity
			rec.Importance = 1 + rng.Intn(10)
		case 1:
			rec.Type = memory.TypeSemantic
			rec.Pinned = true
			rec.Importance = 1 + rng.Intn(10)
		default:
			rec.Type = memory.TypeSemantic
			rec.Importance = 8 + rng.Intn(3)
		}

		target, _ := mgr.EvaluateDemotion(rec)
		assert.Equal(t, rec.Tier, target, "guarded record %d was demoted", i)
	}
}

func TestDemotionRules(t *testing.T) {
	mgr, _, _ := newManager(t)

	t.Run("superseded goes cold", func(t *testing.T) {
		rec := &memory.Record{Tier: memory.TierWarm, Status: memory.StatusSuperseded, Importance: 5, CreatedAt: time.Now()}
		target, _ := mgr.EvaluateDemotion(rec)
		assert.Equal(t, memory.TierCold, target)
	})

	t.Run("old trivial unread goes cold", func(t *testing.T) {
		rec := &memory.Record{
			Tier:        memory.TierWarm,
			Status:      memory.StatusActive,
			Importance:  2,
			AccessCount: 1,
			CreatedAt:   time.Now().UTC().Add(-91 * 24 * time.Hour),
		}
		target, _ := mgr.EvaluateDemotion(rec)
		assert.Equal(t, memory.TierCold, target)
	})

	t.Run("idle hot drops to warm", func(t *testing.T) {
		stale := time.Now().UTC().Add(-31 * 24 * time.Hour)
		rec := &memory.Record{
			Tier:           memory.TierHot,
			Status:         memory.StatusActive,
			Importance:     5,
			AccessCount:    3,
			CreatedAt:      time.Now().UTC().Add(-60 * 24 * time.Hour),
			LastAccessedAt: &stale,
		}
		target, _ := mgr.EvaluateDemotion(rec)
		assert.Equal(t, memory.TierWarm, target)
	})

	t.Run("busy record stays", func(t *testing.T) {
		recent := time.Now().UTC().Add(-time.Hour)
		rec := &memory.Record{
			Tier:           memory.TierHot,
			Status:         memory.StatusActive,
			Importance:     5,
			AccessCount:    7,
			CreatedAt:      time.Now().UTC().Add(-10 * 24 * time.Hour),
			LastAccessedAt: &recent,
		}
		target, _ := mgr.EvaluateDemotion(rec)
		assert.Equal(t, memory.TierHot, target)
	})
}

func TestEvaluateAppliesAndAudits(t *testing.T) {
	mgr, store, log := newManager(t)
	ctx := context.Background()

	recent := time.Now().UTC().Add(-time.Hour)
	seedRecord(t, store, func(r *memory.Record) {
		r.AccessCount = 11
		r.LastAccessedAt = &recent
	})

	transition, err := mgr.Evaluate(ctx, "mem-1")
	require.NoError(t, err)
	require.NotNil(t, transition)
	assert.Equal(t, memory.TierWarm, transition.From)
	assert.Equal(t, memory.TierHot, transition.To)

	rec, err := store.Get(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, memory.TierHot, rec.Tier)

	snapshots, err := log.ReconstructAt(ctx, "team-1", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	// No created entry was written, so replay has nothing to fold into.
	assert.Empty(t, snapshots)

	entries, err := store.ListEntries(ctx, "team-1", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindPromoted, entries[0].Kind)
}

func TestEvaluateMissingRecordIsNoOp(t *testing.T) {
	mgr, _, _ := newManager(t)
	transition, err := mgr.Evaluate(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, transition)
}

func TestMarkSuperseded(t *testing.T) {
	mgr, store, _ := newManager(t)
	ctx := context.Background()
	seedRecord(t, store, nil)

	require.NoError(t, mgr.MarkSuperseded(ctx, "mem-1", "mem-2", "test", "replaced"))

	rec, err := store.Get(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, memory.StatusSuperseded, rec.Status)
	assert.Equal(t, "mem-2", rec.SupersededBy)
	assert.Equal(t, memory.TierCold, rec.Tier)

	// Missing records are a no-op, not an error.
	require.NoError(t, mgr.MarkSuperseded(ctx, "ghost", "mem-2", "test", "replaced"))
}
