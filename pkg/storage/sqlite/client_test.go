package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(&Config{DBPath: filepath.Join(t.TempDir(), "engram.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id string, mutate func(*memory.Record)) *memory.Record {
	now := time.Now().UTC().Truncate(time.Second)
	rec := &memory.Record{
		ID:         id,
		TeamID:     "team-1",
		Type:       memory.TypeSemantic,
		Content:    "User prefers Go for backend work",
		Embedding:  []float64{1, 0, 0},
		Importance: 5,
		Confidence: 0.9,
		Source:     memory.SourceExtraction,
		Tier:       memory.TierWarm,
		Status:     memory.StatusActive,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mutate != nil {
		mutate(rec)
	}
	return rec
}

func TestInsertGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	rec := testRecord("mem-1", func(r *memory.Record) {
		r.AgentID = "agent-1"
		r.UserID = "user-1"
		r.ConversationID = "conv-1"
		r.Subject = "Lang.Preference"
		r.Pinned = true
		r.Contradicts = []string{"mem-9"}
		r.RelatedTo = []string{"mem-2", "mem-3"}
		r.Metadata = map[string]interface{}{"positive_feedback": true}
		r.ExpiresAt = &expires
	})
	require.NoError(t, store.Insert(ctx, rec))

	got, err := store.Get(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, rec.TeamID, got.TeamID)
	assert.Equal(t, rec.AgentID, got.AgentID)
	assert.Equal(t, rec.Content, got.Content)
	assert.Equal(t, rec.Embedding, got.Embedding)
	assert.Equal(t, rec.Importance, got.Importance)
	assert.True(t, got.Pinned)
	assert.Equal(t, []string{"mem-9"}, got.Contradicts)
	assert.Equal(t, []string{"mem-2", "mem-3"}, got.RelatedTo)
	assert.Equal(t, true, got.Metadata["positive_feedback"])
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestInsertRejectsInvalidRecord(t *testing.T) {
	store := newTestStore(t)

	rec := testRecord("bad", func(r *memory.Record) { r.Content = "" })
	err := store.Insert(context.Background(), rec)
	assert.ErrorIs(t, err, memory.ErrInvalidRecord)
}

func TestUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("mem-1", nil)
	require.NoError(t, store.Insert(ctx, rec))

	rec.Content = "User strongly prefers Go"
	rec.Version = 2
	rec.Status = memory.StatusSuperseded
	rec.SupersededBy = "mem-2"
	rec.Tier = memory.TierCold
	require.NoError(t, store.Update(ctx, rec))

	got, err := store.Get(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "User strongly prefers Go", got.Content)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, memory.StatusSuperseded, got.Status)
	assert.Equal(t, "mem-2", got.SupersededBy)
	assert.Equal(t, memory.TierCold, got.Tier)
}

func TestUpdateMissingRecord(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(context.Background(), testRecord("ghost", nil))
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestSearchSimilarOrdersAndFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, testRecord("close", func(r *memory.Record) {
		r.Embedding = []float64{0.95, 0.312, 0}
	})))
	require.NoError(t, store.Insert(ctx, testRecord("closer", func(r *memory.Record) {
		r.Embedding = []float64{1, 0, 0}
	})))
	require.NoError(t, store.Insert(ctx, testRecord("far", func(r *memory.Record) {
		r.Embedding = []float64{0, 1, 0}
	})))
	require.NoError(t, store.Insert(ctx, testRecord("archived", func(r *memory.Record) {
		r.Embedding = []float64{1, 0, 0}
		r.Status = memory.StatusArchived
	})))

	matches, err := store.SearchSimilar(ctx, []float64{1, 0, 0}, &storage.SearchOptions{
		TeamID:        "team-1",
		MinSimilarity: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "closer", matches[0].Record.ID)
	assert.Equal(t, "close", matches[1].Record.ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestSearchSimilarAgentScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, testRecord("team-wide", nil)))
	require.NoError(t, store.Insert(ctx, testRecord("mine", func(r *memory.Record) {
		r.AgentID = "agent-1"
	})))
	require.NoError(t, store.Insert(ctx, testRecord("theirs", func(r *memory.Record) {
		r.AgentID = "agent-2"
	})))

	matches, err := store.SearchSimilar(ctx, []float64{1, 0, 0}, &storage.SearchOptions{
		TeamID:  "team-1",
		AgentID: "agent-1",
	})
	require.NoError(t, err)

	var ids []string
	for _, m := range matches {
		ids = append(ids, m.Record.ID)
	}
	assert.ElementsMatch(t, []string{"team-wide", "mine"}, ids)
}

func TestGetBySubjectNormalizes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, testRecord("pref", func(r *memory.Record) {
		r.Subject = "  Lang.Preference "
	})))
	require.NoError(t, store.Insert(ctx, testRecord("superseded", func(r *memory.Record) {
		r.Subject = "lang.preference"
		r.Status = memory.StatusSuperseded
	})))
	require.NoError(t, store.Insert(ctx, testRecord("other", func(r *memory.Record) {
		r.Subject = "editor.preference"
	})))

	recs, err := store.GetBySubject(ctx, "team-1", "", "LANG.PREFERENCE")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "pref", recs[0].ID)

	recs, err = store.GetBySubject(ctx, "team-1", "", "")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-10 * 24 * time.Hour).Truncate(time.Second)
	require.NoError(t, store.Insert(ctx, testRecord("old-episodic", func(r *memory.Record) {
		r.Type = memory.TypeEpisodic
		r.CreatedAt = old
		r.UpdatedAt = old
	})))
	require.NoError(t, store.Insert(ctx, testRecord("busy-episodic", func(r *memory.Record) {
		r.Type = memory.TypeEpisodic
		r.CreatedAt = old
		r.UpdatedAt = old
		r.AccessCount = 9
	})))
	require.NoError(t, store.Insert(ctx, testRecord("fresh-episodic", func(r *memory.Record) {
		r.Type = memory.TypeEpisodic
	})))
	require.NoError(t, store.Insert(ctx, testRecord("old-semantic", func(r *memory.Record) {
		r.CreatedAt = old
		r.UpdatedAt = old
	})))
	require.NoError(t, store.Insert(ctx, testRecord("no-embedding", func(r *memory.Record) {
		r.Type = memory.TypeEpisodic
		r.CreatedAt = old
		r.UpdatedAt = old
		r.Embedding = nil
	})))

	recs, err := store.List(ctx, &storage.ListOptions{
		TeamID:           "team-1",
		Types:            []memory.MemoryType{memory.TypeEpisodic},
		CreatedBefore:    time.Now().UTC().Add(-7 * 24 * time.Hour),
		MaxAccessCount:   3,
		RequireEmbedding: true,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "old-episodic", recs[0].ID)
}

func TestListOrderByLastAccessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	earlier := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	later := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, store.Insert(ctx, testRecord("stale", func(r *memory.Record) {
		r.LastAccessedAt = &earlier
	})))
	require.NoError(t, store.Insert(ctx, testRecord("recent", func(r *memory.Record) {
		r.LastAccessedAt = &later
	})))

	recs, err := store.List(ctx, &storage.ListOptions{
		TeamID:              "team-1",
		OrderByLastAccessed: true,
		Limit:               1,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "recent", recs[0].ID)
}

func TestTouchAccessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, testRecord("mem-1", nil)))
	require.NoError(t, store.Insert(ctx, testRecord("mem-2", nil)))

	require.NoError(t, store.TouchAccessed(ctx, []string{"mem-1", "mem-2"}))
	require.NoError(t, store.TouchAccessed(ctx, []string{"mem-1"}))

	one, err := store.Get(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, 2, one.AccessCount)
	require.NotNil(t, one.LastAccessedAt)

	two, err := store.Get(ctx, "mem-2")
	require.NoError(t, err)
	assert.Equal(t, 1, two.AccessCount)

	// Empty batch is a no-op.
	assert.NoError(t, store.TouchAccessed(ctx, nil))
}

func TestArchiveExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	future := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.Insert(ctx, testRecord("expired", func(r *memory.Record) {
		r.AgentID = "agent-1"
		r.ExpiresAt = &past
	})))
	require.NoError(t, store.Insert(ctx, testRecord("alive", func(r *memory.Record) {
		r.ExpiresAt = &future
	})))
	require.NoError(t, store.Insert(ctx, testRecord("no-expiry", nil)))

	agents, err := store.ArchiveExpired(ctx, "team-1", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, agents)

	expired, err := store.Get(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, memory.StatusArchived, expired.Status)
	assert.Equal(t, memory.TierCold, expired.Tier)

	alive, err := store.Get(ctx, "alive")
	require.NoError(t, err)
	assert.Equal(t, memory.StatusActive, alive.Status)
}

func TestDemoteStaleWarmHonorsGuards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-40 * 24 * time.Hour).Truncate(time.Second)
	seedStale := func(id string, mutate func(*memory.Record)) {
		rec := testRecord(id, func(r *memory.Record) {
			r.AgentID = "agent-1"
			r.CreatedAt = stale
			r.UpdatedAt = stale
			r.LastAccessedAt = &stale
			if mutate != nil {
				mutate(r)
			}
		})
		require.NoError(t, store.Insert(ctx, rec))
	}

	seedStale("plain", nil)
	seedStale("identity", func(r *memory.Record) { r.Type = memory.TypeIdentity })
	seedStale("pinned", func(r *memory.Record) { r.Pinned = true })
	seedStale("critical", func(r *memory.Record) { r.Importance = 9 })

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	agents, err := store.DemoteStaleWarm(ctx, "team-1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, agents)

	demoted, err := store.Get(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, memory.TierCold, demoted.Tier)

	for _, id := range []string{"identity", "pinned", "critical"} {
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, memory.TierWarm, rec.Tier, "%s must stay warm", id)
	}
}

func TestAuditEntriesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &audit.Entry{
		ID:        1,
		MemoryID:  "mem-1",
		TeamID:    "team-1",
		Kind:      audit.KindCreated,
		ChangedBy: "extraction",
		Reason:    "extracted from conversation",
		After: map[string]interface{}{
			"content": "User prefers Go",
		},
		CreatedAt: time.Now().UTC().Add(-time.Hour).Truncate(time.Second),
	}
	second := &audit.Entry{
		ID:        2,
		MemoryID:  "mem-1",
		TeamID:    "team-1",
		Kind:      audit.KindUpdated,
		ChangedBy: "consolidation",
		Reason:    "merged near-duplicate",
		Before: map[string]interface{}{
			"content": "User prefers Go",
		},
		After: map[string]interface{}{
			"content": "User strongly prefers Go",
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.AppendEntry(ctx, first))
	require.NoError(t, store.AppendEntry(ctx, second))

	entries, err := store.ListEntries(ctx, "team-1", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.KindCreated, entries[0].Kind)
	assert.Equal(t, audit.KindUpdated, entries[1].Kind)
	assert.Equal(t, "User strongly prefers Go", entries[1].After["content"])
	assert.Equal(t, "User prefers Go", entries[1].Before["content"])

	// The cutoff excludes later entries.
	entries, err = store.ListEntries(ctx, "team-1", time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindCreated, entries[0].Kind)
}
