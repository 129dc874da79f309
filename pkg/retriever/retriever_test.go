package retriever_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/pkg/budget"
	"github.com/engramlabs/engram-go/pkg/cache"
	"github.com/engramlabs/engram-go/pkg/contradiction"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/retriever"
	"github.com/engramlabs/engram-go/pkg/storage/memstore"
)

type fakeEmbedder struct {
	vectors map[string][]float64
	fail    error
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	if v, ok := f.vectors[memory.NormalizeContent(text)]; ok {
		return v, nil
	}
	return []float64{0, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Close() error    { return nil }

// warmRecorder records WarmCache calls on a channel so the detached warm
// goroutine can be awaited.
type warmRecorder struct {
	cache.NopCache
	warmed chan int
}

func (w *warmRecorder) WarmCache(ctx context.Context, agentID, userID string, scored []*memory.ScoredRecord) error {
	w.warmed <- len(scored)
	return nil
}

func vectorAt(sim float64) []float64 {
	return []float64{sim, math.Sqrt(1 - sim*sim), 0}
}

func seed(t *testing.T, store *memstore.Store, rec *memory.Record) {
	t.Helper()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
		rec.UpdatedAt = now
	}
	if rec.Importance == 0 {
		rec.Importance = 5
	}
	if rec.Tier == "" {
		rec.Tier = memory.TierWarm
	}
	if rec.Status == "" {
		rec.Status = memory.StatusActive
	}
	if rec.Source == "" {
		rec.Source = memory.SourceExtraction
	}
	if rec.Confidence == 0 {
		rec.Confidence = 0.9
	}
	require.NoError(t, store.Insert(context.Background(), rec))
}

func newRetriever(t *testing.T, store *memstore.Store, emb *fakeEmbedder, shared cache.SharedCache) *retriever.Retriever {
	t.Helper()
	det, err := contradiction.NewDetector(store, emb, nil)
	require.NoError(t, err)
	r, err := retriever.New(store, emb, det, budget.NewManager(nil, nil), shared, retriever.Weights{}, nil)
	require.NoError(t, err)
	return r
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	store := memstore.New()
	emb := &fakeEmbedder{vectors: map[string][]float64{"what pets does the user like": vectorAt(1.0)}}

	seed(t, store, &memory.Record{ID: "close", TeamID: "team-1", Type: memory.TypeSemantic,
		Content: "User loves cats", Embedding: vectorAt(0.95)})
	seed(t, store, &memory.Record{ID: "far", TeamID: "team-1", Type: memory.TypeSemantic,
		Content: "Deploys happen on Tuesdays", Embedding: vectorAt(0.1)})

	r := newRetriever(t, store, emb, nil)
	result, err := r.Retrieve(context.Background(), "What pets does the user like", "team-1", nil)
	require.NoError(t, err)

	require.Len(t, result.Memories, 2)
	assert.Equal(t, "close", result.Memories[0].Record.ID)
	assert.Greater(t, result.Memories[0].FinalScore, result.Memories[1].FinalScore)
	assert.False(t, result.Stats.CacheHit)
	assert.Equal(t, 2, result.Stats.CandidateCount)
	assert.Contains(t, result.PromptFragment, "User loves cats")
}

func TestRetrieveEmbeddingFailurePropagates(t *testing.T) {
	store := memstore.New()
	emb := &fakeEmbedder{fail: errors.New("upstream down")}

	r := newRetriever(t, store, emb, nil)
	_, err := r.Retrieve(context.Background(), "anything", "team-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestRetrieveCachesResults(t *testing.T) {
	store := memstore.New()
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	seed(t, store, &memory.Record{ID: "m1", TeamID: "team-1", Type: memory.TypeSemantic,
		Content: "User loves cats", Embedding: vectorAt(0.9)})

	r := newRetriever(t, store, emb, nil)
	ctx := context.Background()

	first, err := r.Retrieve(ctx, "pets", "team-1", nil)
	require.NoError(t, err)
	assert.False(t, first.Stats.CacheHit)

	second, err := r.Retrieve(ctx, "  PETS ", "team-1", nil)
	require.NoError(t, err)
	assert.True(t, second.Stats.CacheHit)
	assert.Equal(t, 1, emb.calls, "cache hit must not re-embed")

	// A different scope misses.
	third, err := r.Retrieve(ctx, "pets", "team-1", &retriever.Options{ConversationID: "conv-9"})
	require.NoError(t, err)
	assert.False(t, third.Stats.CacheHit)
}

func TestRetrieveSignals(t *testing.T) {
	store := memstore.New()
	emb := &fakeEmbedder{vectors: map[string][]float64{}}

	seed(t, store, &memory.Record{ID: "identity", TeamID: "team-1", Type: memory.TypeIdentity,
		Content: "I am Atlas", Embedding: vectorAt(0.5), Importance: 2})
	seed(t, store, &memory.Record{ID: "disputed", TeamID: "team-1", Type: memory.TypeSemantic,
		Content: "Dogs are best", Embedding: vectorAt(0.5), Importance: 6, Status: memory.StatusDisputed})
	seed(t, store, &memory.Record{ID: "continuity", TeamID: "team-1", Type: memory.TypeSemantic,
		Content: "We were discussing tests", Embedding: vectorAt(0.5), ConversationID: "conv-1"})
	seed(t, store, &memory.Record{ID: "hub", TeamID: "team-1", Type: memory.TypeSemantic,
		Content: "Linked fact", Embedding: vectorAt(0.5)})
	seed(t, store, &memory.Record{ID: "spoke", TeamID: "team-1", Type: memory.TypeSemantic,
		Content: "Points at the hub", Embedding: vectorAt(0.5), RelatedTo: []string{"hub"}})

	r := newRetriever(t, store, emb, nil)
	result, err := r.Retrieve(context.Background(), "query", "team-1",
		&retriever.Options{ConversationID: "conv-1"})
	require.NoError(t, err)

	byID := make(map[string]*memory.ScoredRecord)
	for _, s := range result.Memories {
		byID[s.Record.ID] = s
	}
	require.Len(t, byID, 5)

	assert.Equal(t, 1.0, byID["identity"].Signals.Importance)
	assert.InDelta(t, 0.3, byID["disputed"].Signals.Importance, 1e-9) // 6/10 halved
	assert.Equal(t, 1.0, byID["continuity"].Signals.Continuity)
	assert.Equal(t, 0.0, byID["spoke"].Signals.Continuity)
	assert.Equal(t, 0.5, byID["hub"].Signals.Relationship)
	assert.Equal(t, 0.0, byID["spoke"].Signals.Relationship)
}

func TestRetrieveTouchesIncludedRecords(t *testing.T) {
	store := memstore.New()
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	seed(t, store, &memory.Record{ID: "m1", TeamID: "team-1", Type: memory.TypeSemantic,
		Content: "User loves cats", Embedding: vectorAt(0.9)})

	r := newRetriever(t, store, emb, nil)
	_, err := r.Retrieve(context.Background(), "pets", "team-1", nil)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AccessCount)
	assert.NotNil(t, rec.LastAccessedAt)
}

func TestRetrieveWarmsSharedCache(t *testing.T) {
	store := memstore.New()
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	seed(t, store, &memory.Record{ID: "m1", TeamID: "team-1", AgentID: "agent-1",
		Type: memory.TypeSemantic, Content: "User loves cats", Embedding: vectorAt(0.9)})

	shared := &warmRecorder{warmed: make(chan int, 1)}
	r := newRetriever(t, store, emb, shared)

	_, err := r.Retrieve(context.Background(), "pets", "team-1",
		&retriever.Options{AgentID: "agent-1", UserID: "user-1"})
	require.NoError(t, err)

	select {
	case n := <-shared.warmed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("shared cache was never warmed")
	}
}

func TestRetrieveServesFromSharedCache(t *testing.T) {
	store := memstore.New()
	emb := &fakeEmbedder{vectors: map[string][]float64{}}

	shared := &staticShared{scored: []*memory.ScoredRecord{{
		Record:     &memory.Record{ID: "warm-1", TeamID: "team-1", Type: memory.TypeSemantic, Content: "Warmed fact"},
		FinalScore: 0.9,
	}}}
	r := newRetriever(t, store, emb, shared)

	result, err := r.Retrieve(context.Background(), "pets", "team-1",
		&retriever.Options{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.True(t, result.Stats.SharedCacheHit)
	require.Len(t, result.Memories, 1)
	assert.Equal(t, "warm-1", result.Memories[0].Record.ID)
	assert.Equal(t, 0, emb.calls, "shared cache hit must not embed")
}

type staticShared struct {
	cache.NopCache
	scored []*memory.ScoredRecord
}

func (s *staticShared) GetMemories(ctx context.Context, agentID, userID string, limit int) ([]*memory.ScoredRecord, error) {
	return s.scored, nil
}
