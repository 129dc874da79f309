package contradiction_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/pkg/contradiction"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/storage/memstore"
)

// mapEmbedder returns a fixed vector per normalized text and counts calls.
type mapEmbedder struct {
	vectors map[string][]float64
	calls   int
}

func (m *mapEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	m.calls++
	if v, ok := m.vectors[memory.NormalizeContent(text)]; ok {
		return v, nil
	}
	return []float64{0, 0, 1}, nil
}

func (m *mapEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *mapEmbedder) Dimensions() int { return 3 }
func (m *mapEmbedder) Close() error    { return nil }

// vectorAt returns a unit vector whose cosine similarity to [1,0,0] is sim.
func vectorAt(sim float64) []float64 {
	return []float64{sim, math.Sqrt(1 - sim*sim), 0}
}

func seed(t *testing.T, store *memstore.Store, id, subject, content string, importance int, embedding []float64) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.Insert(context.Background(), &memory.Record{
		ID:         id,
		TeamID:     "team-1",
		Type:       memory.TypeSemantic,
		Content:    content,
		Subject:    subject,
		Embedding:  embedding,
		Importance: importance,
		Confidence: 0.9,
		Source:     memory.SourceExtraction,
		Version:    1,
		Tier:       memory.TierWarm,
		Status:     memory.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func newDetector(t *testing.T, store *memstore.Store, vectors map[string][]float64) *contradiction.Detector {
	t.Helper()
	det, err := contradiction.NewDetector(store, &mapEmbedder{vectors: vectors}, nil)
	require.NoError(t, err)
	return det
}

func TestNoSubjectCoexistsWithoutQuerying(t *testing.T) {
	store := memstore.New()
	emb := &mapEmbedder{vectors: map[string][]float64{
		"dogs are the best pets": vectorAt(1.0),
	}}
	det, err := contradiction.NewDetector(store, emb, nil)
	require.NoError(t, err)

	// An existing record well inside the contradiction band must not matter:
	// a subjectless candidate coexists before any query is issued.
	seed(t, store, "mem-cats", "pet.preference", "Cats are the best pets", 5, vectorAt(0.85))

	decision, err := det.CheckOnStore(context.Background(), &memory.Candidate{
		Type: memory.TypeSemantic, Content: "Dogs are the best pets", Importance: 5,
	}, "team-1", "")
	require.NoError(t, err)
	assert.Equal(t, contradiction.ActionCoexist, decision.Action)
	assert.Empty(t, decision.ContradictingIDs)
	assert.Zero(t, emb.calls)
}

func TestIdenticalContentIsIdempotentCoexist(t *testing.T) {
	store := memstore.New()
	vectors := map[string][]float64{
		"cats are the best pets": vectorAt(1.0),
	}
	det := newDetector(t, store, vectors)
	seed(t, store, "mem-1", "pet.preference", "Cats are the best pets", 5, vectorAt(1.0))

	decision, err := det.CheckOnStore(context.Background(), &memory.Candidate{
		Type: memory.TypeSemantic, Content: "Cats are the BEST pets",
		Subject: "Pet.Preference", Importance: 5,
	}, "team-1", "")
	require.NoError(t, err)
	assert.Equal(t, contradiction.ActionCoexist, decision.Action)
	assert.Empty(t, decision.ContradictingIDs)
}

func TestSubjectConflictDisputesWithoutClearWinner(t *testing.T) {
	store := memstore.New()
	vectors := map[string][]float64{
		"dogs are the best pets": vectorAt(0.85),
	}
	det := newDetector(t, store, vectors)
	seed(t, store, "mem-cats", "pet.preference", "Cats are the best pets", 5, vectorAt(1.0))

	decision, err := det.CheckOnStore(context.Background(), &memory.Candidate{
		Type: memory.TypeSemantic, Content: "Dogs are the best pets",
		Subject: "pet.preference", Importance: 5,
	}, "team-1", "")
	require.NoError(t, err)
	assert.Equal(t, contradiction.ActionDispute, decision.Action)
	assert.Equal(t, []string{"mem-cats"}, decision.ContradictingIDs)
}

func TestSubjectConflictSupersedesOnHigherImportance(t *testing.T) {
	store := memstore.New()
	vectors := map[string][]float64{
		"dogs are the best pets": vectorAt(0.85),
	}
	det := newDetector(t, store, vectors)
	seed(t, store, "mem-cats", "pet.preference", "Cats are the best pets", 5, vectorAt(1.0))

	decision, err := det.CheckOnStore(context.Background(), &memory.Candidate{
		Type: memory.TypeSemantic, Content: "Dogs are the best pets",
		Subject: "pet.preference", Importance: 8,
	}, "team-1", "")
	require.NoError(t, err)
	assert.Equal(t, contradiction.ActionSupersede, decision.Action)
	assert.Equal(t, []string{"mem-cats"}, decision.ContradictingIDs)
}

func TestSemanticPassUpgradesCoexistToDispute(t *testing.T) {
	store := memstore.New()
	vectors := map[string][]float64{
		"the office is closed on fridays": vectorAt(1.0),
	}
	det := newDetector(t, store, vectors)
	// No shared subject, but similarity 0.85 lands in the contradiction band.
	seed(t, store, "mem-open", "", "The office is open on Fridays", 5, vectorAt(0.85))

	decision, err := det.CheckOnStore(context.Background(), &memory.Candidate{
		Type: memory.TypeSemantic, Content: "The office is closed on Fridays",
		Subject: "office.hours", Importance: 5,
	}, "team-1", "")
	require.NoError(t, err)
	assert.Equal(t, contradiction.ActionDispute, decision.Action)
	assert.Equal(t, []string{"mem-open"}, decision.ContradictingIDs)
}

func TestSemanticPassNeverDowngradesSupersede(t *testing.T) {
	store := memstore.New()
	vectors := map[string][]float64{
		"dogs are the best pets": vectorAt(1.0),
	}
	det := newDetector(t, store, vectors)
	seed(t, store, "mem-cats", "pet.preference", "Cats are the best pets", 3, vectorAt(0.85))

	decision, err := det.CheckOnStore(context.Background(), &memory.Candidate{
		Type: memory.TypeSemantic, Content: "Dogs are the best pets",
		Subject: "pet.preference", Importance: 9,
	}, "team-1", "")
	require.NoError(t, err)
	// mem-cats sits in the semantic band too, but was already flagged by
	// subject, so it is neither duplicated nor able to downgrade the action.
	assert.Equal(t, contradiction.ActionSupersede, decision.Action)
	assert.Equal(t, []string{"mem-cats"}, decision.ContradictingIDs)
}

func TestSemanticPassIgnoresNearDuplicates(t *testing.T) {
	store := memstore.New()
	vectors := map[string][]float64{
		"cats are great pets": vectorAt(1.0),
	}
	det := newDetector(t, store, vectors)
	// Similarity 0.95 is above the dedup ceiling: duplicate, not conflict.
	seed(t, store, "mem-dup", "", "Cats are wonderful pets", 5, vectorAt(0.95))

	decision, err := det.CheckOnStore(context.Background(), &memory.Candidate{
		Type: memory.TypeSemantic, Content: "Cats are great pets",
		Subject: "pet.quality", Importance: 5,
	}, "team-1", "")
	require.NoError(t, err)
	assert.Equal(t, contradiction.ActionCoexist, decision.Action)
}

func TestCheckOnRetrieve(t *testing.T) {
	store := memstore.New()
	det := newDetector(t, store, nil)

	scoredOf := func(id, subject, content string) *memory.ScoredRecord {
		return &memory.ScoredRecord{Record: &memory.Record{ID: id, Subject: subject, Content: content}}
	}

	scored := []*memory.ScoredRecord{
		scoredOf("a", "pet.preference", "Cats are the best pets"),
		scoredOf("b", "pet.preference", "Dogs are the best pets"),
		scoredOf("c", "pet.preference", "cats are the best pets"), // duplicate of a
		scoredOf("d", "", "Subjectless records never pair"),
		scoredOf("e", "deploy.day", "Deploys happen on Tuesdays"),
	}

	contradictions := det.CheckOnRetrieve(scored)
	// a-b and b-c differ; a-c is a normalized duplicate.
	require.Len(t, contradictions, 2)
	for _, c := range contradictions {
		assert.Equal(t, "pet.preference", c.Subject)
	}
}
