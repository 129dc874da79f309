// Package consolidation implements the background maintenance jobs that keep
// the active memory set small: merging near-duplicates, summarizing stale
// episodic clusters, and decaying/expiring records with cache invalidation.
package consolidation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/cache"
	"github.com/engramlabs/engram-go/pkg/embedder"
	"github.com/engramlabs/engram-go/pkg/llm"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/storage"
	"github.com/engramlabs/engram-go/pkg/tier"
)

const (
	// mergeFetchLimit bounds how many memories one merge run considers.
	mergeFetchLimit = 500

	// mergeThreshold is the similarity at which two same-type memories
	// are considered near-duplicates.
	mergeThreshold = 0.92

	// Episodic summarization bounds.
	episodicMinAge      = 7 * 24 * time.Hour
	episodicMaxAccess   = 3
	clusterThreshold    = 0.80
	minClusterSize      = 3
	summarizeFetchLimit = 500

	// staleWarmAge is how long a warm memory may go untouched before
	// demotion.
	staleWarmAge = 30 * 24 * time.Hour
)

// MergeResult summarizes one MergeNearDuplicates run.
type MergeResult struct {
	Examined int `json:"examined"`
	Merged   int `json:"merged"`
	Skipped  int `json:"skipped"`
}

// SummarizeResult summarizes one SummarizeOldEpisodic run.
type SummarizeResult struct {
	Examined   int `json:"examined"`
	Clusters   int `json:"clusters"`
	Summarized int `json:"summarized"`
}

// DecayResult summarizes one DecayAndExpire run.
type DecayResult struct {
	Archived         int `json:"archived_agents"`
	Demoted          int `json:"demoted_agents"`
	InvalidatedCache int `json:"invalidated_cache"`
}

// Consolidator runs the three maintenance jobs. Each job is idempotent and
// scoped to one (team, agent) pair, so re-runs after a task-queue retry are
// safe.
type Consolidator struct {
	store    storage.Store
	embedder embedder.Provider
	llm      llm.Provider
	shared   cache.SharedCache
	audit    *audit.Log
	tiers    *tier.Manager
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a consolidator. A nil shared cache disables invalidation; a nil
// logger disables logging.
func New(store storage.Store, emb embedder.Provider, llmProvider llm.Provider, shared cache.SharedCache, auditLog *audit.Log, tiers *tier.Manager, logger *zap.Logger) (*Consolidator, error) {
	if store == nil || emb == nil || llmProvider == nil || auditLog == nil || tiers == nil {
		return nil, fmt.Errorf("%w: consolidator requires store, embedder, llm, audit log, and tier manager", memory.ErrInvalidConfig)
	}
	if shared == nil {
		shared = cache.NopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{
		store:    store,
		embedder: emb,
		llm:      llmProvider,
		shared:   shared,
		audit:    auditLog,
		tiers:    tiers,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// MergeNearDuplicates merges pairs of same-type active memories whose
// embeddings are nearly identical. The merged content lands on the
// higher-importance record (ties keep the first); the other is superseded. A
// failed LLM or embedding call skips that pair only.
func (c *Consolidator) MergeNearDuplicates(ctx context.Context, teamID, agentID string) (*MergeResult, error) {
	records, err := c.store.List(ctx, &storage.ListOptions{
		TeamID:              teamID,
		AgentID:             agentID,
		Statuses:            []memory.Status{memory.StatusActive},
		RequireEmbedding:    true,
		OrderByLastAccessed: true,
		Limit:               mergeFetchLimit,
	})
	if err != nil {
		return nil, memory.NewEngineError("consolidation.MergeNearDuplicates", err)
	}

	result := &MergeResult{Examined: len(records)}

	byType := make(map[memory.MemoryType][]*memory.Record)
	var typeOrder []memory.MemoryType
	for _, rec := range records {
		if _, ok := byType[rec.Type]; !ok {
			typeOrder = append(typeOrder, rec.Type)
		}
		byType[rec.Type] = append(byType[rec.Type], rec)
	}

	consumed := make(map[string]bool)
	for _, t := range typeOrder {
		group := byType[t]
		for i := 0; i < len(group); i++ {
			if consumed[group[i].ID] {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				if consumed[group[i].ID] || consumed[group[j].ID] {
					continue
				}
				sim := memory.CosineSimilarity(group[i].Embedding, group[j].Embedding)
				if sim < mergeThreshold {
					continue
				}
				if err := c.mergePair(ctx, group[i], group[j]); err != nil {
					result.Skipped++
					c.logger.Warn("merge pair skipped",
						zap.String("first_id", group[i].ID),
						zap.String("second_id", group[j].ID),
						zap.Error(err))
					continue
				}
				keeper, loser := pickKeeper(group[i], group[j])
				consumed[loser.ID] = true
				result.Merged++
				c.logger.Debug("merged near-duplicate memories",
					zap.String("kept", keeper.ID),
					zap.String("superseded", loser.ID),
					zap.Float64("similarity", sim))
			}
		}
	}
	return result, nil
}

// mergePair rewrites the keeper with LLM-merged content and supersedes the
// loser.
func (c *Consolidator) mergePair(ctx context.Context, a, b *memory.Record) error {
	merged, err := c.llm.Generate(ctx, mergePrompt(a.Content, b.Content))
	if err != nil {
		return err
	}
	embedding, err := c.embedder.Embed(ctx, merged)
	if err != nil {
		return err
	}

	keeper, loser := pickKeeper(a, b)

	previousContent := keeper.Content
	keeper.Content = merged
	keeper.Embedding = embedding
	keeper.Version++
	keeper.Source = memory.SourceConsolidation
	if err := c.store.Update(ctx, keeper); err != nil {
		return err
	}
	if err := c.audit.RecordUpdated(ctx, keeper, previousContent, "consolidation", "merged near-duplicate"); err != nil {
		return err
	}

	return c.tiers.MarkSuperseded(ctx, loser.ID, keeper.ID, "consolidation", "merged into near-duplicate")
}

func pickKeeper(a, b *memory.Record) (keeper, loser *memory.Record) {
	if b.Importance > a.Importance {
		return b, a
	}
	return a, b
}

// SummarizeOldEpisodic clusters stale episodic memories by similarity and
// replaces each sufficiently large cluster with one LLM-written semantic
// summary carrying the cluster's maximum importance.
func (c *Consolidator) SummarizeOldEpisodic(ctx context.Context, teamID, agentID string) (*SummarizeResult, error) {
	records, err := c.store.List(ctx, &storage.ListOptions{
		TeamID:           teamID,
		AgentID:          agentID,
		Types:            []memory.MemoryType{memory.TypeEpisodic},
		Statuses:         []memory.Status{memory.StatusActive},
		CreatedBefore:    c.now().Add(-episodicMinAge),
		MaxAccessCount:   episodicMaxAccess,
		RequireEmbedding: true,
		Limit:            summarizeFetchLimit,
	})
	if err != nil {
		return nil, memory.NewEngineError("consolidation.SummarizeOldEpisodic", err)
	}

	result := &SummarizeResult{Examined: len(records)}

	clusters := clusterBySimilarity(records, clusterThreshold)
	for _, cluster := range clusters {
		if len(cluster) < minClusterSize {
			continue
		}
		result.Clusters++
		if err := c.summarizeCluster(ctx, cluster, teamID, agentID); err != nil {
			c.logger.Warn("cluster summarization skipped", zap.Error(err))
			continue
		}
		result.Summarized++
	}
	return result, nil
}

// clusterBySimilarity greedily clusters records: each unclustered record
// seeds a new cluster and pulls in every later record above the threshold.
// Already-clustered records are not re-compared. Quadratic, bounded by the
// fetch limit.
func clusterBySimilarity(records []*memory.Record, threshold float64) [][]*memory.Record {
	clustered := make(map[string]bool)
	var clusters [][]*memory.Record
	for i, seed := range records {
		if clustered[seed.ID] {
			continue
		}
		cluster := []*memory.Record{seed}
		clustered[seed.ID] = true
		for _, other := range records[i+1:] {
			if clustered[other.ID] {
				continue
			}
			if memory.CosineSimilarity(seed.Embedding, other.Embedding) > threshold {
				cluster = append(cluster, other)
				clustered[other.ID] = true
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// summarizeCluster writes one semantic summary record and supersedes the
// originals.
func (c *Consolidator) summarizeCluster(ctx context.Context, cluster []*memory.Record, teamID, agentID string) error {
	contents := make([]string, len(cluster))
	maxImportance := 1
	for i, rec := range cluster {
		contents[i] = rec.Content
		if rec.Importance > maxImportance {
			maxImportance = rec.Importance
		}
	}

	summary, err := c.llm.Generate(ctx, summarizePrompt(contents))
	if err != nil {
		return err
	}
	embedding, err := c.embedder.Embed(ctx, summary)
	if err != nil {
		return err
	}

	now := c.now().UTC()
	rec := &memory.Record{
		ID:         uuid.NewString(),
		TeamID:     teamID,
		AgentID:    agentID,
		Type:       memory.TypeSemantic,
		Content:    summary,
		Embedding:  embedding,
		Importance: maxImportance,
		Confidence: 1.0,
		Source:     memory.SourceConsolidation,
		Version:    1,
		Tier:       memory.TierWarm,
		Status:     memory.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.store.Insert(ctx, rec); err != nil {
		return err
	}
	if err := c.audit.RecordCreated(ctx, rec, "consolidation", fmt.Sprintf("summary of %d episodic memories", len(cluster))); err != nil {
		return err
	}

	for _, original := range cluster {
		if err := c.tiers.MarkSuperseded(ctx, original.ID, rec.ID, "consolidation", "summarized into semantic memory"); err != nil {
			return err
		}
	}
	return nil
}

// DecayAndExpire archives expired memories and demotes stale warm ones, then
// invalidates the shared cache for every affected agent. The bulk updates
// are already committed when invalidation runs, so a cache failure is logged
// and the job still succeeds.
func (c *Consolidator) DecayAndExpire(ctx context.Context, teamID string) (*DecayResult, error) {
	now := c.now()

	archivedAgents, err := c.store.ArchiveExpired(ctx, teamID, now)
	if err != nil {
		return nil, memory.NewEngineError("consolidation.DecayAndExpire", err)
	}
	demotedAgents, err := c.store.DemoteStaleWarm(ctx, teamID, now.Add(-staleWarmAge))
	if err != nil {
		return nil, memory.NewEngineError("consolidation.DecayAndExpire", err)
	}

	result := &DecayResult{Archived: len(archivedAgents), Demoted: len(demotedAgents)}

	affected := make(map[string]struct{})
	for _, id := range archivedAgents {
		affected[id] = struct{}{}
	}
	for _, id := range demotedAgents {
		affected[id] = struct{}{}
	}
	for agentID := range affected {
		if err := c.shared.Invalidate(ctx, agentID); err != nil {
			c.logger.Warn("shared cache invalidation failed",
				zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		result.InvalidatedCache++
	}
	return result, nil
}

// RunAll executes the three jobs for one (team, agent) pair in order. A
// failed job is logged and does not stop the remaining jobs.
func (c *Consolidator) RunAll(ctx context.Context, teamID, agentID string) {
	if _, err := c.MergeNearDuplicates(ctx, teamID, agentID); err != nil {
		c.logger.Error("merge job failed", zap.String("team_id", teamID), zap.Error(err))
	}
	if _, err := c.SummarizeOldEpisodic(ctx, teamID, agentID); err != nil {
		c.logger.Error("summarize job failed", zap.String("team_id", teamID), zap.Error(err))
	}
	if _, err := c.DecayAndExpire(ctx, teamID); err != nil {
		c.logger.Error("decay job failed", zap.String("team_id", teamID), zap.Error(err))
	}
}

func mergePrompt(a, b string) string {
	return fmt.Sprintf(`These two memories say nearly the same thing. Merge them into one concise statement that preserves every distinct detail. Respond with the merged statement only, no prose.

Memory 1: %s
Memory 2: %s`, a, b)
}

func summarizePrompt(contents []string) string {
	var list string
	for _, content := range contents {
		list += "- " + content + "\n"
	}
	return fmt.Sprintf(`Summarize these related events into one concise factual statement capturing what matters long-term. Respond with the summary only, no prose.

Events:
%s`, list)
}
