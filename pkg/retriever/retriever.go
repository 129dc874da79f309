// Package retriever orchestrates embedding, concurrent multi-signal search,
// caching, scoring, contradiction surfacing, and budget allocation into a
// single retrieval call.
package retriever

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/budget"
	"github.com/engramlabs/engram-go/pkg/cache"
	"github.com/engramlabs/engram-go/pkg/contradiction"
	"github.com/engramlabs/engram-go/pkg/embedder"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/prompt"
	"github.com/engramlabs/engram-go/pkg/storage"
)

const (
	// Local result cache bounds.
	localCacheSize = 500
	localCacheTTL  = 60 * time.Second

	// Candidate fetch bounds.
	semanticSearchLimit = 20
	recencyFetchLimit   = 20

	// recencyDecayRate is the per-hour exponential decay of the recency
	// signal.
	recencyDecayRate = 0.01

	// relationshipSignal is the flat score a record gets when another
	// retrieved record references it.
	relationshipSignal = 0.5

	// warmCacheTimeout bounds the detached cache-warming write.
	warmCacheTimeout = 5 * time.Second
)

// Weights combines the five retrieval signals into a final score. Supplied
// per agent; zero value means "use defaults".
type Weights struct {
	Semantic     float64 `json:"semantic"`
	Recency      float64 `json:"recency"`
	Importance   float64 `json:"importance"`
	Continuity   float64 `json:"continuity"`
	Relationship float64 `json:"relationship"`
}

// DefaultWeights returns the standard signal weighting.
func DefaultWeights() Weights {
	return Weights{
		Semantic:     0.35,
		Recency:      0.20,
		Importance:   0.20,
		Continuity:   0.15,
		Relationship: 0.10,
	}
}

func (w Weights) isZero() bool {
	return w.Semantic == 0 && w.Recency == 0 && w.Importance == 0 &&
		w.Continuity == 0 && w.Relationship == 0
}

// Options scopes and tunes a single retrieval call.
type Options struct {
	// AgentID narrows search to one agent plus team-wide records.
	AgentID string

	// UserID selects the shared-cache scope.
	UserID string

	// ConversationID feeds the continuity signal.
	ConversationID string

	// Budget is the token budget for the included subset. Zero uses the
	// budget manager's default.
	Budget int

	// Weights overrides the retriever's default signal weights.
	Weights Weights
}

// Retriever runs the five-signal retrieval pipeline.
type Retriever struct {
	store    storage.Store
	embedder embedder.Provider
	detector *contradiction.Detector
	budget   *budget.Manager
	local    *expirable.LRU[string, *memory.RetrievalResult]
	shared   cache.SharedCache
	weights  Weights
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a retriever. A nil shared cache disables cross-process warm-up;
// a nil logger disables logging; zero weights use the defaults.
func New(store storage.Store, emb embedder.Provider, detector *contradiction.Detector, budgetMgr *budget.Manager, shared cache.SharedCache, weights Weights, logger *zap.Logger) (*Retriever, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: retriever requires a store", memory.ErrInvalidConfig)
	}
	if emb == nil {
		return nil, fmt.Errorf("%w: retriever requires an embedder", memory.ErrInvalidConfig)
	}
	if detector == nil {
		return nil, fmt.Errorf("%w: retriever requires a contradiction detector", memory.ErrInvalidConfig)
	}
	if budgetMgr == nil {
		budgetMgr = budget.NewManager(nil, logger)
	}
	if shared == nil {
		shared = cache.NopCache{}
	}
	if weights.isZero() {
		weights = DefaultWeights()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		store:    store,
		embedder: emb,
		detector: detector,
		budget:   budgetMgr,
		local:    expirable.NewLRU[string, *memory.RetrievalResult](localCacheSize, nil, localCacheTTL),
		shared:   shared,
		weights:  weights,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Retrieve runs the full pipeline for one query.
//
// An embedding or store failure propagates: no memory context is better than
// silently wrong memory context. A cache-layer failure on the read path is
// logged and treated as a miss.
func (r *Retriever) Retrieve(ctx context.Context, query, teamID string, opts *Options) (*memory.RetrievalResult, error) {
	if opts == nil {
		opts = &Options{}
	}
	start := r.now()

	key := resultCacheKey(teamID, opts.AgentID, opts.ConversationID, query)
	if cached, ok := r.local.Get(key); ok {
		result := *cached
		result.Stats.CacheHit = true
		result.Stats.ElapsedMS = time.Since(start).Milliseconds()
		return &result, nil
	}

	if result := r.fromSharedCache(ctx, opts, start); result != nil {
		return result, nil
	}

	queryEmbedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, memory.NewEngineError("retriever.Retrieve", err)
	}

	candidates, err := r.gatherCandidates(ctx, queryEmbedding, teamID, opts)
	if err != nil {
		return nil, err
	}

	scored := r.score(candidates, opts)
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].FinalScore > scored[j].FinalScore
	})

	contradictions := r.detector.CheckOnRetrieve(scored)

	included, _ := r.budget.Allocate(scored, opts.Budget)
	fragment := prompt.FormatMemories(included, contradictions)

	if err := r.touchIncluded(ctx, included); err != nil {
		return nil, err
	}

	result := &memory.RetrievalResult{
		Memories:       included,
		PromptFragment: fragment,
		Contradictions: contradictions,
		Stats: memory.RetrievalStats{
			ElapsedMS:      time.Since(start).Milliseconds(),
			CandidateCount: len(scored),
			IncludedCount:  len(included),
		},
	}

	r.local.Add(key, result)
	r.warmSharedCache(opts, included)

	return result, nil
}

// fromSharedCache tries the cross-process cache for the agent+user scope.
// Read failures are logged and count as a miss.
func (r *Retriever) fromSharedCache(ctx context.Context, opts *Options, start time.Time) *memory.RetrievalResult {
	if opts.AgentID == "" {
		return nil
	}

	scored, err := r.shared.GetMemories(ctx, opts.AgentID, opts.UserID, semanticSearchLimit)
	if err != nil {
		r.logger.Warn("shared cache read failed, treating as miss",
			zap.String("agent_id", opts.AgentID), zap.Error(err))
		return nil
	}
	if len(scored) == 0 {
		return nil
	}

	contradictions := r.detector.CheckOnRetrieve(scored)
	return &memory.RetrievalResult{
		Memories:       scored,
		PromptFragment: prompt.FormatMemories(scored, contradictions),
		Contradictions: contradictions,
		Stats: memory.RetrievalStats{
			CacheHit:       true,
			SharedCacheHit: true,
			ElapsedMS:      time.Since(start).Milliseconds(),
			CandidateCount: len(scored),
			IncludedCount:  len(scored),
		},
	}
}

// candidate pairs a record with its query similarity. Records that only
// arrived via the recency fetch carry zero similarity.
type candidate struct {
	record     *memory.Record
	similarity float64
}

type searchResult struct {
	matches []*storage.SimilarityMatch
	records []*memory.Record
	err     error
}

// gatherCandidates fans out the agent-scoped search, the team-wide search,
// and the recency fetch concurrently, then merges by record ID. On an ID
// collision the higher similarity wins, and any similarity beats a plain
// recency hit.
func (r *Retriever) gatherCandidates(ctx context.Context, queryEmbedding []float64, teamID string, opts *Options) ([]candidate, error) {
	searches := []*storage.SearchOptions{{
		TeamID:   teamID,
		Statuses: []memory.Status{memory.StatusActive, memory.StatusDisputed},
		Limit:    semanticSearchLimit,
	}}
	if opts.AgentID != "" {
		searches = append(searches, &storage.SearchOptions{
			TeamID:   teamID,
			AgentID:  opts.AgentID,
			Statuses: []memory.Status{memory.StatusActive, memory.StatusDisputed},
			Limit:    semanticSearchLimit,
		})
	}

	results := make(chan searchResult, len(searches)+1)
	for _, searchOpts := range searches {
		go func(so *storage.SearchOptions) {
			matches, err := r.store.SearchSimilar(ctx, queryEmbedding, so)
			results <- searchResult{matches: matches, err: err}
		}(searchOpts)
	}
	go func() {
		records, err := r.store.List(ctx, &storage.ListOptions{
			TeamID:              teamID,
			AgentID:             opts.AgentID,
			Statuses:            []memory.Status{memory.StatusActive, memory.StatusDisputed},
			OrderByLastAccessed: true,
			Limit:               recencyFetchLimit,
		})
		results <- searchResult{records: records, err: err}
	}()

	merged := make(map[string]candidate)
	var order []string
	var firstErr error
	for i := 0; i < len(searches)+1; i++ {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		for _, match := range res.matches {
			existing, ok := merged[match.Record.ID]
			if !ok {
				order = append(order, match.Record.ID)
			}
			if !ok || match.Similarity > existing.similarity {
				merged[match.Record.ID] = candidate{record: match.Record, similarity: match.Similarity}
			}
		}
		for _, rec := range res.records {
			if _, ok := merged[rec.ID]; ok {
				continue
			}
			order = append(order, rec.ID)
			merged[rec.ID] = candidate{record: rec}
		}
	}
	if firstErr != nil {
		return nil, memory.NewEngineError("retriever.gatherCandidates", firstErr)
	}

	candidates := make([]candidate, 0, len(order))
	for _, id := range order {
		candidates = append(candidates, merged[id])
	}
	return candidates, nil
}

// score computes the four per-record signals, then the relationship signal in
// a second pass over the full candidate set, and combines them.
func (r *Retriever) score(candidates []candidate, opts *Options) []*memory.ScoredRecord {
	weights := opts.Weights
	if weights.isZero() {
		weights = r.weights
	}
	now := r.now()

	referenced := make(map[string]bool)
	for _, c := range candidates {
		for _, id := range c.record.RelatedTo {
			referenced[id] = true
		}
	}

	scored := make([]*memory.ScoredRecord, 0, len(candidates))
	for _, c := range candidates {
		rec := c.record
		signals := memory.Signals{
			Semantic:   memory.ClampScore(c.similarity),
			Recency:    recencyScore(rec, now),
			Importance: importanceScore(rec),
		}
		if opts.ConversationID != "" && rec.ConversationID == opts.ConversationID {
			signals.Continuity = 1.0
		}
		if referenced[rec.ID] {
			signals.Relationship = relationshipSignal
		}

		final := weights.Semantic*signals.Semantic +
			weights.Recency*signals.Recency +
			weights.Importance*signals.Importance +
			weights.Continuity*signals.Continuity +
			weights.Relationship*signals.Relationship

		scored = append(scored, &memory.ScoredRecord{
			Record:     rec,
			FinalScore: memory.ClampScore(final),
			Signals:    signals,
		})
	}
	return scored
}

// touchIncluded bumps access bookkeeping for the included records. Awaited,
// not detached, so a follow-up retrieval in the same session observes the
// bump.
func (r *Retriever) touchIncluded(ctx context.Context, included []*memory.ScoredRecord) error {
	if len(included) == 0 {
		return nil
	}
	ids := make([]string, len(included))
	for i, s := range included {
		ids[i] = s.Record.ID
	}
	if err := r.store.TouchAccessed(ctx, ids); err != nil {
		return memory.NewEngineError("retriever.touchIncluded", err)
	}
	return nil
}

// warmSharedCache writes the included set to the shared cache on a detached
// goroutine with its own error sink; its failure never reaches the caller.
func (r *Retriever) warmSharedCache(opts *Options, included []*memory.ScoredRecord) {
	if opts.AgentID == "" || len(included) == 0 {
		return
	}
	agentID, userID := opts.AgentID, opts.UserID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), warmCacheTimeout)
		defer cancel()
		if err := r.shared.WarmCache(ctx, agentID, userID, included); err != nil {
			r.logger.Warn("shared cache warm failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}()
}

func recencyScore(rec *memory.Record, now time.Time) float64 {
	last := rec.CreatedAt
	if rec.LastAccessedAt != nil {
		last = *rec.LastAccessedAt
	}
	hours := now.Sub(last).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-recencyDecayRate * hours)
}

func importanceScore(rec *memory.Record) float64 {
	if rec.Type == memory.TypeIdentity || rec.Pinned {
		return 1.0
	}
	score := float64(rec.Importance) / 10.0
	if rec.Status == memory.StatusDisputed {
		score /= 2
	}
	return score
}

// resultCacheKey hashes the scoped, normalized query so identical queries in
// the same scope share one cache slot without leaking across teams.
func resultCacheKey(teamID, agentID, conversationID, query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(teamID + "|" + agentID + "|" + conversationID + "|" + normalized))
	return hex.EncodeToString(sum[:])
}
