// Package extractor turns raw conversation turns into persisted memory
// records using two LLM passes with deduplication and contradiction checks.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/contradiction"
	"github.com/engramlabs/engram-go/pkg/embedder"
	"github.com/engramlabs/engram-go/pkg/llm"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/storage"
	"github.com/engramlabs/engram-go/pkg/tier"
)

const (
	// passDedupThreshold drops a pass-2 candidate as a duplicate of a
	// pass-1 candidate.
	passDedupThreshold = 0.95

	// storeDedupThreshold drops a candidate as a duplicate of an existing
	// stored memory.
	storeDedupThreshold = 0.92
)

// Scope identifies where the extracted memories belong.
type Scope struct {
	TeamID         string
	AgentID        string
	UserID         string
	ConversationID string
}

// Result summarizes one extraction run.
type Result struct {
	// Created counts new records persisted.
	Created int `json:"created"`

	// Superseded counts existing records replaced by new ones.
	Superseded int `json:"superseded"`

	// Duplicates counts candidates dropped against the store.
	Duplicates int `json:"duplicates"`

	// Contradictions counts disputes raised against existing records.
	Contradictions int `json:"contradictions"`

	// Pass1Count and Pass2Count are the candidate list sizes per pass,
	// after parsing but before dedup.
	Pass1Count int `json:"pass1_count"`
	Pass2Count int `json:"pass2_count"`

	// CreatedIDs lists the IDs of the persisted records.
	CreatedIDs []string `json:"created_ids,omitempty"`
}

// Extractor runs the double-pass extraction pipeline.
type Extractor struct {
	llm      llm.Provider
	embedder embedder.Provider
	store    storage.Store
	detector *contradiction.Detector
	tiers    *tier.Manager
	audit    *audit.Log
	logger   *zap.Logger
}

// New creates an extractor. A nil logger disables logging.
func New(llmProvider llm.Provider, emb embedder.Provider, store storage.Store, detector *contradiction.Detector, tiers *tier.Manager, auditLog *audit.Log, logger *zap.Logger) (*Extractor, error) {
	if llmProvider == nil || emb == nil || store == nil || detector == nil || tiers == nil || auditLog == nil {
		return nil, fmt.Errorf("%w: extractor requires llm, embedder, store, detector, tier manager, and audit log", memory.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		llm:      llmProvider,
		embedder: emb,
		store:    store,
		detector: detector,
		tiers:    tiers,
		audit:    auditLog,
		logger:   logger,
	}, nil
}

// ExtractFromConversation runs both extraction passes over the transcript and
// persists the surviving candidates.
//
// An LLM failure or unparseable output in either pass degrades to an empty
// candidate list for that pass; extraction never aborts wholesale. Store and
// embedding failures during persistence do propagate.
func (e *Extractor) ExtractFromConversation(ctx context.Context, messages []llm.Message, scope Scope) (*Result, error) {
	if scope.TeamID == "" {
		return nil, fmt.Errorf("%w: extraction requires a team id", memory.ErrInvalidConfig)
	}

	transcript := formatTranscript(messages)
	result := &Result{}

	pass1 := e.runPass(ctx, pass1Prompt(transcript), "pass1")
	result.Pass1Count = len(pass1)

	pass2 := e.runPass(ctx, pass2Prompt(transcript, pass1), "pass2")
	result.Pass2Count = len(pass2)

	candidates, err := e.mergePasses(ctx, pass1, pass2)
	if err != nil {
		return nil, err
	}

	for _, cand := range candidates {
		if err := e.persist(ctx, cand, scope, result); err != nil {
			return nil, err
		}
	}

	e.logger.Info("extraction complete",
		zap.String("team_id", scope.TeamID),
		zap.Int("pass1", result.Pass1Count),
		zap.Int("pass2", result.Pass2Count),
		zap.Int("created", result.Created),
		zap.Int("duplicates", result.Duplicates))
	return result, nil
}

// runPass issues one LLM call and parses its output; any failure degrades to
// an empty list so the other pass can still contribute.
func (e *Extractor) runPass(ctx context.Context, promptText, pass string) []*memory.Candidate {
	raw, err := e.llm.Generate(ctx, promptText)
	if err != nil {
		e.logger.Warn("extraction pass failed, continuing with empty list",
			zap.String("pass", pass), zap.Error(err))
		return nil
	}
	candidates := parseCandidates(raw, e.logger)
	return candidates
}

// mergePasses appends pass-2 candidates that are not embedding-duplicates of
// a pass-1 candidate.
func (e *Extractor) mergePasses(ctx context.Context, pass1, pass2 []*memory.Candidate) ([]*memory.Candidate, error) {
	if len(pass2) == 0 {
		return pass1, nil
	}
	if len(pass1) == 0 {
		return pass2, nil
	}

	texts := make([]string, 0, len(pass1)+len(pass2))
	for _, c := range pass1 {
		texts = append(texts, c.Content)
	}
	for _, c := range pass2 {
		texts = append(texts, c.Content)
	}
	embeddings, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, memory.NewEngineError("extractor.mergePasses", err)
	}

	pass1Embeddings := embeddings[:len(pass1)]
	merged := pass1
	for i, cand := range pass2 {
		candEmbedding := embeddings[len(pass1)+i]
		duplicate := false
		for _, p1 := range pass1Embeddings {
			if memory.CosineSimilarity(candEmbedding, p1) > passDedupThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			merged = append(merged, cand)
		}
	}
	return merged, nil
}

// persist runs one candidate through contradiction check, store-wide dedup,
// supersede handling, and insertion.
func (e *Extractor) persist(ctx context.Context, cand *memory.Candidate, scope Scope, result *Result) error {
	embedding, err := e.embedder.Embed(ctx, cand.Content)
	if err != nil {
		return memory.NewEngineError("extractor.persist", err)
	}

	decision, err := e.detector.CheckOnStore(ctx, cand, scope.TeamID, scope.AgentID)
	if err != nil {
		return err
	}

	matches, err := e.store.SearchSimilar(ctx, embedding, &storage.SearchOptions{
		TeamID:        scope.TeamID,
		AgentID:       scope.AgentID,
		Limit:         1,
		MinSimilarity: storeDedupThreshold,
	})
	if err != nil {
		return memory.NewEngineError("extractor.persist", err)
	}
	if len(matches) > 0 {
		result.Duplicates++
		e.logger.Debug("candidate dropped as store duplicate",
			zap.String("existing_id", matches[0].Record.ID),
			zap.Float64("similarity", matches[0].Similarity))
		return nil
	}

	now := time.Now().UTC()
	rec := &memory.Record{
		ID:             uuid.NewString(),
		TeamID:         scope.TeamID,
		AgentID:        scope.AgentID,
		UserID:         scope.UserID,
		ConversationID: scope.ConversationID,
		Type:           cand.Type,
		Content:        cand.Content,
		Subject:        cand.Subject,
		Embedding:      embedding,
		Importance:     cand.Importance,
		Confidence:     cand.Confidence,
		Source:         memory.SourceExtraction,
		Version:        1,
		Tier:           memory.TierWarm,
		Status:         memory.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch decision.Action {
	case contradiction.ActionSupersede:
		for _, id := range decision.ContradictingIDs {
			if err := e.tiers.MarkSuperseded(ctx, id, rec.ID, "extractor", decision.Reason); err != nil {
				return err
			}
			result.Superseded++
		}
	case contradiction.ActionDispute:
		rec.Status = memory.StatusDisputed
		rec.Contradicts = decision.ContradictingIDs
		for _, id := range decision.ContradictingIDs {
			if err := e.markDisputed(ctx, id, rec.ID, decision.Reason); err != nil {
				return err
			}
			result.Contradictions++
		}
	}

	if err := e.store.Insert(ctx, rec); err != nil {
		return memory.NewEngineError("extractor.persist", err)
	}
	if err := e.audit.RecordCreated(ctx, rec, "extractor", "extracted from conversation"); err != nil {
		return memory.NewEngineError("extractor.persist", err)
	}

	result.Created++
	result.CreatedIDs = append(result.CreatedIDs, rec.ID)
	return nil
}

// markDisputed flags an existing record as disputed by the new one. A record
// that vanished in the meantime is a logged no-op.
func (e *Extractor) markDisputed(ctx context.Context, id, byID, reason string) error {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		if err == memory.ErrNotFound {
			e.logger.Info("dispute skipped, record missing", zap.String("memory_id", id))
			return nil
		}
		return memory.NewEngineError("extractor.markDisputed", err)
	}

	if err := e.audit.RecordContradiction(ctx, rec, byID, "extractor", reason); err != nil {
		return memory.NewEngineError("extractor.markDisputed", err)
	}

	rec.Status = memory.StatusDisputed
	rec.Contradicts = appendUnique(rec.Contradicts, byID)
	if err := e.store.Update(ctx, rec); err != nil {
		if err == memory.ErrNotFound {
			return nil
		}
		return memory.NewEngineError("extractor.markDisputed", err)
	}
	return nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func formatTranscript(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// parseCandidates pulls a JSON array out of LLM output, tolerating markdown
// code fences and skipping malformed items. Total parse failure yields an
// empty list, never an error.
func parseCandidates(raw string, logger *zap.Logger) []*memory.Candidate {
	cleaned := stripCodeFences(raw)

	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start < 0 || end <= start {
		logger.Warn("extraction output contains no JSON array")
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &items); err != nil {
		logger.Warn("extraction output is not a valid JSON array", zap.Error(err))
		return nil
	}

	var candidates []*memory.Candidate
	for i, item := range items {
		var c memory.Candidate
		if err := json.Unmarshal(item, &c); err != nil {
			logger.Warn("skipping malformed extraction item", zap.Int("index", i), zap.Error(err))
			continue
		}
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		if !c.Type.Valid() {
			c.Type = memory.TypeSemantic
		}
		if c.Importance < 1 {
			c.Importance = 1
		}
		if c.Importance > 10 {
			c.Importance = 10
		}
		if c.Confidence < 0 {
			c.Confidence = 0
		}
		if c.Confidence > 1 {
			c.Confidence = 1
		}
		candidates = append(candidates, &c)
	}
	return candidates
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
