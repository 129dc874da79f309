// Package engine wires every component of the memory engine behind one
// facade: retrieval, extraction, prompt assembly, and consolidation.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/budget"
	"github.com/engramlabs/engram-go/pkg/cache"
	"github.com/engramlabs/engram-go/pkg/consolidation"
	"github.com/engramlabs/engram-go/pkg/contradiction"
	"github.com/engramlabs/engram-go/pkg/embedder"
	openaiembedder "github.com/engramlabs/engram-go/pkg/embedder/openai"
	"github.com/engramlabs/engram-go/pkg/extractor"
	"github.com/engramlabs/engram-go/pkg/llm"
	openaillm "github.com/engramlabs/engram-go/pkg/llm/openai"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/prompt"
	"github.com/engramlabs/engram-go/pkg/retriever"
	"github.com/engramlabs/engram-go/pkg/storage"
	"github.com/engramlabs/engram-go/pkg/storage/postgres"
	"github.com/engramlabs/engram-go/pkg/storage/sqlite"
	"github.com/engramlabs/engram-go/pkg/tier"
)

// Engine is the top-level entry point. Construct it once per process and
// share it across requests.
type Engine struct {
	cfg *Config

	store     storage.Store
	embedder  embedder.Provider
	llm       llm.Provider
	shared    cache.SharedCache
	auditLog  *audit.Log
	detector  *contradiction.Detector
	tiers     *tier.Manager
	budgetMgr *budget.Manager
	assembler *prompt.Assembler
	retriever *retriever.Retriever
	extractor *extractor.Extractor
	jobs      *consolidation.Consolidator
	runner    *consolidation.Runner

	logger *zap.Logger
}

// New builds an engine from config. A nil logger disables logging.
func New(cfg *Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: engine requires a config", memory.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{cfg: cfg, logger: logger}
	if err := e.wire(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wire() error {
	cfg := e.cfg

	base, err := openaiembedder.NewClient(&openaiembedder.Config{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
	})
	if err != nil {
		return err
	}
	cached, err := embedder.NewCachedProvider(base, 0, 0)
	if err != nil {
		return err
	}
	e.embedder = cached

	e.llm, err = openaillm.NewClient(&openaillm.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.ChatModel,
	})
	if err != nil {
		return err
	}

	var auditStore audit.Store
	switch cfg.StorageBackend {
	case "postgres":
		store, err := postgres.NewStore(&postgres.Config{
			Host:       cfg.PostgresHost,
			Port:       cfg.PostgresPort,
			User:       cfg.PostgresUser,
			Password:   cfg.PostgresPassword,
			DBName:     cfg.PostgresDB,
			SSLMode:    cfg.PostgresSSLMode,
			Dimensions: cached.Dimensions(),
		})
		if err != nil {
			return err
		}
		e.store, auditStore = store, store
	default:
		path := cfg.SQLitePath
		if path == "" {
			path = DefaultSQLitePath
		}
		store, err := sqlite.NewStore(&sqlite.Config{DBPath: path})
		if err != nil {
			return err
		}
		e.store, auditStore = store, store
	}

	if cfg.RedisAddr != "" {
		shared, err := cache.NewRedisCache(&cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		}, e.logger)
		if err != nil {
			return err
		}
		e.shared = shared
	} else {
		e.shared = cache.NopCache{}
	}

	e.auditLog, err = audit.NewLog(auditStore, e.logger)
	if err != nil {
		return err
	}
	e.detector, err = contradiction.NewDetector(e.store, e.embedder, e.logger)
	if err != nil {
		return err
	}
	e.tiers, err = tier.NewManager(e.store, e.auditLog, e.logger)
	if err != nil {
		return err
	}

	var estimator budget.Estimator
	if cfg.UseTiktoken {
		tk, err := budget.NewTiktokenEstimator()
		if err != nil {
			e.logger.Warn("tiktoken unavailable, using heuristic estimator", zap.Error(err))
		}
		estimator = tk
	}
	e.budgetMgr = budget.NewManager(estimator, e.logger)
	e.assembler = prompt.NewAssembler(estimator, e.logger)

	e.retriever, err = retriever.New(e.store, e.embedder, e.detector, e.budgetMgr, e.shared, cfg.Weights, e.logger)
	if err != nil {
		return err
	}
	e.extractor, err = extractor.New(e.llm, e.embedder, e.store, e.detector, e.tiers, e.auditLog, e.logger)
	if err != nil {
		return err
	}
	e.jobs, err = consolidation.New(e.store, e.embedder, e.llm, e.shared, e.auditLog, e.tiers, e.logger)
	if err != nil {
		return err
	}
	e.runner, err = consolidation.NewRunner(e.jobs, cfg.ConsolidationSchedule, e.logger)
	return err
}

// Retrieve runs the five-signal retrieval pipeline for a query. A nil opts
// uses team-wide scope with the engine's default budget.
func (e *Engine) Retrieve(ctx context.Context, query, teamID string, opts *retriever.Options) (*memory.RetrievalResult, error) {
	if opts == nil {
		opts = &retriever.Options{}
	}
	if opts.Budget == 0 {
		opts.Budget = e.cfg.TokenBudget
	}
	return e.retriever.Retrieve(ctx, query, teamID, opts)
}

// ExtractFromConversation extracts and persists memories from a transcript.
func (e *Engine) ExtractFromConversation(ctx context.Context, messages []llm.Message, scope extractor.Scope) (*extractor.Result, error) {
	return e.extractor.ExtractFromConversation(ctx, messages, scope)
}

// BuildPrompt assembles the layered prompt under the token budget.
func (e *Engine) BuildPrompt(in *prompt.Input, tokenBudget int) *prompt.Result {
	if tokenBudget == 0 {
		tokenBudget = e.cfg.TokenBudget
	}
	return e.assembler.Build(in, tokenBudget)
}

// Remember stores one explicit memory, running it through the contradiction
// check and audit log like any extracted memory would be.
func (e *Engine) Remember(ctx context.Context, cand *memory.Candidate, scope extractor.Scope) (*memory.Record, error) {
	embedding, err := e.embedder.Embed(ctx, cand.Content)
	if err != nil {
		return nil, memory.NewEngineError("engine.Remember", err)
	}
	decision, err := e.detector.CheckOnStore(ctx, cand, scope.TeamID, scope.AgentID)
	if err != nil {
		return nil, err
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
		Source:         memory.SourceExplicit,
		Version:        1,
		Tier:           memory.TierWarm,
		Status:         memory.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if decision.Action == contradiction.ActionSupersede {
		for _, id := range decision.ContradictingIDs {
			if err := e.tiers.MarkSuperseded(ctx, id, rec.ID, "explicit", decision.Reason); err != nil {
				return nil, err
			}
		}
	} else if decision.Action == contradiction.ActionDispute {
		rec.Status = memory.StatusDisputed
		rec.Contradicts = decision.ContradictingIDs
	}

	if err := e.store.Insert(ctx, rec); err != nil {
		return nil, memory.NewEngineError("engine.Remember", err)
	}
	if err := e.auditLog.RecordCreated(ctx, rec, "explicit", "stored by request"); err != nil {
		return nil, memory.NewEngineError("engine.Remember", err)
	}
	return rec, nil
}

// ReconstructAt replays the audit log into per-memory snapshots as of ts.
func (e *Engine) ReconstructAt(ctx context.Context, teamID string, ts time.Time) ([]*audit.Snapshot, error) {
	return e.auditLog.ReconstructAt(ctx, teamID, ts)
}

// Consolidator exposes the background jobs for direct invocation.
func (e *Engine) Consolidator() *consolidation.Consolidator {
	return e.jobs
}

// Runner exposes the cron runner for scheduled consolidation.
func (e *Engine) Runner() *consolidation.Runner {
	return e.runner
}

// Tiers exposes the tier manager for callers that apply promotion or
// demotion outside consolidation (e.g. on feedback events).
func (e *Engine) Tiers() *tier.Manager {
	return e.tiers
}

// Close releases every held resource. Safe to call on a partially
// constructed engine.
func (e *Engine) Close() {
	if e.runner != nil {
		e.runner.Stop()
	}
	if e.embedder != nil {
		_ = e.embedder.Close()
	}
	if e.llm != nil {
		_ = e.llm.Close()
	}
	if e.shared != nil {
		_ = e.shared.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}
