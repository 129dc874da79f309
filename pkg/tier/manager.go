// Package tier implements the hot/warm/cold promotion and demotion state
// machine for memory records.
package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/storage"
)

const (
	// promotionAccessThreshold promotes a record straight to hot once it
	// has been accessed this many times within promotionWindow.
	promotionAccessThreshold = 10
	promotionWindow          = 7 * 24 * time.Hour

	// feedbackImportanceFloor gates the positive-feedback promotion.
	feedbackImportanceFloor = 7

	// demotionGuardImportance protects high-importance records from every
	// demotion rule.
	demotionGuardImportance = 8

	// Stale/cold demotion thresholds.
	coldImportanceCeiling = 3
	coldAccessCeiling     = 2
	coldAge               = 90 * 24 * time.Hour
	hotAccessFloor        = 5
	hotIdleWindow         = 30 * 24 * time.Hour
)

// Transition describes one applied tier change.
type Transition struct {
	MemoryID string
	From     memory.Tier
	To       memory.Tier
	Reason   string
}

// Manager evaluates and applies tier transitions. Every applied transition is
// written to the audit log before it is reported as applied.
type Manager struct {
	store  storage.Store
	audit  *audit.Log
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a tier manager. A nil logger disables logging.
func NewManager(store storage.Store, auditLog *audit.Log, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: tier manager requires a store", memory.ErrInvalidConfig)
	}
	if auditLog == nil {
		return nil, fmt.Errorf("%w: tier manager requires an audit log", memory.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, audit: auditLog, logger: logger, now: time.Now}, nil
}

// EvaluatePromotion returns the tier a record should be promoted to, or the
// current tier if no rule matches. Rules are checked in order; the first
// match wins.
func (m *Manager) EvaluatePromotion(rec *memory.Record) (memory.Tier, string) {
	now := m.now()

	if rec.Tier != memory.TierHot && rec.AccessCount > promotionAccessThreshold && accessedWithin(rec, now, promotionWindow) {
		return memory.TierHot, fmt.Sprintf("access count %d within 7 days", rec.AccessCount)
	}
	if rec.Pinned && rec.Tier != memory.TierHot {
		return memory.TierHot, "pinned"
	}
	if positiveFeedback(rec) && rec.Importance >= feedbackImportanceFloor && rec.Tier != memory.TierHot {
		return rec.Tier.Up(), fmt.Sprintf("positive feedback with importance %d", rec.Importance)
	}
	return rec.Tier, ""
}

// EvaluateDemotion returns the tier a record should be demoted to, or the
// current tier if no rule matches. Guards are absolute and checked before any
// rule: identity-type, pinned, and importance >= 8 records are never demoted.
func (m *Manager) EvaluateDemotion(rec *memory.Record) (memory.Tier, string) {
	if rec.Type == memory.TypeIdentity || rec.Pinned || rec.Importance >= demotionGuardImportance {
		return rec.Tier, ""
	}

	now := m.now()

	if rec.Status == memory.StatusSuperseded && rec.Tier != memory.TierCold {
		return memory.TierCold, "superseded"
	}
	if rec.Importance < coldImportanceCeiling && rec.AccessCount < coldAccessCeiling &&
		now.Sub(rec.CreatedAt) > coldAge && rec.Tier != memory.TierCold {
		return memory.TierCold, "low importance, rarely accessed, older than 90 days"
	}
	if rec.Tier == memory.TierHot && rec.AccessCount < hotAccessFloor && !accessedWithin(rec, now, hotIdleWindow) {
		return memory.TierWarm, "hot tier idle for 30 days"
	}
	return rec.Tier, ""
}

// Evaluate runs promotion first, then demotion, and applies at most one
// transition for the record. It returns the applied transition or nil when
// the record stays put.
//
// A record that vanished between evaluation and apply is a logged no-op, not
// an error: concurrent archival is expected.
func (m *Manager) Evaluate(ctx context.Context, id string) (*Transition, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			m.logger.Info("tier evaluation skipped, record missing", zap.String("memory_id", id))
			return nil, nil
		}
		return nil, memory.NewEngineError("tier.Evaluate", err)
	}

	if target, reason := m.EvaluatePromotion(rec); target.Above(rec.Tier) {
		return m.apply(ctx, rec, target, reason, true)
	}
	if target, reason := m.EvaluateDemotion(rec); rec.Tier.Above(target) {
		return m.apply(ctx, rec, target, reason, false)
	}
	return nil, nil
}

// apply audit-logs the transition, then persists it. The audit entry comes
// first so a transition is never durable without a trace.
func (m *Manager) apply(ctx context.Context, rec *memory.Record, target memory.Tier, reason string, promotion bool) (*Transition, error) {
	from := rec.Tier

	var err error
	if promotion {
		err = m.audit.RecordPromoted(ctx, rec, from, target, "tier_manager", reason)
	} else {
		err = m.audit.RecordDemoted(ctx, rec, from, target, "tier_manager", reason)
	}
	if err != nil {
		return nil, memory.NewEngineError("tier.apply", err)
	}

	rec.Tier = target
	if err := m.store.Update(ctx, rec); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			m.logger.Info("tier transition skipped, record missing",
				zap.String("memory_id", rec.ID),
				zap.String("to", string(target)))
			return nil, nil
		}
		return nil, memory.NewEngineError("tier.apply", err)
	}

	m.logger.Debug("tier transition applied",
		zap.String("memory_id", rec.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("reason", reason))

	return &Transition{MemoryID: rec.ID, From: from, To: target, Reason: reason}, nil
}

// MarkSuperseded transitions a record to superseded/cold pointing at its
// replacement, audit-logging the change first. A missing record is a logged
// no-op.
func (m *Manager) MarkSuperseded(ctx context.Context, id, supersededBy, changedBy, reason string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			m.logger.Info("supersede skipped, record missing", zap.String("memory_id", id))
			return nil
		}
		return memory.NewEngineError("tier.MarkSuperseded", err)
	}

	if err := m.audit.RecordSuperseded(ctx, rec, supersededBy, changedBy, reason); err != nil {
		return memory.NewEngineError("tier.MarkSuperseded", err)
	}

	rec.Status = memory.StatusSuperseded
	rec.SupersededBy = supersededBy
	rec.Tier = memory.TierCold
	if err := m.store.Update(ctx, rec); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			m.logger.Info("supersede skipped, record missing", zap.String("memory_id", id))
			return nil
		}
		return memory.NewEngineError("tier.MarkSuperseded", err)
	}
	return nil
}

func accessedWithin(rec *memory.Record, now time.Time, window time.Duration) bool {
	return rec.LastAccessedAt != nil && now.Sub(*rec.LastAccessedAt) <= window
}

func positiveFeedback(rec *memory.Record) bool {
	v, ok := rec.Metadata["positive_feedback"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
