// Package contradiction compares candidate memories against the existing
// store and decides how conflicts resolve: supersede, dispute, or coexist.
package contradiction

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/embedder"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/storage"
)

// Action is the resolution a store-time check arrives at.
type Action string

const (
	// ActionCoexist means the candidate conflicts with nothing.
	ActionCoexist Action = "coexist"

	// ActionSupersede means the candidate replaces the records it
	// contradicts. Chosen only when the candidate's importance is strictly
	// greater than every record it would replace.
	ActionSupersede Action = "supersede"

	// ActionDispute means the candidate conflicts with existing records
	// and neither side clearly wins. Both are kept and flagged.
	ActionDispute Action = "dispute"
)

const (
	// SemanticFloor is the lowest similarity that still counts as a
	// potential contradiction. Below it, records are simply unrelated.
	SemanticFloor = 0.70

	// SemanticCeiling is the similarity at which two records stop being a
	// contradiction and become a duplicate.
	SemanticCeiling = 0.92

	// semanticTopK bounds the semantic pass candidate fetch.
	semanticTopK = 10
)

// Decision is the outcome of a store-time contradiction check.
type Decision struct {
	// Action is the chosen resolution.
	Action Action

	// ContradictingIDs lists the existing records the candidate conflicts
	// with. Empty when Action is coexist.
	ContradictingIDs []string

	// Reason explains the decision in one line, for the audit trail.
	Reason string
}

// Detector checks candidates against the store by subject and by semantic
// similarity.
type Detector struct {
	store    storage.Store
	embedder embedder.Provider
	logger   *zap.Logger
}

// NewDetector creates a contradiction detector. A nil logger disables logging.
func NewDetector(store storage.Store, emb embedder.Provider, logger *zap.Logger) (*Detector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: contradiction detector requires a store", memory.ErrInvalidConfig)
	}
	if emb == nil {
		return nil, fmt.Errorf("%w: contradiction detector requires an embedder", memory.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{store: store, embedder: emb, logger: logger}, nil
}

// CheckOnStore decides how a candidate resolves against existing active
// memories before it is persisted.
//
// A candidate without a subject coexists immediately; no store or embedding
// query is issued for it. Otherwise the subject pass compares against active
// records sharing the candidate's normalized subject: identical normalized
// content is a duplicate and ignored here; differing content contradicts,
// superseding only when the candidate's importance is strictly greater. The
// semantic pass then adds records whose embedding similarity falls in
// [SemanticFloor, SemanticCeiling) with differing content; it can upgrade
// coexist to dispute but never downgrades a supersede.
func (d *Detector) CheckOnStore(ctx context.Context, candidate *memory.Candidate, teamID, agentID string) (*Decision, error) {
	if memory.NormalizeSubject(candidate.Subject) == "" {
		return &Decision{Action: ActionCoexist, Reason: "candidate has no subject"}, nil
	}

	decision := &Decision{Action: ActionCoexist, Reason: "no conflicting memories"}

	flagged := make(map[string]struct{})

	existing, err := d.store.GetBySubject(ctx, teamID, agentID, candidate.Subject)
	if err != nil {
		return nil, memory.NewEngineError("contradiction.CheckOnStore", err)
	}

	candidateContent := memory.NormalizeContent(candidate.Content)
	supersedesAll := true
	for _, rec := range existing {
		if memory.NormalizeContent(rec.Content) == candidateContent {
			continue
		}
		decision.ContradictingIDs = append(decision.ContradictingIDs, rec.ID)
		flagged[rec.ID] = struct{}{}
		if candidate.Importance <= rec.Importance {
			supersedesAll = false
		}
	}

	if len(decision.ContradictingIDs) > 0 {
		if supersedesAll {
			decision.Action = ActionSupersede
			decision.Reason = fmt.Sprintf("candidate importance %d exceeds all %d conflicting records on subject %q",
				candidate.Importance, len(decision.ContradictingIDs), candidate.Subject)
		} else {
			decision.Action = ActionDispute
			decision.Reason = fmt.Sprintf("subject %q conflict with no clear winner", candidate.Subject)
		}
	}

	semanticIDs, err := d.semanticPass(ctx, candidate, teamID, agentID, flagged)
	if err != nil {
		return nil, err
	}
	if len(semanticIDs) > 0 {
		decision.ContradictingIDs = append(decision.ContradictingIDs, semanticIDs...)
		if decision.Action == ActionCoexist {
			decision.Action = ActionDispute
			decision.Reason = fmt.Sprintf("%d semantically similar records with differing content", len(semanticIDs))
		}
	}

	d.logger.Debug("contradiction check",
		zap.String("team_id", teamID),
		zap.String("subject", candidate.Subject),
		zap.String("action", string(decision.Action)),
		zap.Int("conflicts", len(decision.ContradictingIDs)))
	return decision, nil
}

// semanticPass finds near-miss records: similar enough to be about the same
// thing, not similar enough to be the same statement.
func (d *Detector) semanticPass(ctx context.Context, candidate *memory.Candidate, teamID, agentID string, flagged map[string]struct{}) ([]string, error) {
	embedding, err := d.embedder.Embed(ctx, candidate.Content)
	if err != nil {
		return nil, memory.NewEngineError("contradiction.semanticPass", err)
	}

	matches, err := d.store.SearchSimilar(ctx, embedding, &storage.SearchOptions{
		TeamID:        teamID,
		AgentID:       agentID,
		Statuses:      []memory.Status{memory.StatusActive},
		Limit:         semanticTopK,
		MinSimilarity: SemanticFloor,
	})
	if err != nil {
		return nil, memory.NewEngineError("contradiction.semanticPass", err)
	}

	candidateContent := memory.NormalizeContent(candidate.Content)
	var ids []string
	for _, match := range matches {
		if match.Similarity >= SemanticCeiling {
			continue
		}
		if _, ok := flagged[match.Record.ID]; ok {
			continue
		}
		if memory.NormalizeContent(match.Record.Content) == candidateContent {
			continue
		}
		ids = append(ids, match.Record.ID)
	}
	return ids, nil
}

// CheckOnRetrieve surfaces conflicts within an already-retrieved candidate
// set. Records are grouped by normalized subject (blank subjects excluded)
// and every differing-content pair within a group yields one Contradiction.
// Quadratic within a group; subject groups stay small in practice.
func (d *Detector) CheckOnRetrieve(scored []*memory.ScoredRecord) []memory.Contradiction {
	groups := make(map[string][]*memory.Record)
	var order []string
	for _, s := range scored {
		subject := memory.NormalizeSubject(s.Record.Subject)
		if subject == "" {
			continue
		}
		if _, ok := groups[subject]; !ok {
			order = append(order, subject)
		}
		groups[subject] = append(groups[subject], s.Record)
	}

	var contradictions []memory.Contradiction
	for _, subject := range order {
		records := groups[subject]
		for i := 0; i < len(records); i++ {
			for j := i + 1; j < len(records); j++ {
				a, b := records[i], records[j]
				if memory.NormalizeContent(a.Content) == memory.NormalizeContent(b.Content) {
					continue
				}
				contradictions = append(contradictions, memory.Contradiction{
					Subject:       subject,
					FirstID:       a.ID,
					SecondID:      b.ID,
					FirstContent:  a.Content,
					SecondContent: b.Content,
				})
			}
		}
	}
	return contradictions
}
