// Package prompt renders the layered agent prompt under a token budget.
//
// Seven layers, highest priority first: identity/personality, identity
// memories, skill metadata, user-profile memories, retrieved memories,
// team knowledge, conversation summary. The first three are protected and
// always render; the rest are dropped whole, lowest priority first, until
// the estimate fits.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/budget"
	"github.com/engramlabs/engram-go/pkg/memory"
)

// Layer identifies one prompt layer, ordered by priority.
type Layer int

const (
	// LayerIdentity is the agent's identity and personality. Protected.
	LayerIdentity Layer = iota + 1

	// LayerIdentityMemories holds identity-type memories. Protected.
	LayerIdentityMemories

	// LayerSkills holds skill metadata. Protected.
	LayerSkills

	// LayerUserProfile holds user-profile memories.
	LayerUserProfile

	// LayerRetrieved holds retrieved memories grouped by type, plus
	// contradiction markers.
	LayerRetrieved

	// LayerTeamKnowledge holds team/shared knowledge.
	LayerTeamKnowledge

	// LayerConversationSummary holds the running conversation summary.
	LayerConversationSummary
)

// protectedBoundary separates protected layers from trimmable ones.
const protectedBoundary = LayerSkills

// Input carries the raw content for each layer. Empty strings produce empty
// layers, which never render.
type Input struct {
	Identity            string
	IdentityMemories    []*memory.ScoredRecord
	Skills              string
	UserProfile         []*memory.ScoredRecord
	Retrieved           []*memory.ScoredRecord
	Contradictions      []memory.Contradiction
	TeamKnowledge       string
	ConversationSummary string
}

// Result is an assembled prompt plus what it cost and what was cut.
type Result struct {
	// Text is the final prompt.
	Text string

	// EstimatedTokens is the estimate for Text.
	EstimatedTokens int

	// DroppedLayers lists trimmable layers cut to fit, in trim order.
	DroppedLayers []Layer
}

// Assembler composes the layered prompt.
type Assembler struct {
	estimator budget.Estimator
	logger    *zap.Logger
}

// NewAssembler creates a prompt assembler. A nil estimator uses the
// heuristic; a nil logger disables logging.
func NewAssembler(estimator budget.Estimator, logger *zap.Logger) *Assembler {
	if estimator == nil {
		estimator = budget.HeuristicEstimator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{estimator: estimator, logger: logger}
}

// Build assembles the prompt under the given token budget.
//
// Protected layers are concatenated unconditionally; when they alone exceed
// the budget the overflow is logged, never enforced. Trimmable layers are
// dropped whole, in the fixed order conversation summary, team knowledge,
// retrieved, user profile, until the estimate fits. Surviving layers render
// in priority order regardless of trim order.
func (a *Assembler) Build(in *Input, tokenBudget int) *Result {
	if tokenBudget <= 0 {
		tokenBudget = budget.DefaultBudget
	}

	layers := map[Layer]string{
		LayerIdentity:            strings.TrimSpace(in.Identity),
		LayerIdentityMemories:    renderMemoryList("Identity:", in.IdentityMemories),
		LayerSkills:              strings.TrimSpace(in.Skills),
		LayerUserProfile:         renderMemoryList("User profile:", in.UserProfile),
		LayerRetrieved:           FormatMemories(in.Retrieved, in.Contradictions),
		LayerTeamKnowledge:       strings.TrimSpace(in.TeamKnowledge),
		LayerConversationSummary: strings.TrimSpace(in.ConversationSummary),
	}

	protectedTokens := 0
	for l := LayerIdentity; l <= protectedBoundary; l++ {
		protectedTokens += a.estimator.Estimate(layers[l])
	}
	if protectedTokens > tokenBudget {
		a.logger.Warn("protected prompt layers exceed token budget",
			zap.Int("protected_tokens", protectedTokens),
			zap.Int("budget", tokenBudget))
	}

	trimmable := tokenBudget - protectedTokens
	trimOrder := []Layer{LayerConversationSummary, LayerTeamKnowledge, LayerRetrieved, LayerUserProfile}

	dropped := make(map[Layer]bool)
	var droppedOrder []Layer
	for _, victim := range trimOrder {
		total := 0
		for l := protectedBoundary + 1; l <= LayerConversationSummary; l++ {
			if !dropped[l] {
				total += a.estimator.Estimate(layers[l])
			}
		}
		if total <= trimmable {
			break
		}
		if layers[victim] == "" {
			continue
		}
		dropped[victim] = true
		droppedOrder = append(droppedOrder, victim)
		a.logger.Debug("prompt layer dropped to fit budget", zap.Int("layer", int(victim)))
	}

	var parts []string
	for l := LayerIdentity; l <= LayerConversationSummary; l++ {
		if dropped[l] || layers[l] == "" {
			continue
		}
		parts = append(parts, layers[l])
	}
	text := strings.Join(parts, "\n\n")

	return &Result{
		Text:            text,
		EstimatedTokens: a.estimator.Estimate(text),
		DroppedLayers:   droppedOrder,
	}
}

// FormatMemories renders retrieved memories grouped by type, score-sorted
// within each group, with contradiction markers appended. This is the same
// fragment retrieval attaches to its result.
func FormatMemories(scored []*memory.ScoredRecord, contradictions []memory.Contradiction) string {
	if len(scored) == 0 && len(contradictions) == 0 {
		return ""
	}

	groups := make(map[memory.MemoryType][]*memory.ScoredRecord)
	for _, s := range scored {
		groups[s.Record.Type] = append(groups[s.Record.Type], s)
	}

	groupOrder := []memory.MemoryType{
		memory.TypeIdentity, memory.TypeUserProfile, memory.TypeSemantic,
		memory.TypeProcedural, memory.TypeEpisodic, memory.TypeShared,
		memory.TypeAgentPrivate,
	}

	var b strings.Builder
	b.WriteString("Relevant memories:\n")
	for _, t := range groupOrder {
		records := groups[t]
		if len(records) == 0 {
			continue
		}
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].FinalScore > records[j].FinalScore
		})
		b.WriteString(fmt.Sprintf("\n[%s]\n", t))
		for _, s := range records {
			b.WriteString(fmt.Sprintf("- %s\n", s.Record.Content))
		}
	}

	if len(contradictions) > 0 {
		b.WriteString("\nConflicting memories (reconcile before relying on them):\n")
		for _, c := range contradictions {
			b.WriteString(fmt.Sprintf("- %q vs %q (subject: %s)\n",
				c.FirstContent, c.SecondContent, c.Subject))
		}
	}
	return strings.TrimSpace(b.String())
}

func renderMemoryList(header string, scored []*memory.ScoredRecord) string {
	if len(scored) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(header)
	for _, s := range scored {
		b.WriteString(fmt.Sprintf("\n- %s", s.Record.Content))
	}
	return b.String()
}
