package budget

import (
	"sort"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/memory"
)

// DefaultBudget is the token budget used when the caller passes none.
const DefaultBudget = 2000

// Allocation reports how a budget was spent across categories.
type Allocation struct {
	// Budget is the total token budget the allocation ran under.
	Budget int `json:"budget"`

	// IdentityTokens and PinnedTokens may exceed Budget on their own:
	// identity and pinned memories are never trimmed.
	IdentityTokens    int `json:"identity_tokens"`
	PinnedTokens      int `json:"pinned_tokens"`
	UserProfileTokens int `json:"user_profile_tokens"`
	RemainingTokens   int `json:"remaining_tokens"`

	// Included and Trimmed count records, not tokens.
	Included int `json:"included"`
	Trimmed  int `json:"trimmed"`
}

// TotalTokens returns the token sum across all categories.
func (a *Allocation) TotalTokens() int {
	return a.IdentityTokens + a.PinnedTokens + a.UserProfileTokens + a.RemainingTokens
}

// Manager greedily fills a token budget, category by category: identity and
// pinned first (always included), then user profile, then everything else in
// score order.
type Manager struct {
	estimator Estimator
	logger    *zap.Logger
}

// NewManager creates a budget manager. A nil estimator uses the heuristic; a
// nil logger disables logging.
func NewManager(estimator Estimator, logger *zap.Logger) *Manager {
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{estimator: estimator, logger: logger}
}

// Allocate selects the subset of scored memories that fits the budget.
//
// Identity and pinned memories are included unconditionally; when they alone
// exceed the budget the overflow is logged, never enforced. Every other
// record that would push the running total past the budget is trimmed,
// counted but not included.
func (m *Manager) Allocate(scored []*memory.ScoredRecord, budget int) ([]*memory.ScoredRecord, *Allocation) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	alloc := &Allocation{Budget: budget}

	var identity, pinned, userProfile, remaining []*memory.ScoredRecord
	for _, s := range scored {
		switch {
		case s.Record.Type == memory.TypeIdentity:
			identity = append(identity, s)
		case s.Record.Pinned:
			pinned = append(pinned, s)
		case s.Record.Type == memory.TypeUserProfile:
			userProfile = append(userProfile, s)
		default:
			remaining = append(remaining, s)
		}
	}
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].FinalScore > remaining[j].FinalScore
	})

	var included []*memory.ScoredRecord

	for _, s := range identity {
		alloc.IdentityTokens += m.estimator.Estimate(s.Record.Content)
		alloc.Included++
		included = append(included, s)
	}
	for _, s := range pinned {
		alloc.PinnedTokens += m.estimator.Estimate(s.Record.Content)
		alloc.Included++
		included = append(included, s)
	}
	if alloc.IdentityTokens+alloc.PinnedTokens > budget {
		m.logger.Warn("identity and pinned memories alone exceed token budget",
			zap.Int("identity_tokens", alloc.IdentityTokens),
			zap.Int("pinned_tokens", alloc.PinnedTokens),
			zap.Int("budget", budget))
	}

	used := alloc.IdentityTokens + alloc.PinnedTokens

	used = m.fill(userProfile, budget, used, &alloc.UserProfileTokens, &included, alloc)
	m.fill(remaining, budget, used, &alloc.RemainingTokens, &included, alloc)

	return included, alloc
}

func (m *Manager) fill(records []*memory.ScoredRecord, budget, used int, categoryTokens *int, included *[]*memory.ScoredRecord, alloc *Allocation) int {
	for _, s := range records {
		tokens := m.estimator.Estimate(s.Record.Content)
		if used+tokens > budget {
			alloc.Trimmed++
			continue
		}
		used += tokens
		*categoryTokens += tokens
		alloc.Included++
		*included = append(*included, s)
	}
	return used
}
