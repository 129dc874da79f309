package consolidation

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/memory"
)

// DefaultSchedule runs consolidation nightly at 03:00.
const DefaultSchedule = "0 3 * * *"

// Pair is one (team, agent) consolidation scope.
type Pair struct {
	TeamID  string
	AgentID string
}

// Runner executes consolidation on a cron schedule, one registered pair at a
// time. One pair's failure never affects the next.
type Runner struct {
	consolidator *Consolidator
	cron         *cron.Cron
	logger       *zap.Logger

	mu    sync.Mutex
	pairs []Pair
}

// NewRunner creates a runner on the given cron schedule (standard five-field
// syntax; empty uses DefaultSchedule).
func NewRunner(consolidator *Consolidator, schedule string, logger *zap.Logger) (*Runner, error) {
	if consolidator == nil {
		return nil, fmt.Errorf("%w: runner requires a consolidator", memory.ErrInvalidConfig)
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		consolidator: consolidator,
		cron:         cron.New(),
		logger:       logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.runOnce); err != nil {
		return nil, fmt.Errorf("%w: invalid consolidation schedule %q: %v", memory.ErrInvalidConfig, schedule, err)
	}
	return r, nil
}

// Register adds a (team, agent) pair to the schedule. Duplicate pairs are
// ignored.
func (r *Runner) Register(teamID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pairs {
		if p.TeamID == teamID && p.AgentID == agentID {
			return
		}
	}
	r.pairs = append(r.pairs, Pair{TeamID: teamID, AgentID: agentID})
}

// Start begins scheduled execution.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("consolidation runner started", zap.Int("pairs", len(r.snapshot())))
}

// Stop halts the schedule and waits for a running job to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("consolidation runner stopped")
}

// runOnce executes all three jobs for every registered pair, sequentially.
func (r *Runner) runOnce() {
	for _, pair := range r.snapshot() {
		r.logger.Info("consolidating",
			zap.String("team_id", pair.TeamID),
			zap.String("agent_id", pair.AgentID))
		r.consolidator.RunAll(context.Background(), pair.TeamID, pair.AgentID)
	}
}

func (r *Runner) snapshot() []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	pairs := make([]Pair, len(r.pairs))
	copy(pairs, r.pairs)
	return pairs
}
