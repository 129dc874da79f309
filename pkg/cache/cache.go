// Package cache provides the shared, cross-process memory cache used to warm
// retrieval for an agent between requests.
package cache

import (
	"context"

	"github.com/engramlabs/engram-go/pkg/memory"
)

// SharedCache is the cross-request warm-memory store. It is the only state
// shared across concurrent retrievals for the same agent; concurrent writers
// resolve by last-write-wins.
type SharedCache interface {
	// GetMemories returns cached scored memories for the agent+user scope,
	// or nil on a miss. Malformed cached entries are skipped, not fatal.
	GetMemories(ctx context.Context, agentID, userID string, limit int) ([]*memory.ScoredRecord, error)

	// WarmCache stores scored memories for the agent+user scope.
	WarmCache(ctx context.Context, agentID, userID string, scored []*memory.ScoredRecord) error

	// Invalidate drops every cached entry for the agent, across users.
	Invalidate(ctx context.Context, agentID string) error

	// Close releases the underlying connection.
	Close() error
}

// NopCache is a SharedCache that caches nothing, for cache-less deployments.
type NopCache struct{}

// GetMemories always misses.
func (NopCache) GetMemories(ctx context.Context, agentID, userID string, limit int) ([]*memory.ScoredRecord, error) {
	return nil, nil
}

// WarmCache discards the entries.
func (NopCache) WarmCache(ctx context.Context, agentID, userID string, scored []*memory.ScoredRecord) error {
	return nil
}

// Invalidate does nothing.
func (NopCache) Invalidate(ctx context.Context, agentID string) error {
	return nil
}

// Close does nothing.
func (NopCache) Close() error {
	return nil
}
