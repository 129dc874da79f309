// Package storage defines the persistence interface for memory records and
// audit log entries.
//
// All backends (SQLite, PostgreSQL) must implement the Store interface.
// Vector search returns (record, similarity) pairs ordered by descending
// cosine similarity; backends without a native vector index rank in memory.
package storage

import (
	"context"
	"time"

	"github.com/engramlabs/engram-go/pkg/memory"
)

// SimilarityMatch pairs a record with its cosine similarity to a query
// vector.
type SimilarityMatch struct {
	// Record is the matched record.
	Record *memory.Record

	// Similarity is the cosine similarity in [-1, 1].
	Similarity float64
}

// SearchOptions contains filters for vector similarity search.
type SearchOptions struct {
	// TeamID scopes the search to a team. Required.
	TeamID string

	// AgentID scopes the search to one agent when non-empty; records with
	// an empty agent scope (team-wide) are included either way.
	AgentID string

	// Types restricts results to the given memory types (empty = all).
	Types []memory.MemoryType

	// Statuses restricts results to the given statuses. Empty defaults
	// to active only.
	Statuses []memory.Status

	// Limit caps the number of results. Zero uses the backend default.
	Limit int

	// MinSimilarity drops results below this cosine similarity.
	MinSimilarity float64
}

// ListOptions contains filters for bulk record fetches.
type ListOptions struct {
	// TeamID scopes the fetch to a team. Required.
	TeamID string

	// AgentID scopes the fetch to one agent when non-empty.
	AgentID string

	// Types restricts results to the given memory types (empty = all).
	Types []memory.MemoryType

	// Statuses restricts results to the given statuses. Empty defaults
	// to active only.
	Statuses []memory.Status

	// Tier restricts results to one tier when non-empty.
	Tier memory.Tier

	// CreatedBefore keeps only records created before this time.
	CreatedBefore time.Time

	// MaxAccessCount keeps only records with AccessCount below this
	// value when > 0.
	MaxAccessCount int

	// RequireEmbedding keeps only records with a stored embedding.
	RequireEmbedding bool

	// OrderByLastAccessed orders newest-accessed first instead of the
	// default newest-created first.
	OrderByLastAccessed bool

	// Limit caps the number of results. Zero uses the backend default.
	Limit int
}

// Store is the persistence interface for memory records.
type Store interface {
	// Insert persists a new record.
	Insert(ctx context.Context, rec *memory.Record) error

	// Get retrieves a record by ID. Returns memory.ErrNotFound if the
	// record does not exist.
	Get(ctx context.Context, id string) (*memory.Record, error)

	// Update rewrites a record's mutable fields (content, embedding,
	// importance, tier, status, version, references, metadata, access
	// bookkeeping). Returns memory.ErrNotFound for unknown IDs.
	Update(ctx context.Context, rec *memory.Record) error

	// SearchSimilar performs vector similarity search, returning matches
	// ordered by descending similarity.
	SearchSimilar(ctx context.Context, embedding []float64, opts *SearchOptions) ([]*SimilarityMatch, error)

	// GetBySubject returns active records whose normalized subject equals
	// the normalized form of subject, scoped to team (and agent when
	// non-empty).
	GetBySubject(ctx context.Context, teamID, agentID, subject string) ([]*memory.Record, error)

	// List performs a filtered bulk fetch.
	List(ctx context.Context, opts *ListOptions) ([]*memory.Record, error)

	// TouchAccessed increments access_count and stamps last_accessed_at
	// for the given IDs. Missing IDs are ignored.
	TouchAccessed(ctx context.Context, ids []string) error

	// ArchiveExpired archives records whose expires_at has passed
	// (status=archived, tier=cold) and returns the distinct agent IDs of
	// the affected records so the caller can invalidate caches.
	ArchiveExpired(ctx context.Context, teamID string, now time.Time) ([]string, error)

	// DemoteStaleWarm demotes warm records untouched since cutoff to
	// cold, honoring the demotion guards (identity, pinned,
	// importance >= 8 are never demoted). Returns the distinct agent IDs
	// of the affected records.
	DemoteStaleWarm(ctx context.Context, teamID string, cutoff time.Time) ([]string, error)

	// Close closes the store and releases resources.
	Close() error
}
