// Package memstore is an in-memory implementation of the memory and audit
// stores. It backs tests and prototyping; production deployments use the
// sqlite or postgres backends.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/storage"
)

const defaultLimit = 50

// Store keeps every record and audit entry in process memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]*memory.Record
	order   []string
	entries []*audit.Entry
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]*memory.Record)}
}

// Insert persists a new record.
func (s *Store) Insert(ctx context.Context, rec *memory.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneRecord(rec)
	if _, ok := s.records[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = clone
	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Update rewrites an existing record.
func (s *Store) Update(ctx context.Context, rec *memory.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return memory.ErrNotFound
	}
	clone := cloneRecord(rec)
	clone.UpdatedAt = time.Now().UTC()
	s.records[rec.ID] = clone
	return nil
}

// SearchSimilar ranks embedded records by cosine similarity.
func (s *Store) SearchSimilar(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.SimilarityMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var matches []*storage.SimilarityMatch
	for _, id := range s.order {
		rec := s.records[id]
		if len(rec.Embedding) == 0 || !inScope(rec, opts.TeamID, opts.AgentID, opts.Types, opts.Statuses) {
			continue
		}
		sim := memory.CosineSimilarity(embedding, rec.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		matches = append(matches, &storage.SimilarityMatch{Record: cloneRecord(rec), Similarity: sim})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// GetBySubject returns active records sharing the normalized subject.
func (s *Store) GetBySubject(ctx context.Context, teamID, agentID, subject string) ([]*memory.Record, error) {
	normalized := memory.NormalizeSubject(subject)
	if normalized == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.Record
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Status != memory.StatusActive || rec.TeamID != teamID {
			continue
		}
		if agentID != "" && rec.AgentID != "" && rec.AgentID != agentID {
			continue
		}
		if memory.NormalizeSubject(rec.Subject) == normalized {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

// List performs a filtered bulk fetch.
func (s *Store) List(ctx context.Context, opts *storage.ListOptions) ([]*memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var out []*memory.Record
	for _, id := range s.order {
		rec := s.records[id]
		if !inScope(rec, opts.TeamID, opts.AgentID, opts.Types, opts.Statuses) {
			continue
		}
		if opts.Tier != "" && rec.Tier != opts.Tier {
			continue
		}
		if !opts.CreatedBefore.IsZero() && !rec.CreatedAt.Before(opts.CreatedBefore) {
			continue
		}
		if opts.MaxAccessCount > 0 && rec.AccessCount >= opts.MaxAccessCount {
			continue
		}
		if opts.RequireEmbedding && len(rec.Embedding) == 0 {
			continue
		}
		out = append(out, cloneRecord(rec))
	}

	if opts.OrderByLastAccessed {
		sort.SliceStable(out, func(i, j int) bool {
			return lastTouched(out[i]).After(lastTouched(out[j]))
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TouchAccessed bumps access bookkeeping for the given IDs.
func (s *Store) TouchAccessed(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			rec.AccessCount++
			t := now
			rec.LastAccessedAt = &t
		}
	}
	return nil
}

// ArchiveExpired archives records past their expiry and returns the distinct
// agent IDs affected.
func (s *Store) ArchiveExpired(ctx context.Context, teamID string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var agents []string
	seen := make(map[string]struct{})
	for _, id := range s.order {
		rec := s.records[id]
		if rec.TeamID != teamID || rec.Status == memory.StatusArchived {
			continue
		}
		if rec.ExpiresAt == nil || !rec.ExpiresAt.Before(now) {
			continue
		}
		rec.Status = memory.StatusArchived
		rec.Tier = memory.TierCold
		rec.UpdatedAt = time.Now().UTC()
		if rec.AgentID != "" {
			if _, ok := seen[rec.AgentID]; !ok {
				seen[rec.AgentID] = struct{}{}
				agents = append(agents, rec.AgentID)
			}
		}
	}
	return agents, nil
}

// DemoteStaleWarm demotes unguarded warm records untouched since cutoff.
func (s *Store) DemoteStaleWarm(ctx context.Context, teamID string, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var agents []string
	seen := make(map[string]struct{})
	for _, id := range s.order {
		rec := s.records[id]
		if rec.TeamID != teamID || rec.Tier != memory.TierWarm || rec.Status != memory.StatusActive {
			continue
		}
		if rec.Type == memory.TypeIdentity || rec.Pinned || rec.Importance >= 8 {
			continue
		}
		if lastTouched(rec).After(cutoff) || !rec.CreatedAt.Before(cutoff) {
			continue
		}
		rec.Tier = memory.TierCold
		rec.UpdatedAt = time.Now().UTC()
		if rec.AgentID != "" {
			if _, ok := seen[rec.AgentID]; !ok {
				seen[rec.AgentID] = struct{}{}
				agents = append(agents, rec.AgentID)
			}
		}
	}
	return agents, nil
}

// AppendEntry persists an audit entry.
func (s *Store) AppendEntry(ctx context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.entries = append(s.entries, &clone)
	return nil
}

// ListEntries returns every entry for the team up to `until`, in creation
// order.
func (s *Store) ListEntries(ctx context.Context, teamID string, until time.Time) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Entry
	for _, entry := range s.entries {
		if entry.TeamID != teamID || entry.CreatedAt.After(until) {
			continue
		}
		clone := *entry
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func inScope(rec *memory.Record, teamID, agentID string, types []memory.MemoryType, statuses []memory.Status) bool {
	if rec.TeamID != teamID {
		return false
	}
	if agentID != "" && rec.AgentID != "" && rec.AgentID != agentID {
		return false
	}
	if len(types) > 0 && !containsType(types, rec.Type) {
		return false
	}
	if len(statuses) == 0 {
		statuses = []memory.Status{memory.StatusActive}
	}
	return containsStatus(statuses, rec.Status)
}

func containsType(types []memory.MemoryType, t memory.MemoryType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsStatus(statuses []memory.Status, s memory.Status) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

func lastTouched(rec *memory.Record) time.Time {
	if rec.LastAccessedAt != nil {
		return *rec.LastAccessedAt
	}
	return rec.CreatedAt
}

func cloneRecord(rec *memory.Record) *memory.Record {
	clone := *rec
	if rec.Embedding != nil {
		clone.Embedding = append([]float64(nil), rec.Embedding...)
	}
	if rec.Contradicts != nil {
		clone.Contradicts = append([]string(nil), rec.Contradicts...)
	}
	if rec.RelatedTo != nil {
		clone.RelatedTo = append([]string(nil), rec.RelatedTo...)
	}
	if rec.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(rec.Metadata))
		for k, v := range rec.Metadata {
			clone.Metadata[k] = v
		}
	}
	if rec.LastAccessedAt != nil {
		t := *rec.LastAccessedAt
		clone.LastAccessedAt = &t
	}
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		clone.ExpiresAt = &t
	}
	return &clone
}
