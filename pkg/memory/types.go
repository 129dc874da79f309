// Package memory defines the durable and ephemeral types shared by every
// component of the engram memory engine.
package memory

import (
	"fmt"
	"strings"
	"time"
)

// MemoryType classifies what kind of knowledge a record holds.
//
// The set is closed: scoring, budgeting, and tier logic switch exhaustively
// on it, so an unknown value is a programming error, not data.
type MemoryType string

const (
	// TypeSemantic is a general fact ("User prefers Go over Python").
	TypeSemantic MemoryType = "semantic"

	// TypeEpisodic is a dated event ("Deployed v2 on March 3rd").
	TypeEpisodic MemoryType = "episodic"

	// TypeProcedural is a how-to ("Release steps: tag, build, publish").
	TypeProcedural MemoryType = "procedural"

	// TypeAgentPrivate is knowledge visible only to the owning agent.
	TypeAgentPrivate MemoryType = "agent_private"

	// TypeShared is team-wide knowledge visible to all agents.
	TypeShared MemoryType = "shared"

	// TypeIdentity is an identity statement about the agent itself.
	// Identity records are never demoted and never trimmed from a prompt.
	TypeIdentity MemoryType = "identity"

	// TypeUserProfile is a durable statement about the user.
	TypeUserProfile MemoryType = "user_profile"
)

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeSemantic, TypeEpisodic, TypeProcedural, TypeAgentPrivate,
		TypeShared, TypeIdentity, TypeUserProfile:
		return true
	}
	return false
}

// SourceType records how a memory entered the system.
type SourceType string

const (
	// SourceExtraction marks memories produced by conversation extraction.
	SourceExtraction SourceType = "extraction"

	// SourceExplicit marks memories stored by direct user/agent request.
	SourceExplicit SourceType = "explicit"

	// SourceSystem marks memories seeded by the platform itself.
	SourceSystem SourceType = "system"

	// SourceFeedback marks memories derived from user feedback signals.
	SourceFeedback SourceType = "feedback"

	// SourceConsolidation marks memories produced by merge/summarize jobs.
	SourceConsolidation SourceType = "consolidation"

	// SourceCompaction marks memories produced by history compaction.
	SourceCompaction SourceType = "compaction"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	switch s {
	case SourceExtraction, SourceExplicit, SourceSystem, SourceFeedback,
		SourceConsolidation, SourceCompaction:
		return true
	}
	return false
}

// Tier is the storage/retrieval priority ladder: hot > warm > cold.
type Tier string

const (
	// TierHot holds frequently accessed, high-value memories.
	TierHot Tier = "hot"

	// TierWarm is the default tier for new memories.
	TierWarm Tier = "warm"

	// TierCold holds superseded, archived, or rarely used memories.
	TierCold Tier = "cold"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierCold:
		return true
	}
	return false
}

// Above reports whether t is one step or more above other on the ladder.
func (t Tier) Above(other Tier) bool {
	return t.rank() > other.rank()
}

// Up returns the next tier up the ladder (hot stays hot).
func (t Tier) Up() Tier {
	switch t {
	case TierCold:
		return TierWarm
	case TierWarm:
		return TierHot
	default:
		return TierHot
	}
}

func (t Tier) rank() int {
	switch t {
	case TierHot:
		return 2
	case TierWarm:
		return 1
	default:
		return 0
	}
}

// Status is the lifecycle state of a record. Records are never hard-deleted:
// superseding and archival are the only removal paths.
type Status string

const (
	// StatusActive marks a live record eligible for retrieval.
	StatusActive Status = "active"

	// StatusSuperseded marks a record replaced by a newer one.
	// A superseded record always has SupersededBy set and Tier cold.
	StatusSuperseded Status = "superseded"

	// StatusArchived marks an expired or manually retired record.
	StatusArchived Status = "archived"

	// StatusDisputed marks a record contradicted by another active record
	// with no clear winner. Both sides stay retrievable.
	StatusDisputed Status = "disputed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuperseded, StatusArchived, StatusDisputed:
		return true
	}
	return false
}

// Record is the durable unit of memory.
//
// Soft references (SupersededBy, Contradicts, RelatedTo) are plain IDs
// resolved through the store; they never imply ownership.
type Record struct {
	// ID is the UUID of the record.
	ID string `json:"id"`

	// TeamID scopes the record to a team. Required.
	TeamID string `json:"team_id"`

	// AgentID scopes the record to an agent (empty = team-wide).
	AgentID string `json:"agent_id,omitempty"`

	// UserID scopes the record to a user (optional).
	UserID string `json:"user_id,omitempty"`

	// ConversationID identifies the source conversation (optional).
	ConversationID string `json:"conversation_id,omitempty"`

	// Type classifies the record.
	Type MemoryType `json:"memory_type"`

	// Content is the memory text.
	Content string `json:"content"`

	// Subject is an optional dot-path category ("pet.preference").
	Subject string `json:"subject,omitempty"`

	// Embedding is the vector representation. Nil until embedded.
	Embedding []float64 `json:"embedding,omitempty"`

	// Importance ranks the record 1 (trivial) to 10 (critical).
	Importance int `json:"importance"`

	// Confidence is the extraction confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// AccessCount counts retrievals that included this record.
	AccessCount int `json:"access_count"`

	// Pinned records are never demoted or trimmed from a prompt.
	Pinned bool `json:"is_pinned"`

	// Source records how the memory entered the system.
	Source SourceType `json:"source_type"`

	// Version increments on content rewrites.
	Version int `json:"version"`

	// SupersededBy is the ID of the replacing record, if any.
	SupersededBy string `json:"superseded_by,omitempty"`

	// Contradicts lists IDs of records this one conflicts with.
	Contradicts []string `json:"contradicts,omitempty"`

	// RelatedTo lists IDs of records this one relates to.
	RelatedTo []string `json:"related_to,omitempty"`

	// Tier is the current storage tier.
	Tier Tier `json:"tier"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Metadata carries additional structured attributes
	// (e.g. "positive_feedback" used by tier promotion).
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last mutated.
	UpdatedAt time.Time `json:"updated_at"`

	// LastAccessedAt is when the record was last retrieved (nil if never).
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// ExpiresAt is an optional expiry deadline.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Validate rejects records that violate data invariants. It is called at the
// persistence boundary so violating inputs never reach the store.
func (r *Record) Validate() error {
	if r.TeamID == "" {
		return fmt.Errorf("%w: team id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidRecord)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", ErrInvalidRecord, r.Type)
	}
	if !r.Source.Valid() {
		return fmt.Errorf("%w: unknown source type %q", ErrInvalidRecord, r.Source)
	}
	if !r.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidRecord, r.Tier)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	if r.Importance < 1 || r.Importance > 10 {
		return fmt.Errorf("%w: importance %d outside [1,10]", ErrInvalidRecord, r.Importance)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidRecord, r.Confidence)
	}
	if r.Status == StatusSuperseded && r.SupersededBy == "" {
		return fmt.Errorf("%w: superseded record has no superseded_by", ErrInvalidRecord)
	}
	return nil
}

// NormalizeSubject lowercases and trims a subject for comparison.
// An all-whitespace subject normalizes to the empty string.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

// NormalizeContent lowercases and trims content for duplicate comparison.
func NormalizeContent(content string) string {
	return strings.ToLower(strings.TrimSpace(content))
}

// Signals is the per-record score breakdown produced by retrieval.
type Signals struct {
	// Semantic is the clamped cosine similarity to the query.
	Semantic float64 `json:"semantic"`

	// Recency decays exponentially with hours since last access.
	Recency float64 `json:"recency"`

	// Importance is the normalized importance (1.0 for identity/pinned).
	Importance float64 `json:"importance"`

	// Continuity is 1.0 when the record's conversation matches the
	// current one.
	Continuity float64 `json:"continuity"`

	// Relationship is 0.5 when another retrieved record references this
	// one via RelatedTo.
	Relationship float64 `json:"relationship"`
}

// ScoredRecord pairs a record with its retrieval score. Ephemeral: produced
// by retrieval, consumed by budgeting and prompt assembly, never persisted.
type ScoredRecord struct {
	// Record is the underlying memory record.
	Record *Record `json:"record"`

	// FinalScore is the weighted combination of all signals, in [0, 1].
	FinalScore float64 `json:"final_score"`

	// Signals is the per-signal breakdown behind FinalScore.
	Signals Signals `json:"signals"`
}

// Candidate is a memory extracted from a conversation before persistence.
// It always passes contradiction and duplicate checks before becoming a
// Record.
type Candidate struct {
	// Type classifies the candidate.
	Type MemoryType `json:"memory_type"`

	// Content is the extracted statement.
	Content string `json:"content"`

	// Subject is an optional dot-path category.
	Subject string `json:"subject,omitempty"`

	// Importance is the extractor's 1-10 estimate.
	Importance int `json:"importance"`

	// Confidence is the extractor's confidence in [0, 1].
	Confidence float64 `json:"confidence"`
}

// Contradiction is a detected conflict between two memories on the same
// subject, surfaced to the prompt so the agent can reconcile them.
type Contradiction struct {
	// Subject is the normalized subject both records share.
	Subject string `json:"subject"`

	// FirstID and SecondID identify the conflicting records.
	FirstID  string `json:"first_id"`
	SecondID string `json:"second_id"`

	// FirstContent and SecondContent are the conflicting statements.
	FirstContent  string `json:"first_content"`
	SecondContent string `json:"second_content"`
}

// RetrievalStats reports timing and cache behavior for one retrieval call.
type RetrievalStats struct {
	// CacheHit is true when the in-process cache short-circuited the call.
	CacheHit bool `json:"cache_hit"`

	// SharedCacheHit is true when the shared cache short-circuited it.
	SharedCacheHit bool `json:"shared_cache_hit"`

	// ElapsedMS is the wall-clock duration of the call.
	ElapsedMS int64 `json:"elapsed_ms"`

	// CandidateCount is the merged candidate set size before budgeting.
	CandidateCount int `json:"candidate_count"`

	// IncludedCount is the number of records that survived budgeting.
	IncludedCount int `json:"included_count"`
}

// RetrievalResult is the unit returned by a single retrieval call and the
// unit cached between calls.
type RetrievalResult struct {
	// Memories is the ranked, budget-filtered record set.
	Memories []*ScoredRecord `json:"memories"`

	// PromptFragment is the pre-formatted text block for prompt assembly.
	PromptFragment string `json:"prompt_fragment"`

	// Contradictions lists conflicts detected across the candidate set.
	Contradictions []Contradiction `json:"contradictions,omitempty"`

	// Stats reports timing and cache behavior.
	Stats RetrievalStats `json:"stats"`
}
