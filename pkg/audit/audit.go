// Package audit provides the append-only audit log for memory state
// transitions and point-in-time reconstruction over it.
//
// Entries deliberately carry no foreign-key constraint to the memory table:
// an entry must outlive the record it describes, so the audit trail survives
// superseding and archival.
package audit

import (
	"context"
	"time"
)

// Kind identifies the state transition an entry records.
type Kind string

const (
	// KindCreated records the initial insertion of a memory.
	KindCreated Kind = "created"

	// KindUpdated records a content rewrite.
	KindUpdated Kind = "updated"

	// KindSuperseded records replacement by a newer memory.
	KindSuperseded Kind = "superseded"

	// KindPromoted records a tier promotion.
	KindPromoted Kind = "promoted"

	// KindDemoted records a tier demotion.
	KindDemoted Kind = "demoted"

	// KindContradiction records a detected contradiction.
	KindContradiction Kind = "contradiction_detected"
)

// Valid reports whether k is a known transition kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreated, KindUpdated, KindSuperseded, KindPromoted,
		KindDemoted, KindContradiction:
		return true
	}
	return false
}

// Entry is one immutable fact about a memory state transition. Created once,
// never mutated.
type Entry struct {
	// ID is a monotonically increasing snowflake ID. Replay relies on
	// creation order, so IDs double as a tiebreaker for equal timestamps.
	ID int64 `json:"id"`

	// MemoryID is the ID of the memory the transition applies to. No
	// foreign key: the entry outlives the record.
	MemoryID string `json:"memory_id"`

	// TeamID scopes the entry for reconstruction queries.
	TeamID string `json:"team_id"`

	// Kind is the transition kind.
	Kind Kind `json:"kind"`

	// ChangedBy names the actor ("extractor", "consolidation", a user ID).
	ChangedBy string `json:"changed_by"`

	// Reason is free text explaining the transition.
	Reason string `json:"reason,omitempty"`

	// Before and After snapshot only the fields that changed.
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`

	// CreatedAt is when the transition happened.
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence interface for audit entries. Append-only: there
// is deliberately no update or delete.
type Store interface {
	// AppendEntry persists an entry.
	AppendEntry(ctx context.Context, entry *Entry) error

	// ListEntries returns every entry for the team with CreatedAt <= until,
	// ordered by creation (timestamp, then ID).
	ListEntries(ctx context.Context, teamID string, until time.Time) ([]*Entry, error)
}

// Snapshot is the reconstructed state of one memory at a point in time.
type Snapshot struct {
	// MemoryID is the memory the snapshot describes.
	MemoryID string `json:"memory_id"`

	// Content is the reconstructed content.
	Content string `json:"content"`

	// Tier and Status are the reconstructed lifecycle fields.
	Tier   string `json:"tier"`
	Status string `json:"status"`

	// CreatedAt is when the memory was first seen in the log.
	CreatedAt time.Time `json:"created_at"`

	// LastEventAt is the timestamp of the last folded entry.
	LastEventAt time.Time `json:"last_event_at"`
}
