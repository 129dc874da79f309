package audit

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/pkg/memory"
)

// Log is the append-only audit writer. One method per transition kind; no
// update or delete paths exist.
type Log struct {
	store  Store
	node   *snowflake.Node
	logger *zap.Logger
}

// NewLog creates an audit log over store. A nil logger falls back to
// zap.NewNop.
func NewLog(store Store, logger *zap.Logger) (*Log, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, memory.NewEngineError("NewLog", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, node: node, logger: logger}, nil
}

// RecordCreated appends a `created` entry seeding the memory's snapshot.
func (l *Log) RecordCreated(ctx context.Context, rec *memory.Record, changedBy, reason string) error {
	return l.append(ctx, &Entry{
		MemoryID:  rec.ID,
		TeamID:    rec.TeamID,
		Kind:      KindCreated,
		ChangedBy: changedBy,
		Reason:    reason,
		After: map[string]interface{}{
			"content": rec.Content,
			"tier":    string(rec.Tier),
			"status":  string(rec.Status),
		},
	})
}

// RecordUpdated appends an `updated` entry with the content change.
func (l *Log) RecordUpdated(ctx context.Context, rec *memory.Record, previousContent, changedBy, reason string) error {
	return l.append(ctx, &Entry{
		MemoryID:  rec.ID,
		TeamID:    rec.TeamID,
		Kind:      KindUpdated,
		ChangedBy: changedBy,
		Reason:    reason,
		Before:    map[string]interface{}{"content": previousContent},
		After:     map[string]interface{}{"content": rec.Content},
	})
}

// RecordSuperseded appends a `superseded` entry pointing at the replacement.
func (l *Log) RecordSuperseded(ctx context.Context, rec *memory.Record, supersededBy, changedBy, reason string) error {
	return l.append(ctx, &Entry{
		MemoryID:  rec.ID,
		TeamID:    rec.TeamID,
		Kind:      KindSuperseded,
		ChangedBy: changedBy,
		Reason:    reason,
		Before: map[string]interface{}{
			"status": string(rec.Status),
			"tier":   string(rec.Tier),
		},
		After: map[string]interface{}{
			"status":        string(memory.StatusSuperseded),
			"tier":          string(memory.TierCold),
			"superseded_by": supersededBy,
		},
	})
}

// RecordPromoted appends a `promoted` entry with the tier change.
func (l *Log) RecordPromoted(ctx context.Context, rec *memory.Record, from, to memory.Tier, changedBy, reason string) error {
	return l.append(ctx, &Entry{
		MemoryID:  rec.ID,
		TeamID:    rec.TeamID,
		Kind:      KindPromoted,
		ChangedBy: changedBy,
		Reason:    reason,
		Before:    map[string]interface{}{"tier": string(from)},
		After:     map[string]interface{}{"tier": string(to)},
	})
}

// RecordDemoted appends a `demoted` entry with the tier change.
func (l *Log) RecordDemoted(ctx context.Context, rec *memory.Record, from, to memory.Tier, changedBy, reason string) error {
	return l.append(ctx, &Entry{
		MemoryID:  rec.ID,
		TeamID:    rec.TeamID,
		Kind:      KindDemoted,
		ChangedBy: changedBy,
		Reason:    reason,
		Before:    map[string]interface{}{"tier": string(from)},
		After:     map[string]interface{}{"tier": string(to)},
	})
}

// RecordContradiction appends a `contradiction_detected` entry marking the
// record disputed.
func (l *Log) RecordContradiction(ctx context.Context, rec *memory.Record, otherID, changedBy, reason string) error {
	return l.append(ctx, &Entry{
		MemoryID:  rec.ID,
		TeamID:    rec.TeamID,
		Kind:      KindContradiction,
		ChangedBy: changedBy,
		Reason:    reason,
		Before:    map[string]interface{}{"status": string(rec.Status)},
		After: map[string]interface{}{
			"status":      string(memory.StatusDisputed),
			"contradicts": otherID,
		},
	})
}

func (l *Log) append(ctx context.Context, entry *Entry) error {
	entry.ID = l.node.Generate().Int64()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := l.store.AppendEntry(ctx, entry); err != nil {
		return memory.NewEngineError("AuditAppend", err)
	}
	return nil
}

// ReconstructAt replays every entry for the team up to ts, in creation
// order, folding each into a running snapshot map.
//
// Entries for memories with no prior `created` snapshot are skipped: a
// bounded audit window can start mid-history, which is acceptable for a
// bounded trail, not a correctness bug.
func (l *Log) ReconstructAt(ctx context.Context, teamID string, ts time.Time) ([]*Snapshot, error) {
	entries, err := l.store.ListEntries(ctx, teamID, ts)
	if err != nil {
		return nil, memory.NewEngineError("ReconstructAt", err)
	}

	snapshots := make(map[string]*Snapshot)
	order := make([]string, 0)

	for _, entry := range entries {
		snap, seen := snapshots[entry.MemoryID]

		if entry.Kind == KindCreated {
			if seen {
				// Duplicate created entries should not happen; keep
				// the first and log the anomaly.
				l.logger.Warn("duplicate created entry in audit log",
					zap.String("memory_id", entry.MemoryID),
					zap.Int64("entry_id", entry.ID))
				continue
			}
			snap = &Snapshot{
				MemoryID:    entry.MemoryID,
				Content:     stringField(entry.After, "content"),
				Tier:        stringField(entry.After, "tier"),
				Status:      stringField(entry.After, "status"),
				CreatedAt:   entry.CreatedAt,
				LastEventAt: entry.CreatedAt,
			}
			snapshots[entry.MemoryID] = snap
			order = append(order, entry.MemoryID)
			continue
		}

		if !seen {
			continue
		}

		switch entry.Kind {
		case KindUpdated:
			if content := stringField(entry.After, "content"); content != "" {
				snap.Content = content
			}
		case KindSuperseded:
			snap.Status = string(memory.StatusSuperseded)
			snap.Tier = string(memory.TierCold)
		case KindPromoted, KindDemoted:
			if tier := stringField(entry.After, "tier"); tier != "" {
				snap.Tier = tier
			}
		case KindContradiction:
			snap.Status = string(memory.StatusDisputed)
		}
		snap.LastEventAt = entry.CreatedAt
	}

	result := make([]*Snapshot, 0, len(order))
	for _, id := range order {
		result = append(result, snapshots[id])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
