package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/memory"
)

// recordColumns is the canonical select list; scanRecord depends on this
// order.
const recordColumns = `id, team_id, agent_id, user_id, conversation_id,
	memory_type, content, subject, embedding, importance, confidence,
	access_count, is_pinned, source_type, version, superseded_by,
	contradicts, related_to, tier, status, metadata, created_at,
	updated_at, last_accessed_at, expires_at`

// encodedColumns holds the JSON/time columns produced from a record.
type encodedColumns struct {
	embedding      interface{}
	contradicts    string
	relatedTo      string
	metadata       string
	createdAt      time.Time
	updatedAt      time.Time
	lastAccessedAt interface{}
	expiresAt      interface{}
}

func encodeRecord(rec *memory.Record) (*encodedColumns, error) {
	cols := &encodedColumns{
		createdAt: rec.CreatedAt.UTC(),
		updatedAt: rec.UpdatedAt.UTC(),
	}

	if rec.Embedding != nil {
		raw, err := json.Marshal(rec.Embedding)
		if err != nil {
			return nil, err
		}
		cols.embedding = string(raw)
	}

	contradicts, err := json.Marshal(emptyIfNil(rec.Contradicts))
	if err != nil {
		return nil, err
	}
	cols.contradicts = string(contradicts)

	relatedTo, err := json.Marshal(emptyIfNil(rec.RelatedTo))
	if err != nil {
		return nil, err
	}
	cols.relatedTo = string(relatedTo)

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	cols.metadata = string(metadataJSON)

	if rec.LastAccessedAt != nil {
		cols.lastAccessedAt = rec.LastAccessedAt.UTC()
	}
	if rec.ExpiresAt != nil {
		cols.expiresAt = rec.ExpiresAt.UTC()
	}
	return cols, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(scanner rowScanner) (*memory.Record, error) {
	var rec memory.Record
	var memoryType, sourceType, tier, status string
	var embedding sql.NullString
	var contradicts, relatedTo, metadata string
	var pinned int
	var lastAccessedAt, expiresAt sql.NullTime

	err := scanner.Scan(
		&rec.ID, &rec.TeamID, &rec.AgentID, &rec.UserID, &rec.ConversationID,
		&memoryType, &rec.Content, &rec.Subject, &embedding, &rec.Importance,
		&rec.Confidence, &rec.AccessCount, &pinned, &sourceType, &rec.Version,
		&rec.SupersededBy, &contradicts, &relatedTo, &tier, &status,
		&metadata, &rec.CreatedAt, &rec.UpdatedAt, &lastAccessedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = memory.MemoryType(memoryType)
	rec.Source = memory.SourceType(sourceType)
	rec.Tier = memory.Tier(tier)
	rec.Status = memory.Status(status)
	rec.Pinned = pinned != 0

	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &rec.Embedding); err != nil {
			return nil, fmt.Errorf("parse embedding: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(contradicts), &rec.Contradicts); err != nil {
		return nil, fmt.Errorf("parse contradicts: %w", err)
	}
	if err := json.Unmarshal([]byte(relatedTo), &rec.RelatedTo); err != nil {
		return nil, fmt.Errorf("parse related_to: %w", err)
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		rec.LastAccessedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*memory.Record, error) {
	var records []*memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// buildFilter builds the shared WHERE clause for search and list queries.
// Statuses default to active only.
func buildFilter(teamID, agentID string, types []memory.MemoryType, statuses []memory.Status) (string, []interface{}) {
	where := "WHERE team_id = ?"
	args := []interface{}{teamID}

	if agentID != "" {
		where += " AND (agent_id = ? OR agent_id = '')"
		args = append(args, agentID)
	}

	if len(statuses) == 0 {
		statuses = []memory.Status{memory.StatusActive}
	}
	statusPlaceholders := make([]string, len(statuses))
	for i, st := range statuses {
		statusPlaceholders[i] = "?"
		args = append(args, string(st))
	}
	where += fmt.Sprintf(" AND status IN (%s)", strings.Join(statusPlaceholders, ", "))

	if len(types) > 0 {
		typePlaceholders := make([]string, len(types))
		for i, t := range types {
			typePlaceholders[i] = "?"
			args = append(args, string(t))
		}
		where += fmt.Sprintf(" AND memory_type IN (%s)", strings.Join(typePlaceholders, ", "))
	}

	return where, args
}

func placeholderList(ids []string) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func encodeAuditFields(entry *audit.Entry) (string, string, error) {
	before := entry.Before
	if before == nil {
		before = map[string]interface{}{}
	}
	after := entry.After
	if after == nil {
		after = map[string]interface{}{}
	}

	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return "", "", err
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return "", "", err
	}
	return string(beforeJSON), string(afterJSON), nil
}

func scanAuditEntry(rows *sql.Rows) (*audit.Entry, error) {
	var entry audit.Entry
	var kind, before, after string

	err := rows.Scan(
		&entry.ID, &entry.MemoryID, &entry.TeamID, &kind, &entry.ChangedBy,
		&entry.Reason, &before, &after, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Kind = audit.Kind(kind)
	if err := json.Unmarshal([]byte(before), &entry.Before); err != nil {
		return nil, fmt.Errorf("parse before_fields: %w", err)
	}
	if err := json.Unmarshal([]byte(after), &entry.After); err != nil {
		return nil, fmt.Errorf("parse after_fields: %w", err)
	}
	return &entry, nil
}
