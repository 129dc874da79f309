package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/memory"
)

const recordColumns = `id, team_id, agent_id, user_id, conversation_id,
	memory_type, content, subject, embedding, importance, confidence,
	access_count, is_pinned, source_type, version, superseded_by,
	contradicts, related_to, tier, status, metadata, created_at,
	updated_at, last_accessed_at, expires_at`

// encodedColumns holds the fields that need conversion before they can be
// bound as query parameters.
type encodedColumns struct {
	embedding      interface{}
	contradicts    []byte
	relatedTo      []byte
	metadata       []byte
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

	if len(rec.Embedding) > 0 {
		cols.embedding = vectorToString(rec.Embedding)
	}

	var err error
	if cols.contradicts, err = json.Marshal(emptyIfNil(rec.Contradicts)); err != nil {
		return nil, err
	}
	if cols.relatedTo, err = json.Marshal(emptyIfNil(rec.RelatedTo)); err != nil {
		return nil, err
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if cols.metadata, err = json.Marshal(metadata); err != nil {
		return nil, err
	}

	if rec.LastAccessedAt != nil {
		cols.lastAccessedAt = rec.LastAccessedAt.UTC()
	}
	if rec.ExpiresAt != nil {
		cols.expiresAt = rec.ExpiresAt.UTC()
	}
	return cols, nil
}

// vectorToString renders an embedding in pgvector's text format.
func vectorToString(embedding []float64) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseVector parses pgvector's text format back into a slice.
func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("parse vector element %d: %w", i, err)
		}
		vec[i] = v
	}
	return vec, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*memory.Record, error) {
	rec, _, err := scanRecordFields(row, false)
	return rec, err
}

func scanRecordWithSimilarity(row rowScanner) (*memory.Record, float64, error) {
	return scanRecordFields(row, true)
}

func scanRecordFields(row rowScanner, withSimilarity bool) (*memory.Record, float64, error) {
	var (
		rec            memory.Record
		memoryType     string
		sourceType     string
		tier           string
		status         string
		embedding      sql.NullString
		contradicts    []byte
		relatedTo      []byte
		metadata       []byte
		pinned         bool
		lastAccessedAt sql.NullTime
		expiresAt      sql.NullTime
		similarity     float64
	)

	dest := []interface{}{
		&rec.ID, &rec.TeamID, &rec.AgentID, &rec.UserID, &rec.ConversationID,
		&memoryType, &rec.Content, &rec.Subject, &embedding, &rec.Importance,
		&rec.Confidence, &rec.AccessCount, &pinned, &sourceType, &rec.Version,
		&rec.SupersededBy, &contradicts, &relatedTo, &tier, &status, &metadata,
		&rec.CreatedAt, &rec.UpdatedAt, &lastAccessedAt, &expiresAt,
	}
	if withSimilarity {
		dest = append(dest, &similarity)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, 0, err
	}

	rec.Type = memory.MemoryType(memoryType)
	rec.Source = memory.SourceType(sourceType)
	rec.Tier = memory.Tier(tier)
	rec.Status = memory.Status(status)
	rec.Pinned = pinned

	if embedding.Valid && embedding.String != "" {
		vec, err := parseVector(embedding.String)
		if err != nil {
			return nil, 0, err
		}
		rec.Embedding = vec
	}
	if len(contradicts) > 0 {
		if err := json.Unmarshal(contradicts, &rec.Contradicts); err != nil {
			return nil, 0, err
		}
	}
	if len(relatedTo) > 0 {
		if err := json.Unmarshal(relatedTo, &rec.RelatedTo); err != nil {
			return nil, 0, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, 0, err
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
	return &rec, similarity, nil
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

// buildFilter assembles the shared WHERE clause for team/agent scoping plus
// type and status filters, starting placeholder numbering at `start`. It
// returns the clause, the bound args, and the next free placeholder index.
func buildFilter(teamID, agentID string, types []memory.MemoryType, statuses []memory.Status, start int) (string, []interface{}, int) {
	var (
		conds []string
		args  []interface{}
	)
	next := start

	conds = append(conds, fmt.Sprintf("team_id = $%d", next))
	args = append(args, teamID)
	next++

	if agentID != "" {
		conds = append(conds, fmt.Sprintf("(agent_id = $%d OR agent_id = '')", next))
		args = append(args, agentID)
		next++
	}

	if len(types) > 0 {
		ph := make([]string, len(types))
		for i, t := range types {
			ph[i] = fmt.Sprintf("$%d", next)
			args = append(args, string(t))
			next++
		}
		conds = append(conds, fmt.Sprintf("memory_type IN (%s)", strings.Join(ph, ", ")))
	}

	if len(statuses) == 0 {
		statuses = []memory.Status{memory.StatusActive}
	}
	ph := make([]string, len(statuses))
	for i, st := range statuses {
		ph[i] = fmt.Sprintf("$%d", next)
		args = append(args, string(st))
		next++
	}
	conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(ph, ", ")))

	return "WHERE " + strings.Join(conds, " AND "), args, next
}

// placeholderList builds "$n, $n+1, ..." for an IN clause starting at `start`.
func placeholderList(ids []string, start int) (string, []interface{}) {
	ph := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		ph[i] = fmt.Sprintf("$%d", start+i)
		args[i] = id
	}
	return strings.Join(ph, ", "), args
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func encodeAuditFields(entry *audit.Entry) ([]byte, []byte, error) {
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
		return nil, nil, err
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return nil, nil, err
	}
	return beforeJSON, afterJSON, nil
}

func scanAuditEntry(rows *sql.Rows) (*audit.Entry, error) {
	var (
		entry  audit.Entry
		kind   string
		before []byte
		after  []byte
	)
	if err := rows.Scan(&entry.ID, &entry.MemoryID, &entry.TeamID, &kind,
		&entry.ChangedBy, &entry.Reason, &before, &after, &entry.CreatedAt); err != nil {
		return nil, err
	}
	entry.Kind = audit.Kind(kind)
	if len(before) > 0 {
		if err := json.Unmarshal(before, &entry.Before); err != nil {
			return nil, err
		}
	}
	if len(after) > 0 {
		if err := json.Unmarshal(after, &entry.After); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}
