// Package sqlite provides the SQLite implementation of the memory store and
// the audit entry store.
//
// SQLite is a lightweight, file-based database suitable for local development
// and single-node deployments. Vectors are stored as JSON strings in TEXT
// fields, and similarity search ranks candidates with in-memory cosine
// similarity.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/storage"
)

const defaultLimit = 50

// Store implements storage.Store and audit.Store on a SQLite database.
type Store struct {
	db         *sql.DB
	table      string
	auditTable string
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// Table is the memory table name. Defaults to "memories".
	Table string

	// AuditTable is the audit log table name. Defaults to "memory_audit".
	AuditTable string
}

// NewStore opens (or creates) the database and initializes the schema.
func NewStore(cfg *Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%w: sqlite store requires a db path", memory.ErrInvalidConfig)
	}

	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, fmt.Errorf("NewStore: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewStore: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewStore: %w", err)
	}

	s := &Store{
		db:         db,
		table:      cfg.Table,
		auditTable: cfg.AuditTable,
	}
	if s.table == "" {
		s.table = "memories"
	}
	if s.auditTable == "" {
		s.auditTable = "memory_audit"
	}

	if err := s.initTables(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initTables(ctx context.Context) error {
	memorySchema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			memory_type TEXT NOT NULL,
			content TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			embedding TEXT,
			importance INTEGER NOT NULL,
			confidence REAL NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			is_pinned INTEGER NOT NULL DEFAULT 0,
			source_type TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			superseded_by TEXT NOT NULL DEFAULT '',
			contradicts TEXT NOT NULL DEFAULT '[]',
			related_to TEXT NOT NULL DEFAULT '[]',
			tier TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_accessed_at DATETIME,
			expires_at DATETIME
		)
	`, s.table)
	if _, err := s.db.ExecContext(ctx, memorySchema); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_team_agent ON %s(team_id, agent_id)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_subject ON %s(team_id, subject)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_status_tier ON %s(status, tier)", s.table, s.table),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	auditSchema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			memory_id TEXT NOT NULL,
			team_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			changed_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			before_fields TEXT NOT NULL DEFAULT '{}',
			after_fields TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		)
	`, s.auditTable)
	if _, err := s.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}
	auditIdx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_team_time ON %s(team_id, created_at)", s.auditTable, s.auditTable)
	if _, err := s.db.ExecContext(ctx, auditIdx); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	return nil
}

// Insert persists a new record.
func (s *Store) Insert(ctx context.Context, rec *memory.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	cols, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
		(id, team_id, agent_id, user_id, conversation_id, memory_type, content,
		 subject, embedding, importance, confidence, access_count, is_pinned,
		 source_type, version, superseded_by, contradicts, related_to, tier,
		 status, metadata, created_at, updated_at, last_accessed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.TeamID, rec.AgentID, rec.UserID, rec.ConversationID,
		string(rec.Type), rec.Content, rec.Subject, cols.embedding,
		rec.Importance, rec.Confidence, rec.AccessCount, boolToInt(rec.Pinned),
		string(rec.Source), rec.Version, rec.SupersededBy, cols.contradicts,
		cols.relatedTo, string(rec.Tier), string(rec.Status), cols.metadata,
		cols.createdAt, cols.updatedAt, cols.lastAccessedAt, cols.expiresAt,
	)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", recordColumns, s.table)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return rec, nil
}

// Update rewrites a record's mutable fields.
func (s *Store) Update(ctx context.Context, rec *memory.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	rec.UpdatedAt = time.Now().UTC()
	cols, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			content = ?, subject = ?, embedding = ?, importance = ?,
			confidence = ?, access_count = ?, is_pinned = ?, version = ?,
			superseded_by = ?, contradicts = ?, related_to = ?, tier = ?,
			status = ?, metadata = ?, updated_at = ?, last_accessed_at = ?,
			expires_at = ?
		WHERE id = ?
	`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		rec.Content, rec.Subject, cols.embedding, rec.Importance,
		rec.Confidence, rec.AccessCount, boolToInt(rec.Pinned), rec.Version,
		rec.SupersededBy, cols.contradicts, cols.relatedTo, string(rec.Tier),
		string(rec.Status), cols.metadata, cols.updatedAt, cols.lastAccessedAt,
		cols.expiresAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	if affected == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// SearchSimilar performs vector similarity search.
//
// SQLite has no native vector operations, so candidates matching the filters
// are loaded and ranked in memory by cosine similarity.
func (s *Store) SearchSimilar(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.SimilarityMatch, error) {
	where, args := buildFilter(opts.TeamID, opts.AgentID, opts.Types, opts.Statuses)
	where += " AND embedding IS NOT NULL"

	query := fmt.Sprintf("SELECT %s FROM %s %s", recordColumns, s.table, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SearchSimilar: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*storage.SimilarityMatch
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchSimilar: %w", err)
		}

		sim := memory.CosineSimilarity(embedding, rec.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		matches = append(matches, &storage.SimilarityMatch{Record: rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchSimilar: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
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

	where := "WHERE team_id = ? AND status = ? AND LOWER(TRIM(subject)) = ?"
	args := []interface{}{teamID, string(memory.StatusActive), normalized}
	if agentID != "" {
		where += " AND (agent_id = ? OR agent_id = '')"
		args = append(args, agentID)
	}

	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY created_at DESC", recordColumns, s.table, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetBySubject: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectRecords(rows)
}

// List performs a filtered bulk fetch.
func (s *Store) List(ctx context.Context, opts *storage.ListOptions) ([]*memory.Record, error) {
	where, args := buildFilter(opts.TeamID, opts.AgentID, opts.Types, opts.Statuses)

	if opts.Tier != "" {
		where += " AND tier = ?"
		args = append(args, string(opts.Tier))
	}
	if !opts.CreatedBefore.IsZero() {
		where += " AND created_at < ?"
		args = append(args, opts.CreatedBefore.UTC())
	}
	if opts.MaxAccessCount > 0 {
		where += " AND access_count < ?"
		args = append(args, opts.MaxAccessCount)
	}
	if opts.RequireEmbedding {
		where += " AND embedding IS NOT NULL"
	}

	order := "ORDER BY created_at DESC"
	if opts.OrderByLastAccessed {
		order = "ORDER BY last_accessed_at DESC NULLS LAST, created_at DESC"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	query := fmt.Sprintf("SELECT %s FROM %s %s %s LIMIT ?", recordColumns, s.table, where, order)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectRecords(rows)
}

// TouchAccessed bumps access bookkeeping for the given IDs.
func (s *Store) TouchAccessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders, args := placeholderList(ids)
	args = append([]interface{}{time.Now().UTC()}, args...)

	query := fmt.Sprintf(`
		UPDATE %s
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (%s)
	`, s.table, placeholders)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("TouchAccessed: %w", err)
	}
	return nil
}

// ArchiveExpired archives records past their expiry and returns the distinct
// agent IDs affected.
func (s *Store) ArchiveExpired(ctx context.Context, teamID string, now time.Time) ([]string, error) {
	where := "team_id = ? AND expires_at IS NOT NULL AND expires_at < ? AND status != ?"
	args := []interface{}{teamID, now.UTC(), string(memory.StatusArchived)}

	return s.bulkTransition(ctx, "ArchiveExpired", where, args,
		string(memory.StatusArchived), string(memory.TierCold))
}

// DemoteStaleWarm demotes warm records untouched since cutoff to cold,
// honoring the demotion guards in SQL, and returns the distinct agent IDs
// affected.
func (s *Store) DemoteStaleWarm(ctx context.Context, teamID string, cutoff time.Time) ([]string, error) {
	where := `team_id = ? AND tier = ? AND status = ?
		AND (last_accessed_at IS NULL OR last_accessed_at < ?)
		AND created_at < ?
		AND memory_type != ? AND is_pinned = 0 AND importance < 8`
	args := []interface{}{
		teamID, string(memory.TierWarm), string(memory.StatusActive),
		cutoff.UTC(), cutoff.UTC(), string(memory.TypeIdentity),
	}

	return s.bulkTransition(ctx, "DemoteStaleWarm", where, args,
		"", string(memory.TierCold))
}

// bulkTransition runs a guarded bulk status/tier update inside one
// transaction, collecting affected agent IDs before the update so callers
// can invalidate per-agent caches.
func (s *Store) bulkTransition(ctx context.Context, op, where string, args []interface{}, newStatus, newTier string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := fmt.Sprintf("SELECT DISTINCT agent_id FROM %s WHERE %s", s.table, where)
	rows, err := tx.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var agentIDs []string
	for rows.Next() {
		var agentID string
		if err := rows.Scan(&agentID); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if agentID != "" {
			agentIDs = append(agentIDs, agentID)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	_ = rows.Close()

	set := "tier = ?, updated_at = ?"
	updateArgs := []interface{}{newTier, time.Now().UTC()}
	if newStatus != "" {
		set = "status = ?, " + set
		updateArgs = append([]interface{}{newStatus}, updateArgs...)
	}
	updateQuery := fmt.Sprintf("UPDATE %s SET %s WHERE %s", s.table, set, where)
	if _, err := tx.ExecContext(ctx, updateQuery, append(updateArgs, args...)...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return agentIDs, nil
}

// AppendEntry persists an audit entry. Part of the audit.Store interface.
func (s *Store) AppendEntry(ctx context.Context, entry *audit.Entry) error {
	before, after, err := encodeAuditFields(entry)
	if err != nil {
		return fmt.Errorf("AppendEntry: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
		(id, memory_id, team_id, kind, changed_by, reason, before_fields, after_fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.auditTable)

	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.MemoryID, entry.TeamID, string(entry.Kind),
		entry.ChangedBy, entry.Reason, before, after, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("AppendEntry: %w", err)
	}
	return nil
}

// ListEntries returns every entry for the team up to `until`, in creation
// order. Part of the audit.Store interface.
func (s *Store) ListEntries(ctx context.Context, teamID string, until time.Time) ([]*audit.Entry, error) {
	query := fmt.Sprintf(`
		SELECT id, memory_id, team_id, kind, changed_by, reason,
		       before_fields, after_fields, created_at
		FROM %s
		WHERE team_id = ? AND created_at <= ?
		ORDER BY created_at ASC, id ASC
	`, s.auditTable)

	rows, err := s.db.QueryContext(ctx, query, teamID, until.UTC())
	if err != nil {
		return nil, fmt.Errorf("ListEntries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*audit.Entry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ListEntries: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListEntries: %w", err)
	}
	return entries, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
