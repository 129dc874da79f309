// Package postgres provides the PostgreSQL + pgvector implementation of the
// memory store and the audit entry store.
//
// Embeddings live in a pgvector column so similarity ranking happens in the
// database with the <=> cosine-distance operator. The audit table shares the
// same database and deliberately has no foreign key to the memory table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/engramlabs/engram-go/pkg/audit"
	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/storage"
)

const defaultLimit = 50

// Store implements storage.Store and audit.Store on PostgreSQL + pgvector.
type Store struct {
	db         *sql.DB
	table      string
	auditTable string
	dimensions int
}

// Config contains configuration for creating a PostgreSQL store.
type Config struct {
	// Host, Port, User, Password, DBName configure the connection.
	Host     string
	Port     int
	User     string
	Password string
	DBName   string

	// SSLMode is the libpq sslmode. Defaults to "disable".
	SSLMode string

	// Table is the memory table name. Defaults to "memories".
	Table string

	// AuditTable is the audit log table name. Defaults to "memory_audit".
	AuditTable string

	// Dimensions is the embedding dimension for the vector column.
	Dimensions int
}

// NewStore connects to PostgreSQL and initializes the schema, including the
// pgvector extension.
func NewStore(cfg *Config) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: postgres store requires embedding dimensions", memory.ErrInvalidConfig)
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
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
		dimensions: cfg.Dimensions,
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
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("initTables: pgvector extension: %w", err)
	}

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
			embedding vector(%d),
			importance INTEGER NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
			source_type TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			superseded_by TEXT NOT NULL DEFAULT '',
			contradicts JSONB NOT NULL DEFAULT '[]',
			related_to JSONB NOT NULL DEFAULT '[]',
			tier TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_accessed_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ
		)
	`, s.table, s.dimensions)
	if _, err := s.db.ExecContext(ctx, memorySchema); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_team_agent ON %s(team_id, agent_id)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_subject ON %s(team_id, subject)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING hnsw (embedding vector_cosine_ops)", s.table, s.table),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	auditSchema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			memory_id TEXT NOT NULL,
			team_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			changed_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			before_fields JSONB NOT NULL DEFAULT '{}',
			after_fields JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.TeamID, rec.AgentID, rec.UserID, rec.ConversationID,
		string(rec.Type), rec.Content, rec.Subject, cols.embedding,
		rec.Importance, rec.Confidence, rec.AccessCount, rec.Pinned,
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
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", recordColumns, s.table)

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
			content = $1, subject = $2, embedding = $3, importance = $4,
			confidence = $5, access_count = $6, is_pinned = $7, version = $8,
			superseded_by = $9, contradicts = $10, related_to = $11,
			tier = $12, status = $13, metadata = $14, updated_at = $15,
			last_accessed_at = $16, expires_at = $17
		WHERE id = $18
	`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		rec.Content, rec.Subject, cols.embedding, rec.Importance,
		rec.Confidence, rec.AccessCount, rec.Pinned, rec.Version,
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

// SearchSimilar performs vector similarity search with pgvector's cosine
// distance operator.
func (s *Store) SearchSimilar(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.SimilarityMatch, error) {
	where, args, next := buildFilter(opts.TeamID, opts.AgentID, opts.Types, opts.Statuses, 2)
	where += " AND embedding IS NOT NULL"

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	query := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1) AS similarity
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, recordColumns, s.table, where, next)

	queryArgs := append([]interface{}{vectorToString(embedding)}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("SearchSimilar: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*storage.SimilarityMatch
	for rows.Next() {
		rec, sim, err := scanRecordWithSimilarity(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchSimilar: %w", err)
		}
		if sim < opts.MinSimilarity {
			continue
		}
		matches = append(matches, &storage.SimilarityMatch{Record: rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchSimilar: %w", err)
	}
	return matches, nil
}

// GetBySubject returns active records sharing the normalized subject.
func (s *Store) GetBySubject(ctx context.Context, teamID, agentID, subject string) ([]*memory.Record, error) {
	normalized := memory.NormalizeSubject(subject)
	if normalized == "" {
		return nil, nil
	}

	where := "WHERE team_id = $1 AND status = $2 AND LOWER(TRIM(subject)) = $3"
	args := []interface{}{teamID, string(memory.StatusActive), normalized}
	if agentID != "" {
		where += " AND (agent_id = $4 OR agent_id = '')"
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
	where, args, next := buildFilter(opts.TeamID, opts.AgentID, opts.Types, opts.Statuses, 1)

	if opts.Tier != "" {
		where += fmt.Sprintf(" AND tier = $%d", next)
		args = append(args, string(opts.Tier))
		next++
	}
	if !opts.CreatedBefore.IsZero() {
		where += fmt.Sprintf(" AND created_at < $%d", next)
		args = append(args, opts.CreatedBefore.UTC())
		next++
	}
	if opts.MaxAccessCount > 0 {
		where += fmt.Sprintf(" AND access_count < $%d", next)
		args = append(args, opts.MaxAccessCount)
		next++
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

	query := fmt.Sprintf("SELECT %s FROM %s %s %s LIMIT $%d", recordColumns, s.table, where, order, next)
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

	placeholders, args := placeholderList(ids, 2)
	args = append([]interface{}{time.Now().UTC()}, args...)

	query := fmt.Sprintf(`
		UPDATE %s
		SET access_count = access_count + 1, last_accessed_at = $1
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
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, tier = $2, updated_at = $3
		WHERE team_id = $4 AND expires_at IS NOT NULL AND expires_at < $5
		  AND status != $1
		RETURNING agent_id
	`, s.table)

	return s.collectAgentIDs(ctx, "ArchiveExpired", query,
		string(memory.StatusArchived), string(memory.TierCold),
		time.Now().UTC(), teamID, now.UTC())
}

// DemoteStaleWarm demotes warm records untouched since cutoff to cold,
// honoring the demotion guards, and returns the distinct agent IDs affected.
func (s *Store) DemoteStaleWarm(ctx context.Context, teamID string, cutoff time.Time) ([]string, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET tier = $1, updated_at = $2
		WHERE team_id = $3 AND tier = $4 AND status = $5
		  AND (last_accessed_at IS NULL OR last_accessed_at < $6)
		  AND created_at < $6
		  AND memory_type != $7 AND is_pinned = FALSE AND importance < 8
		RETURNING agent_id
	`, s.table)

	return s.collectAgentIDs(ctx, "DemoteStaleWarm", query,
		string(memory.TierCold), time.Now().UTC(), teamID,
		string(memory.TierWarm), string(memory.StatusActive),
		cutoff.UTC(), string(memory.TypeIdentity))
}

func (s *Store) collectAgentIDs(ctx context.Context, op, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]struct{})
	var agentIDs []string
	for rows.Next() {
		var agentID string
		if err := rows.Scan(&agentID); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if agentID == "" {
			continue
		}
		if _, ok := seen[agentID]; ok {
			continue
		}
		seen[agentID] = struct{}{}
		agentIDs = append(agentIDs, agentID)
	}
	if err := rows.Err(); err != nil {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
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
		WHERE team_id = $1 AND created_at <= $2
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
