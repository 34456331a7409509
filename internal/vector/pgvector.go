package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/Napageneral/fincontext/internal/errs"
)

const pgTable = "fincontext_embeddings"

// PGVectorIndex stores one entity type's vectors in Postgres using the pgvector extension.
// Similarity is computed in SQL as GREATEST(0, 1 - cosine_distance).
type PGVectorIndex struct {
	db         *sqlx.DB
	entityType EntityType
	dim        int
	now        func() time.Time
}

// OpenPostgres connects to Postgres with the lib/pq driver.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// EnsurePGSchema creates the pgvector extension and embeddings table for dim-sized vectors.
func EnsurePGSchema(ctx context.Context, db *sqlx.DB, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entity_type TEXT NOT NULL,
			entity_id BIGINT NOT NULL,
			embedding vector(%d) NOT NULL,
			source_text TEXT NOT NULL,
			source_text_hash TEXT NOT NULL,
			metadata JSONB,
			category TEXT,
			amount DOUBLE PRECISION,
			currency TEXT,
			record_date TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`, pgTable, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_updated_idx ON %s (entity_type, updated_at)`, pgTable, pgTable),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure pgvector schema: %w", err)
		}
	}
	return nil
}

// NewPGVectorIndex wraps a connected Postgres handle for one entity type.
func NewPGVectorIndex(db *sqlx.DB, entityType EntityType, dim int) *PGVectorIndex {
	return &PGVectorIndex{db: db, entityType: entityType, dim: dim, now: time.Now}
}

func (p *PGVectorIndex) EntityType() EntityType { return p.entityType }
func (p *PGVectorIndex) Dimension() int         { return p.dim }

type pgRow struct {
	EntityID   int64           `db:"entity_id"`
	SourceText string          `db:"source_text"`
	Metadata   []byte          `db:"metadata"`
	UpdatedAt  time.Time       `db:"updated_at"`
	Similarity sql.NullFloat64 `db:"similarity"`
}

// Upsert stores entry, overwriting any existing record with the same id.
func (p *PGVectorIndex) Upsert(ctx context.Context, entry Entry) error {
	if err := CheckDimension(p.dim, entry.Vector); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	now := p.now().UTC()
	query := fmt.Sprintf(`
		INSERT INTO %s (
			entity_type, entity_id, embedding, source_text, source_text_hash, metadata,
			category, amount, currency, record_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			source_text = EXCLUDED.source_text,
			source_text_hash = EXCLUDED.source_text_hash,
			metadata = EXCLUDED.metadata,
			category = EXCLUDED.category,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			record_date = EXCLUDED.record_date,
			updated_at = EXCLUDED.updated_at`, pgTable)

	var recordDate sql.NullTime
	if !entry.Metadata.Date.IsZero() {
		recordDate = sql.NullTime{Time: entry.Metadata.Date.UTC(), Valid: true}
	}

	_, err = p.db.ExecContext(ctx, query,
		string(p.entityType), entry.EntityID, pgvector.NewVector(entry.Vector),
		entry.SourceText, fingerprint(entry.SourceText, metaJSON), string(metaJSON),
		nullString(entry.Metadata.Category), nullAmount(entry.Metadata.Amount),
		nullString(strings.ToUpper(entry.Metadata.Currency)), recordDate, now,
	)
	return errs.IndexQuery(string(p.entityType), "upsert", err)
}

// Remove deletes the record for entityID. Missing ids are not an error.
func (p *PGVectorIndex) Remove(ctx context.Context, entityID int64) error {
	_, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE entity_type = $1 AND entity_id = $2`, pgTable),
		string(p.entityType), entityID)
	return errs.IndexQuery(string(p.entityType), "remove", err)
}

// Query returns at most k records passing filter, ranked by similarity.
func (p *PGVectorIndex) Query(ctx context.Context, vec []float32, filter Filter, k int) ([]SearchResult, error) {
	if err := CheckDimension(p.dim, vec); err != nil {
		return nil, err
	}
	k = ClampK(k)
	if k == 0 {
		return []SearchResult{}, nil
	}

	where, args, next := buildPGFilter(filter, 4)
	query := fmt.Sprintf(`
		SELECT entity_id, source_text, metadata, updated_at,
		       GREATEST(0, 1 - (embedding <=> $1)) AS similarity
		FROM %s
		WHERE entity_type = $2 AND GREATEST(0, 1 - (embedding <=> $1)) >= $3%s
		ORDER BY similarity DESC, updated_at DESC, entity_id ASC
		LIMIT $%d`, pgTable, where, next)

	params := append([]any{pgvector.NewVector(vec), string(p.entityType), filter.MinSimilarity}, args...)
	params = append(params, k)

	var rows []pgRow
	if err := p.db.SelectContext(ctx, &rows, query, params...); err != nil {
		return nil, errs.IndexQuery(string(p.entityType), "query", err)
	}
	return p.toResults(rows, "query")
}

// Recent lists the k most recently updated records.
func (p *PGVectorIndex) Recent(ctx context.Context, k int) ([]SearchResult, error) {
	var rows []pgRow
	err := p.db.SelectContext(ctx, &rows, fmt.Sprintf(`
		SELECT entity_id, source_text, metadata, updated_at, NULL::double precision AS similarity
		FROM %s
		WHERE entity_type = $1
		ORDER BY updated_at DESC, entity_id ASC
		LIMIT $2`, pgTable), string(p.entityType), ClampK(k))
	if err != nil {
		return nil, errs.IndexQuery(string(p.entityType), "recent", err)
	}
	return p.toResults(rows, "recent")
}

// Stats reports the record count and timestamp range.
func (p *PGVectorIndex) Stats(ctx context.Context) (Stats, error) {
	var row struct {
		Count  int64        `db:"cnt"`
		Oldest sql.NullTime `db:"oldest"`
		Newest sql.NullTime `db:"newest"`
	}
	err := p.db.GetContext(ctx, &row, fmt.Sprintf(`
		SELECT COUNT(*) AS cnt, MIN(created_at) AS oldest, MAX(updated_at) AS newest
		FROM %s WHERE entity_type = $1`, pgTable), string(p.entityType))
	if err != nil {
		return Stats{}, errs.IndexQuery(string(p.entityType), "stats", err)
	}
	return Stats{EntityType: p.entityType, Count: row.Count, Oldest: row.Oldest.Time, Newest: row.Newest.Time}, nil
}

// SourceHash returns the stored Fingerprint for entityID, if present.
func (p *PGVectorIndex) SourceHash(ctx context.Context, entityID int64) (string, bool, error) {
	var hash string
	err := p.db.GetContext(ctx, &hash, fmt.Sprintf(`
		SELECT source_text_hash FROM %s WHERE entity_type = $1 AND entity_id = $2`, pgTable),
		string(p.entityType), entityID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.IndexQuery(string(p.entityType), "source hash", err)
	}
	return hash, true, nil
}

func (p *PGVectorIndex) toResults(rows []pgRow, op string) ([]SearchResult, error) {
	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		var meta Metadata
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &meta); err != nil {
				return nil, errs.IndexQuery(string(p.entityType), op, fmt.Errorf("decode metadata for %d: %w", row.EntityID, err))
			}
		}
		results = append(results, SearchResult{
			EntityID:   row.EntityID,
			EntityType: p.entityType,
			Similarity: clampUnit(row.Similarity.Float64),
			SourceText: row.SourceText,
			Metadata:   meta,
			UpdatedAt:  row.UpdatedAt,
		})
	}
	return results, nil
}

// buildPGFilter renders the structured part of filter as AND clauses using
// positional parameters starting at startIdx. It returns the clause (with a
// leading " AND " when non-empty), the args and the next free parameter index.
func buildPGFilter(filter Filter, startIdx int) (string, []any, int) {
	var (
		clauses []string
		args    []any
		idx     = startIdx
	)
	add := func(clause string, arg any) {
		clauses = append(clauses, fmt.Sprintf(clause, idx))
		args = append(args, arg)
		idx++
	}

	if filter.Category != "" {
		add("lower(category) = lower($%d)", strings.TrimSpace(filter.Category))
	}
	if filter.Currency != "" {
		add("currency = $%d", strings.ToUpper(strings.TrimSpace(filter.Currency)))
	}
	if !filter.DateFrom.IsZero() {
		add("record_date >= $%d", filter.DateFrom.UTC())
	}
	if !filter.DateTo.IsZero() {
		add("record_date <= $%d", filter.DateTo.UTC())
	}
	if filter.AmountMin != nil {
		add("amount >= $%d", *filter.AmountMin)
	}
	if filter.AmountMax != nil {
		add("amount <= $%d", *filter.AmountMax)
	}

	if len(clauses) == 0 {
		return "", nil, idx
	}
	return " AND " + strings.Join(clauses, " AND "), args, idx
}
