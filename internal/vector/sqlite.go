package vector

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Napageneral/fincontext/internal/errs"
)

// SQLiteIndex stores one entity type's vectors in the shared embeddings table.
// Structured filters are pushed into SQL; similarity is computed in Go.
type SQLiteIndex struct {
	db         *sqlx.DB
	entityType EntityType
	dim        int
	now        func() time.Time
}

// NewSQLiteIndex wraps an open sqlite handle. The schema from internal/db must be applied.
func NewSQLiteIndex(db *sql.DB, entityType EntityType, dim int) *SQLiteIndex {
	return &SQLiteIndex{
		db:         sqlx.NewDb(db, "sqlite"),
		entityType: entityType,
		dim:        dim,
		now:        time.Now,
	}
}

// SetClock overrides the time source used for created/updated timestamps.
func (s *SQLiteIndex) SetClock(now func() time.Time) { s.now = now }

func (s *SQLiteIndex) EntityType() EntityType { return s.entityType }
func (s *SQLiteIndex) Dimension() int         { return s.dim }

type embeddingRow struct {
	EntityID     int64          `db:"entity_id"`
	Dimension    int            `db:"dimension"`
	Blob         []byte         `db:"embedding_blob"`
	SourceText   string         `db:"source_text"`
	MetadataJSON sql.NullString `db:"metadata_json"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
}

// Upsert stores entry, overwriting any existing record with the same id.
func (s *SQLiteIndex) Upsert(ctx context.Context, entry Entry) error {
	if err := CheckDimension(s.dim, entry.Vector); err != nil {
		return err
	}

	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	now := s.now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (
			entity_type, entity_id, dimension, embedding_blob,
			source_text, source_text_hash, metadata_json,
			category, amount, currency, record_date,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			dimension = excluded.dimension,
			embedding_blob = excluded.embedding_blob,
			source_text = excluded.source_text,
			source_text_hash = excluded.source_text_hash,
			metadata_json = excluded.metadata_json,
			category = excluded.category,
			amount = excluded.amount,
			currency = excluded.currency,
			record_date = excluded.record_date,
			updated_at = excluded.updated_at
	`,
		string(s.entityType), entry.EntityID, len(entry.Vector), float32SliceToBlob(entry.Vector),
		entry.SourceText, fingerprint(entry.SourceText, metaJSON), string(metaJSON),
		nullString(entry.Metadata.Category), nullAmount(entry.Metadata.Amount),
		nullString(strings.ToUpper(entry.Metadata.Currency)), nullDate(entry.Metadata.Date),
		now, now,
	)
	return errs.IndexQuery(string(s.entityType), "upsert", err)
}

// Remove deletes the record for entityID. Missing ids are not an error.
func (s *SQLiteIndex) Remove(ctx context.Context, entityID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE entity_type = ? AND entity_id = ?`,
		string(s.entityType), entityID)
	return errs.IndexQuery(string(s.entityType), "remove", err)
}

// Query returns at most k records passing filter, ranked by similarity.
func (s *SQLiteIndex) Query(ctx context.Context, vec []float32, filter Filter, k int) ([]SearchResult, error) {
	if err := CheckDimension(s.dim, vec); err != nil {
		return nil, err
	}
	k = ClampK(k)
	if k == 0 {
		return []SearchResult{}, nil
	}

	query, args := s.selectQuery(filter)
	var rows []embeddingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errs.IndexQuery(string(s.entityType), "query", err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		if row.Dimension != len(vec) {
			continue
		}
		embedding := blobToFloat32Slice(row.Blob)
		if len(embedding) != len(vec) {
			continue
		}
		score := Similarity(vec, embedding)
		if score < filter.MinSimilarity {
			continue
		}
		result, err := s.toResult(row, score)
		if err != nil {
			return nil, errs.IndexQuery(string(s.entityType), "query", err)
		}
		results = append(results, result)
	}

	SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Recent lists the k most recently updated records.
func (s *SQLiteIndex) Recent(ctx context.Context, k int) ([]SearchResult, error) {
	k = ClampK(k)
	var rows []embeddingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT entity_id, dimension, embedding_blob, source_text, metadata_json, created_at, updated_at
		FROM embeddings
		WHERE entity_type = ?
		ORDER BY updated_at DESC, entity_id ASC
		LIMIT ?
	`, string(s.entityType), k)
	if err != nil {
		return nil, errs.IndexQuery(string(s.entityType), "recent", err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		result, err := s.toResult(row, 0)
		if err != nil {
			return nil, errs.IndexQuery(string(s.entityType), "recent", err)
		}
		results = append(results, result)
	}
	return results, nil
}

// Stats reports the record count and timestamp range.
func (s *SQLiteIndex) Stats(ctx context.Context) (Stats, error) {
	var row struct {
		Count  int64         `db:"cnt"`
		Oldest sql.NullInt64 `db:"oldest"`
		Newest sql.NullInt64 `db:"newest"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS cnt, MIN(created_at) AS oldest, MAX(updated_at) AS newest
		FROM embeddings
		WHERE entity_type = ?
	`, string(s.entityType))
	if err != nil {
		return Stats{}, errs.IndexQuery(string(s.entityType), "stats", err)
	}

	stats := Stats{EntityType: s.entityType, Count: row.Count}
	if row.Oldest.Valid {
		stats.Oldest = time.Unix(0, row.Oldest.Int64).UTC()
	}
	if row.Newest.Valid {
		stats.Newest = time.Unix(0, row.Newest.Int64).UTC()
	}
	return stats, nil
}

// SourceHash returns the stored Fingerprint for entityID, if present.
// Ingestion uses it to skip re-embedding unchanged records.
func (s *SQLiteIndex) SourceHash(ctx context.Context, entityID int64) (string, bool, error) {
	var hash string
	err := s.db.GetContext(ctx, &hash,
		`SELECT source_text_hash FROM embeddings WHERE entity_type = ? AND entity_id = ?`,
		string(s.entityType), entityID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.IndexQuery(string(s.entityType), "source hash", err)
	}
	return hash, true, nil
}

func (s *SQLiteIndex) selectQuery(filter Filter) (string, []any) {
	query := `
		SELECT entity_id, dimension, embedding_blob, source_text, metadata_json, created_at, updated_at
		FROM embeddings
		WHERE entity_type = ?`
	args := []any{string(s.entityType)}

	if filter.Category != "" {
		query += " AND lower(category) = lower(?)"
		args = append(args, strings.TrimSpace(filter.Category))
	}
	if filter.Currency != "" {
		query += " AND currency = ?"
		args = append(args, strings.ToUpper(strings.TrimSpace(filter.Currency)))
	}
	if !filter.DateFrom.IsZero() {
		query += " AND record_date >= ?"
		args = append(args, filter.DateFrom.UnixNano())
	}
	if !filter.DateTo.IsZero() {
		query += " AND record_date <= ?"
		args = append(args, filter.DateTo.UnixNano())
	}
	if filter.AmountMin != nil {
		query += " AND amount >= ?"
		args = append(args, *filter.AmountMin)
	}
	if filter.AmountMax != nil {
		query += " AND amount <= ?"
		args = append(args, *filter.AmountMax)
	}
	return query, args
}

func (s *SQLiteIndex) toResult(row embeddingRow, score float64) (SearchResult, error) {
	var meta Metadata
	if row.MetadataJSON.Valid && row.MetadataJSON.String != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON.String), &meta); err != nil {
			return SearchResult{}, fmt.Errorf("decode metadata for %d: %w", row.EntityID, err)
		}
	}
	return SearchResult{
		EntityID:   row.EntityID,
		EntityType: s.entityType,
		Similarity: score,
		SourceText: row.SourceText,
		Metadata:   meta,
		UpdatedAt:  time.Unix(0, row.UpdatedAt).UTC(),
	}, nil
}

// Fingerprint identifies a record's stored content: the SHA-256 of its source
// text and its JSON-encoded metadata. A change to either changes it.
func Fingerprint(sourceText string, meta Metadata) (string, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return fingerprint(sourceText, metaJSON), nil
}

func fingerprint(sourceText string, metaJSON []byte) string {
	h := sha256.New()
	h.Write([]byte(sourceText))
	h.Write([]byte{0})
	h.Write(metaJSON)
	return hex.EncodeToString(h.Sum(nil))
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullAmount(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullDate(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
