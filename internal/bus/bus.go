// Package bus is an append-only log of index changes kept in sqlite, so other
// processes can follow what was embedded or removed by polling List.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Napageneral/fincontext/internal/ingest"
	"github.com/Napageneral/fincontext/internal/vector"
)

// Event types written by the indexer.
const (
	TypeRecordIndexed   = ingest.EventRecordIndexed
	TypeRecordRemoved   = ingest.EventRecordRemoved
	TypeReindexFinished = ingest.EventReindexFinished
)

var _ ingest.EventSink = (*Log)(nil)

type Event struct {
	Seq        int64   `json:"seq"`
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	EntityType *string `json:"entity_type,omitempty"`
	EntityID   *int64  `json:"entity_id,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	Payload    *string `json:"payload_json,omitempty"`
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS index_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			entity_type TEXT,
			entity_id INTEGER,
			created_at INTEGER NOT NULL,
			payload_json TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure index_events table: %w", err)
	}
	return nil
}

// Emit appends one event. entityType "" and entityID 0 are stored as NULL.
func Emit(ctx context.Context, db *sql.DB, typ string, entityType vector.EntityType, entityID int64, payload any) error {
	if typ == "" {
		return fmt.Errorf("type is required")
	}
	if err := ensureTable(ctx, db); err != nil {
		return err
	}
	now := time.Now().Unix()
	id := uuid.New().String()

	var typeVal any
	if entityType != "" {
		typeVal = string(entityType)
	}
	var idVal any
	if entityID != 0 {
		idVal = entityID
	}
	var payloadVal any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadVal = string(b)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO index_events (id, type, entity_type, entity_id, created_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, typ, typeVal, idVal, now, payloadVal)
	if err != nil {
		return fmt.Errorf("failed to insert index event: %w", err)
	}
	return nil
}

// List returns up to limit events after afterSeq in order.
func List(ctx context.Context, db *sql.DB, afterSeq int64, limit int) ([]Event, error) {
	if err := ensureTable(ctx, db); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, id, type, entity_type, entity_id, created_at, payload_json
		FROM index_events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query index events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var entityType sql.NullString
		var entityID sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &entityType, &entityID, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan index event: %w", err)
		}
		if entityType.Valid {
			e.EntityType = &entityType.String
		}
		if entityID.Valid {
			e.EntityID = &entityID.Int64
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating index events: %w", err)
	}
	return out, nil
}

// Log binds Emit to one database so it can be handed to the indexer.
type Log struct {
	db *sql.DB
}

func NewLog(db *sql.DB) *Log { return &Log{db: db} }

func (l *Log) Emit(ctx context.Context, typ string, entityType vector.EntityType, entityID int64, payload any) error {
	return Emit(ctx, l.db, typ, entityType, entityID, payload)
}

func (l *Log) List(ctx context.Context, afterSeq int64, limit int) ([]Event, error) {
	return List(ctx, l.db, afterSeq, limit)
}
