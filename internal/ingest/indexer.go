package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/fincontext/internal/errs"
	"github.com/Napageneral/fincontext/internal/vector"
)

const (
	defaultReindexWorkers = 4
	reindexChunkSize      = 100
)

// Embedder produces document vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// batchEmbedder is implemented by embedders that embed many texts per call.
// vecs[i] and errs[i] describe texts[i].
type batchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) (vecs [][]float32, failures []error)
}

// preparer is implemented by embedders that normalise text before embedding it.
type preparer interface {
	Prepare(text string) (string, error)
}

// sourceHasher is implemented by indexes that remember what text they embedded.
type sourceHasher interface {
	SourceHash(ctx context.Context, entityID int64) (string, bool, error)
}

// EventSink receives index change events. Emit failures are logged and never
// fail the write that caused them.
type EventSink interface {
	Emit(ctx context.Context, typ string, entityType vector.EntityType, entityID int64, payload any) error
}

// Event types passed to an EventSink.
const (
	EventRecordIndexed   = "record.indexed"
	EventRecordRemoved   = "record.removed"
	EventReindexFinished = "reindex.finished"
)

// Indexer writes records into the per-type indexes.
type Indexer struct {
	embedder Embedder
	indexes  map[vector.EntityType]vector.Index
	events   EventSink
	logger   *slog.Logger
}

// NewIndexer creates an Indexer. A nil logger uses slog.Default().
func NewIndexer(embedder Embedder, indexes []vector.Index, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Indexer{
		embedder: embedder,
		indexes:  make(map[vector.EntityType]vector.Index, len(indexes)),
		logger:   logger,
	}
	for _, idx := range indexes {
		ix.indexes[idx.EntityType()] = idx
	}
	return ix
}

// SetEvents attaches a sink for index change events. nil detaches it.
func (ix *Indexer) SetEvents(sink EventSink) {
	ix.events = sink
}

func (ix *Indexer) emit(ctx context.Context, typ string, entityType vector.EntityType, entityID int64, payload any) {
	if ix.events == nil {
		return
	}
	if err := ix.events.Emit(ctx, typ, entityType, entityID, payload); err != nil {
		ix.logger.Warn("index event not recorded", "type", typ, "entity_type", entityType, "entity_id", entityID, "error", err)
	}
}

func (ix *Indexer) index(entityType vector.EntityType) (vector.Index, error) {
	idx, ok := ix.indexes[entityType]
	if !ok {
		return nil, errs.InvalidInput("entity_type", fmt.Sprintf("no index for %q", entityType))
	}
	return idx, nil
}

// prepare returns the text the embedder will actually embed.
func (ix *Indexer) prepare(text string) (string, error) {
	if p, ok := ix.embedder.(preparer); ok {
		return p.Prepare(text)
	}
	cleaned := strings.Join(strings.Fields(text), " ")
	if cleaned == "" {
		return "", errs.InvalidInput("text", "must not be empty")
	}
	return cleaned, nil
}

// Index embeds text and upserts it as the record for (entityType, entityID).
// The stored source text is the normalised text that produced the vector.
// On any failure the previously stored record, if any, is left as it was.
func (ix *Indexer) Index(ctx context.Context, entityType vector.EntityType, entityID int64, text string, meta vector.Metadata) error {
	idx, err := ix.index(entityType)
	if err != nil {
		return err
	}
	text, err = ix.prepare(text)
	if err != nil {
		return err
	}
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %s %d: %w", entityType, entityID, err)
	}
	return ix.store(ctx, idx, entityID, text, vec, meta)
}

func (ix *Indexer) store(ctx context.Context, idx vector.Index, entityID int64, text string, vec []float32, meta vector.Metadata) error {
	entityType := idx.EntityType()
	if err := idx.Upsert(ctx, vector.Entry{EntityID: entityID, Vector: vec, SourceText: text, Metadata: meta}); err != nil {
		return fmt.Errorf("store %s %d: %w", entityType, entityID, err)
	}
	ix.logger.Debug("record indexed", "entity_type", entityType, "entity_id", entityID, "chars", len(text))
	if fp, err := vector.Fingerprint(text, meta); err == nil {
		ix.emit(ctx, EventRecordIndexed, entityType, entityID, map[string]any{"source_hash": fp})
	}
	return nil
}

// Deindex removes the record for (entityType, entityID). Unknown ids are not an error.
func (ix *Indexer) Deindex(ctx context.Context, entityType vector.EntityType, entityID int64) error {
	idx, err := ix.index(entityType)
	if err != nil {
		return err
	}
	if err := idx.Remove(ctx, entityID); err != nil {
		return err
	}
	ix.logger.Debug("record removed", "entity_type", entityType, "entity_id", entityID)
	ix.emit(ctx, EventRecordRemoved, entityType, entityID, nil)
	return nil
}

// IndexRecord validates r, renders its text and metadata, and indexes it.
func (ix *Indexer) IndexRecord(ctx context.Context, r FinancialRecord) error {
	text, meta, err := render(r)
	if err != nil {
		return err
	}
	return ix.Index(ctx, r.EntityType, r.ID, text, meta)
}

func render(r FinancialRecord) (string, vector.Metadata, error) {
	if err := r.Validate(); err != nil {
		return "", vector.Metadata{}, err
	}
	text := BuildText(r)
	if text == "" {
		return "", vector.Metadata{}, errs.InvalidInput("record", "has no text to embed")
	}
	meta, err := BuildMetadata(r)
	if err != nil {
		return "", vector.Metadata{}, err
	}
	return text, meta, nil
}

// ReindexOptions tunes a bulk run.
type ReindexOptions struct {
	// Workers bounds concurrent Embed calls for embedders that cannot batch.
	Workers int
	// Force re-embeds records whose stored text and metadata are unchanged.
	Force bool
}

// ReindexReport counts what a bulk run did.
type ReindexReport struct {
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// pending is a record that needs embedding.
type pending struct {
	record FinancialRecord
	idx    vector.Index
	text   string
	meta   vector.Metadata
}

// Reindex (re)embeds records in chunks. Records whose stored text and metadata
// are unchanged are skipped. Each chunk goes through EmbedBatch when the
// embedder has it and through a bounded worker pool otherwise.
//
// Individual failures are counted and logged. A dimension mismatch aborts the
// whole run, since every following record would fail the same way.
func (ix *Indexer) Reindex(ctx context.Context, records []FinancialRecord, opts ReindexOptions) (ReindexReport, error) {
	if opts.Workers <= 0 {
		opts.Workers = defaultReindexWorkers
	}
	start := time.Now()

	var report ReindexReport
	var todo []pending
	for _, r := range records {
		if ctx.Err() != nil {
			break
		}
		p, skip, err := ix.plan(ctx, r, opts.Force)
		switch {
		case err != nil:
			report.Failed++
			ix.logger.Warn("reindex record failed", "entity_type", r.EntityType, "entity_id", r.ID, "error", err)
		case skip:
			report.Skipped++
		default:
			todo = append(todo, p)
		}
	}

	var err error
	for lo := 0; lo < len(todo) && err == nil && ctx.Err() == nil; lo += reindexChunkSize {
		hi := min(lo+reindexChunkSize, len(todo))
		err = ix.reindexChunk(ctx, todo[lo:hi], opts.Workers, &report)
	}
	if err == nil {
		err = ctx.Err()
	}

	report.Duration = time.Since(start)
	ix.logger.Info("reindex finished",
		"records", len(records), "indexed", report.Indexed, "skipped", report.Skipped,
		"failed", report.Failed, "duration", report.Duration)
	ix.emit(context.WithoutCancel(ctx), EventReindexFinished, "", 0, map[string]any{
		"records": len(records),
		"indexed": report.Indexed,
		"skipped": report.Skipped,
		"failed":  report.Failed,
		"aborted": err != nil,
	})
	if err != nil {
		return report, fmt.Errorf("reindex aborted: %w", err)
	}
	return report, nil
}

// plan renders r and reports whether the index already holds exactly this content.
func (ix *Indexer) plan(ctx context.Context, r FinancialRecord, force bool) (pending, bool, error) {
	text, meta, err := render(r)
	if err != nil {
		return pending{}, false, err
	}
	idx, err := ix.index(r.EntityType)
	if err != nil {
		return pending{}, false, err
	}
	if text, err = ix.prepare(text); err != nil {
		return pending{}, false, err
	}
	p := pending{record: r, idx: idx, text: text, meta: meta}
	if force {
		return p, false, nil
	}
	h, ok := idx.(sourceHasher)
	if !ok {
		return p, false, nil
	}
	stored, found, err := h.SourceHash(ctx, r.ID)
	if err != nil || !found {
		return p, false, err
	}
	fp, err := vector.Fingerprint(text, meta)
	if err != nil {
		return pending{}, false, err
	}
	return p, stored == fp, nil
}

func (ix *Indexer) reindexChunk(ctx context.Context, chunk []pending, workers int, report *ReindexReport) error {
	texts := make([]string, len(chunk))
	for i, p := range chunk {
		texts[i] = p.text
	}
	vecs, failures := ix.embedAll(ctx, texts, workers)

	for i, p := range chunk {
		err := failures[i]
		if err == nil {
			err = ix.store(ctx, p.idx, p.record.ID, p.text, vecs[i], p.meta)
		}
		switch {
		case err == nil:
			report.Indexed++
		case errors.Is(err, errs.ErrDimensionMismatch):
			report.Failed++
			return err
		default:
			report.Failed++
			ix.logger.Warn("reindex record failed", "entity_type", p.record.EntityType, "entity_id", p.record.ID, "error", err)
		}
	}
	return nil
}

func (ix *Indexer) embedAll(ctx context.Context, texts []string, workers int) ([][]float32, []error) {
	if b, ok := ix.embedder.(batchEmbedder); ok {
		return b.EmbedBatch(ctx, texts)
	}
	vecs := make([][]float32, len(texts))
	failures := make([]error, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, text := range texts {
		g.Go(func() error {
			vecs[i], failures[i] = ix.embedder.Embed(gctx, text)
			return nil
		})
	}
	_ = g.Wait()
	return vecs, failures
}
