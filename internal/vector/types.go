package vector

import (
	"context"
	"time"
)

// EntityType names a category of financial record. Each type has its own index.
type EntityType string

const (
	EntityExpense EntityType = "expense"
	EntityIncome  EntityType = "income"

	// ScopeAll selects every configured entity type.
	ScopeAll EntityType = "all"
)

// MaxK caps the number of results any single query may request.
const MaxK = 100

// Metadata carries the structured fields stored next to a vector. They are
// usable as post-filters and for rendering.
type Metadata struct {
	Category      string    `json:"category,omitempty"`
	Amount        *float64  `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Date          time.Time `json:"date,omitempty"`
	Description   string    `json:"description,omitempty"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// Entry is the input to Upsert.
type Entry struct {
	EntityID   int64
	Vector     []float32
	SourceText string
	Metadata   Metadata
}

// Record is the stored form of an Entry. Exactly one exists per (EntityType, EntityID).
type Record struct {
	EntityType EntityType
	EntityID   int64
	Vector     []float32
	SourceText string
	Metadata   Metadata
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Filter restricts the candidate set before ranking. Zero values mean "no constraint".
type Filter struct {
	MinSimilarity float64
	Category      string
	Currency      string
	DateFrom      time.Time
	DateTo        time.Time
	AmountMin     *float64
	AmountMax     *float64
}

// HasStructured reports whether any non-similarity constraint is set.
func (f Filter) HasStructured() bool {
	return f.Category != "" || f.Currency != "" || !f.DateFrom.IsZero() || !f.DateTo.IsZero() ||
		f.AmountMin != nil || f.AmountMax != nil
}

// Matches reports whether metadata passes the structured part of the filter.
func (f Filter) Matches(m Metadata) bool {
	if f.Category != "" && !equalFold(f.Category, m.Category) {
		return false
	}
	if f.Currency != "" && !equalFold(f.Currency, m.Currency) {
		return false
	}
	if !f.DateFrom.IsZero() && (m.Date.IsZero() || m.Date.Before(f.DateFrom)) {
		return false
	}
	if !f.DateTo.IsZero() && (m.Date.IsZero() || m.Date.After(f.DateTo)) {
		return false
	}
	if f.AmountMin != nil && (m.Amount == nil || *m.Amount < *f.AmountMin) {
		return false
	}
	if f.AmountMax != nil && (m.Amount == nil || *m.Amount > *f.AmountMax) {
		return false
	}
	return true
}

// SearchResult is one ranked match. Similarity is in [0,1], 1 meaning identical.
type SearchResult struct {
	EntityID   int64      `json:"entity_id"`
	EntityType EntityType `json:"entity_type"`
	Similarity float64    `json:"similarity"`
	SourceText string     `json:"source_text"`
	Metadata   Metadata   `json:"metadata"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Querier answers k-nearest-neighbour queries.
type Querier interface {
	Query(ctx context.Context, vec []float32, filter Filter, k int) ([]SearchResult, error)
}

// Index is a per-entity-type vector store.
type Index interface {
	Querier
	EntityType() EntityType
	Dimension() int
	Upsert(ctx context.Context, entry Entry) error
	Remove(ctx context.Context, entityID int64) error
}

// RecentLister is implemented by indexes that can list records by recency
// without a query vector.
type RecentLister interface {
	Recent(ctx context.Context, k int) ([]SearchResult, error)
}

// Stats summarises one index.
type Stats struct {
	EntityType EntityType `json:"entity_type"`
	Count      int64      `json:"count"`
	Oldest     time.Time  `json:"oldest,omitempty"`
	Newest     time.Time  `json:"newest,omitempty"`
}

// StatsReporter is implemented by indexes that can report coverage statistics.
type StatsReporter interface {
	Stats(ctx context.Context) (Stats, error)
}
