// Package errs defines the error taxonomy shared by the retrieval pipeline.
//
// Each error kind is a concrete type carrying its details plus a sentinel so callers can
// use either errors.As or errors.Is.
package errs

import (
	"errors"
	"fmt"
)

// Sentinels matched by the concrete error types below.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrEmbeddingGeneration = errors.New("embedding generation failed")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
	ErrIndexQuery          = errors.New("index query failed")
)

// InvalidInputError reports malformed input, such as an empty query. Never retried.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// InvalidInput is a shorthand constructor.
func InvalidInput(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}

// EmbeddingGenerationError wraps a provider failure after retries were exhausted or a
// permanent failure was seen.
type EmbeddingGenerationError struct {
	Provider  string
	Attempts  int
	Transient bool
	Err       error
}

func (e *EmbeddingGenerationError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("embedding generation failed (%s, provider %s, %d attempts): %v", kind, e.Provider, e.Attempts, e.Err)
}

func (e *EmbeddingGenerationError) Unwrap() error { return e.Err }

func (e *EmbeddingGenerationError) Is(target error) bool { return target == ErrEmbeddingGeneration }

// DimensionMismatchError means a vector's length differs from the configured dimension.
// It implies a configuration problem and existing index data may be incompatible.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

// DimensionMismatch returns a *DimensionMismatchError.
func DimensionMismatch(expected, got int) error {
	return &DimensionMismatchError{Expected: expected, Got: got}
}

// IndexQueryError wraps a storage-layer failure for one entity type.
type IndexQueryError struct {
	EntityType string
	Op         string
	Err        error
}

func (e *IndexQueryError) Error() string {
	return fmt.Sprintf("index %s %s: %v", e.EntityType, e.Op, e.Err)
}

func (e *IndexQueryError) Unwrap() error { return e.Err }

func (e *IndexQueryError) Is(target error) bool { return target == ErrIndexQuery }

// IndexQuery wraps err as an *IndexQueryError unless it is nil or already one.
func IndexQuery(entityType, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *IndexQueryError
	if errors.As(err, &existing) {
		return err
	}
	return &IndexQueryError{EntityType: entityType, Op: op, Err: err}
}
