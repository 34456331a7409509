package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsMatchThroughWrapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"invalid input", InvalidInput("query", "empty"), ErrInvalidInput},
		{"dimension", DimensionMismatch(768, 512), ErrDimensionMismatch},
		{"generation", &EmbeddingGenerationError{Provider: "gemini", Attempts: 3, Err: errors.New("503")}, ErrEmbeddingGeneration},
		{"index", IndexQuery("expense", "query", errors.New("disk I/O error")), ErrIndexQuery},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("retrieve: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Fatalf("%s: expected errors.Is to match sentinel", tc.name)
		}
	}
}

func TestDimensionMismatchDetails(t *testing.T) {
	err := fmt.Errorf("upsert: %w", DimensionMismatch(768, 512))
	var dm *DimensionMismatchError
	if !errors.As(err, &dm) {
		t.Fatalf("expected *DimensionMismatchError")
	}
	if dm.Expected != 768 || dm.Got != 512 {
		t.Fatalf("unexpected details %+v", dm)
	}
}

func TestIndexQueryDoesNotDoubleWrap(t *testing.T) {
	first := IndexQuery("income", "query", context.DeadlineExceeded)
	second := IndexQuery("expense", "query", first)
	if second != first {
		t.Fatalf("expected existing IndexQueryError to be returned as is")
	}
	if !errors.Is(second, context.DeadlineExceeded) {
		t.Fatalf("expected cause to stay reachable")
	}
	if IndexQuery("income", "query", nil) != nil {
		t.Fatalf("expected nil for nil cause")
	}
}
