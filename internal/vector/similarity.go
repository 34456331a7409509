package vector

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/Napageneral/fincontext/internal/errs"
)

// CosineSimilarity returns the raw cosine of the angle between a and b, or 0 when
// the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Similarity maps cosine similarity into [0,1]. Orthogonal and opposite vectors score 0.
func Similarity(a, b []float32) float64 {
	return clampUnit(CosineSimilarity(a, b))
}

func clampUnit(score float64) float64 {
	switch {
	case math.IsNaN(score) || score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

// CheckDimension returns a *errs.DimensionMismatchError when len(vec) != dim.
func CheckDimension(dim int, vec []float32) error {
	if len(vec) != dim {
		return errs.DimensionMismatch(dim, len(vec))
	}
	return nil
}

// SortResults orders results by similarity desc, then most recent update, then
// ascending entity id.
func SortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.EntityID < b.EntityID
	})
}

// ClampK bounds k to [0, MaxK].
func ClampK(k int) int {
	if k <= 0 {
		return 0
	}
	if k > MaxK {
		return MaxK
	}
	return k
}

// float32SliceToBlob encodes values as little-endian float32.
func float32SliceToBlob(values []float32) []byte {
	blob := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

func blobToFloat32Slice(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	values := make([]float32, len(blob)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return values
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
