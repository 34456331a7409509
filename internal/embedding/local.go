package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const localMaxChars = 8192

// LocalProvider is a deterministic bag-of-words hashing embedder. It needs no
// network and is meant for development, tests and offline demos.
type LocalProvider struct {
	dim      int
	maxChars int
}

// NewLocalProvider creates a hashing embedder producing dim-length vectors.
func NewLocalProvider(dim, maxChars int) *LocalProvider {
	if dim <= 0 {
		dim = 256
	}
	if maxChars <= 0 {
		maxChars = localMaxChars
	}
	return &LocalProvider{dim: dim, maxChars: maxChars}
}

func (p *LocalProvider) Name() string       { return "local" }
func (p *LocalProvider) Dimension() int     { return p.dim }
func (p *LocalProvider) MaxInputChars() int { return p.maxChars }

func (p *LocalProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, p.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if localStopWords[w] {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32()%uint32(p.dim))] += 1.0
	}

	// L2 normalization
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq > 0 {
		norm := float32(1.0 / math.Sqrt(sumSq))
		for i, v := range vec {
			vec[i] = v * norm
		}
	}
	return vec, nil
}

var localStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true, "in": true,
	"on": true, "for": true, "at": true, "by": true, "with": true, "from": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "it": true, "this": true, "that": true, "my": true, "i": true,
	"me": true, "how": true, "much": true, "what": true, "did": true, "do": true, "spend": true, "spent": true,
	"el": true, "la": true, "los": true, "las": true, "de": true, "del": true, "en": true, "y": true,
	"un": true, "una": true, "por": true, "para": true, "con": true, "mi": true, "cuanto": true,
}
