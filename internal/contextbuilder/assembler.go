// Package contextbuilder renders ranked search results into a bounded block of
// prompt text for a downstream language model.
package contextbuilder

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Napageneral/fincontext/internal/vector"
)

const (
	// CharsPerToken is the fixed ratio used to estimate tokens from characters.
	// It is an approximation, not a tokenizer, but it is what the budget is checked against.
	CharsPerToken = 4

	DefaultMaxTokens = 1000

	// TruncationMarker ends every truncated context. It is always emitted when
	// something was cut, even under a budget smaller than the marker itself.
	TruncationMarker = "[... context truncated ...]"
	NoResultsMessage = "No semantically relevant financial records were found for this query."
	// shortNoResultsMessage replaces NoResultsMessage when the budget is too small for it.
	shortNoResultsMessage = "No relevant records."

	headerTitle         = "=== RELEVANT FINANCIAL CONTEXT ==="
	maxDescriptionRunes = 80
	dateLayout          = "2006-01-02"
)

// RetrievalContext is the assembled prompt context plus bookkeeping.
type RetrievalContext struct {
	Text            string `json:"text"`
	ResultCount     int    `json:"result_count"`
	EstimatedTokens int    `json:"estimated_tokens"`
	Truncated       bool   `json:"truncated"`
	// Fallback is set when the context was produced without semantic search.
	Fallback bool `json:"fallback"`
	// Thresholds records the similarity threshold each entity type settled on.
	Thresholds map[vector.EntityType]float64 `json:"thresholds,omitempty"`
}

// Options toggles optional sections.
type Options struct {
	CategoryBreakdown bool
	MonthlyBreakdown  bool
}

// Assembler renders RetrievalContexts. It holds no per-call state.
type Assembler struct {
	opts   Options
	logger *slog.Logger
}

// NewAssembler creates an Assembler. A nil logger uses slog.Default().
func NewAssembler(opts Options, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{opts: opts, logger: logger}
}

// EstimateTokens approximates the token count of s as ceil(runes / CharsPerToken).
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// NormalizeBudget maps maxTokens <= 0 to the default. Positive budgets are used as given.
func NormalizeBudget(maxTokens int) int {
	if maxTokens <= 0 {
		return DefaultMaxTokens
	}
	return maxTokens
}

// noResultsText picks the longest empty-result message that fits limit runes.
func noResultsText(limit int) string {
	switch {
	case utf8.RuneCountInString(NoResultsMessage) <= limit:
		return NoResultsMessage
	case utf8.RuneCountInString(shortNoResultsMessage) <= limit:
		return shortNoResultsMessage
	}
	return truncateRunes(shortNoResultsMessage, limit)
}

// Assemble renders results, in the given order, for query within maxTokens.
//
// The summary block is computed over every result, including those whose detail
// lines do not fit. Detail lines stop at the first one that would exceed the
// budget, and a truncation marker is appended. The only way the estimate can
// exceed maxTokens is a budget smaller than the marker itself.
func (a *Assembler) Assemble(results []vector.SearchResult, query string, maxTokens int) RetrievalContext {
	maxTokens = NormalizeBudget(maxTokens)

	if len(results) == 0 {
		text := noResultsText(maxTokens * CharsPerToken)
		return RetrievalContext{
			Text:            text,
			EstimatedTokens: EstimateTokens(text),
		}
	}

	b := newBudgetBuilder(maxTokens * CharsPerToken)
	reserve := utf8.RuneCountInString(TruncationMarker) + 1

	truncated := false
	addOrStop := func(line string) bool {
		if truncated {
			return false
		}
		if !b.tryAdd(line, reserve) {
			truncated = true
		}
		return !truncated
	}

	if addOrStop(headerTitle) {
		addQueryLine(b, query, reserve)
	}
	addOrStop(fmt.Sprintf("Records found by semantic similarity: %d", len(results)))

	for _, line := range summaryLines(results) {
		addOrStop(line)
	}
	if a.opts.CategoryBreakdown {
		for _, line := range categoryLines(results) {
			addOrStop(line)
		}
	}
	if a.opts.MonthlyBreakdown {
		for _, line := range monthlyLines(results) {
			addOrStop(line)
		}
	}

	rendered := 0
	if addOrStop("") && addOrStop("--- RECORDS ---") {
		for i, r := range results {
			if !addOrStop(formatResult(i+1, r)) {
				break
			}
			rendered++
		}
	}

	if truncated {
		b.add(TruncationMarker)
	}

	text := b.String()
	ctx := RetrievalContext{
		Text:            text,
		ResultCount:     len(results),
		EstimatedTokens: EstimateTokens(text),
		Truncated:       truncated,
	}
	a.logger.Debug("context assembled",
		"results", len(results), "rendered", rendered, "chars", utf8.RuneCountInString(text),
		"estimated_tokens", ctx.EstimatedTokens, "max_tokens", maxTokens, "truncated", truncated)
	if truncated {
		a.logger.Info("context truncated to budget", "results", len(results), "rendered", rendered, "max_tokens", maxTokens)
	}
	return ctx
}

// AssembleMinimal renders a notice followed by a compact list of records, for use
// when semantic retrieval is unavailable.
func (a *Assembler) AssembleMinimal(results []vector.SearchResult, notice string, maxTokens int) RetrievalContext {
	maxTokens = NormalizeBudget(maxTokens)
	b := newBudgetBuilder(maxTokens * CharsPerToken)
	reserve := utf8.RuneCountInString(TruncationMarker) + 1

	truncated := false
	notice = strings.TrimSpace(notice)
	if notice != "" {
		shown := truncateRunes(notice, b.remaining(reserve))
		if shown != notice {
			truncated = true
		}
		if shown != "" {
			b.add(shown)
		}
	}

	if len(results) > 0 && !truncated {
		if b.tryAdd("Most recent records:", reserve) {
			for _, r := range results {
				if !b.tryAdd(formatMinimal(r), reserve) {
					truncated = true
					break
				}
			}
		} else {
			truncated = true
		}
	}
	if truncated {
		b.add(TruncationMarker)
	}

	text := b.String()
	return RetrievalContext{
		Text:            text,
		ResultCount:     len(results),
		EstimatedTokens: EstimateTokens(text),
		Truncated:       truncated,
	}
}

// addQueryLine writes "Query: <query>", shortening the query to whatever room is left.
func addQueryLine(b *budgetBuilder, query string, reserve int) {
	const prefix = "Query: "
	query = strings.Join(strings.Fields(query), " ")
	room := b.remaining(reserve) - len(prefix)
	if room < 4 {
		return
	}
	b.add(prefix + truncateRunes(query, room))
}

func formatResult(n int, r vector.SearchResult) string {
	parts := []string{fmt.Sprintf("%d. [%s]", n, r.EntityType)}
	m := r.Metadata
	if !m.Date.IsZero() {
		parts = append(parts, m.Date.Format(dateLayout))
	}
	if amt := formatAmount(m); amt != "" {
		parts = append(parts, amt)
	}
	if m.Category != "" {
		parts = append(parts, m.Category)
	}
	if desc := description(r); desc != "" {
		parts = append(parts, desc)
	}
	parts = append(parts, fmt.Sprintf("relevance %.1f%%", r.Similarity*100))
	return strings.Join(parts, " | ")
}

func formatMinimal(r vector.SearchResult) string {
	var sb strings.Builder
	sb.WriteString("- ")
	if !r.Metadata.Date.IsZero() {
		sb.WriteString(r.Metadata.Date.Format(dateLayout))
		sb.WriteString(": ")
	}
	fmt.Fprintf(&sb, "[%s] %s", r.EntityType, description(r))
	if amt := formatAmount(r.Metadata); amt != "" {
		sb.WriteString(" ")
		sb.WriteString(amt)
	}
	if r.Metadata.Category != "" {
		fmt.Fprintf(&sb, " (%s)", r.Metadata.Category)
	}
	return sb.String()
}

func formatAmount(m vector.Metadata) string {
	if m.Amount == nil {
		return ""
	}
	if m.Currency == "" {
		return fmt.Sprintf("%.2f", *m.Amount)
	}
	return fmt.Sprintf("%.2f %s", *m.Amount, strings.ToUpper(m.Currency))
}

func description(r vector.SearchResult) string {
	desc := r.Metadata.Description
	if desc == "" {
		desc = r.SourceText
	}
	desc = strings.Join(strings.Fields(desc), " ")
	if desc == "" {
		return "(no description)"
	}
	return truncateRunes(desc, maxDescriptionRunes)
}

// sortedTypes returns the entity types present in results in name order.
func sortedTypes(results []vector.SearchResult) []vector.EntityType {
	seen := map[vector.EntityType]bool{}
	var types []vector.EntityType
	for _, r := range results {
		if !seen[r.EntityType] {
			seen[r.EntityType] = true
			types = append(types, r.EntityType)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
