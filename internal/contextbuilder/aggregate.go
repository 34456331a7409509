package contextbuilder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Napageneral/fincontext/internal/vector"
)

// Totals is the count and amount statistics for one group of results.
type Totals struct {
	Count       int
	WithAmount  int
	ByCurrency  map[string]*CurrencyTotals
	currencyKey []string
}

// CurrencyTotals are amount statistics in a single currency.
type CurrencyTotals struct {
	Count int
	Sum   float64
}

// Average is Sum / Count, or 0 for an empty group.
func (c CurrencyTotals) Average() float64 {
	if c.Count == 0 {
		return 0
	}
	return c.Sum / float64(c.Count)
}

func (t *Totals) add(m vector.Metadata) {
	t.Count++
	if m.Amount == nil {
		return
	}
	t.WithAmount++

	cur := strings.ToUpper(strings.TrimSpace(m.Currency))
	if t.ByCurrency == nil {
		t.ByCurrency = map[string]*CurrencyTotals{}
	}
	ct, ok := t.ByCurrency[cur]
	if !ok {
		ct = &CurrencyTotals{}
		t.ByCurrency[cur] = ct
		t.currencyKey = append(t.currencyKey, cur)
	}
	ct.Count++
	ct.Sum += *m.Amount
}

// currencies returns the currencies seen, sorted, with "" (unknown) last.
func (t *Totals) currencies() []string {
	keys := append([]string(nil), t.currencyKey...)
	sort.Slice(keys, func(i, j int) bool {
		switch {
		case keys[i] == "":
			return false
		case keys[j] == "":
			return true
		}
		return keys[i] < keys[j]
	})
	return keys
}

func (t *Totals) describe() string {
	var parts []string
	for _, cur := range t.currencies() {
		ct := t.ByCurrency[cur]
		label := cur
		if label == "" {
			label = "unspecified currency"
		}
		parts = append(parts, fmt.Sprintf("%s total %.2f avg %.2f", label, ct.Sum, ct.Average()))
	}
	return strings.Join(parts, " | ")
}

// Summarize groups results by entity type. Amounts are kept per currency; they
// are never added across currencies.
func Summarize(results []vector.SearchResult) map[vector.EntityType]*Totals {
	out := map[vector.EntityType]*Totals{}
	for _, r := range results {
		t, ok := out[r.EntityType]
		if !ok {
			t = &Totals{}
			out[r.EntityType] = t
		}
		t.add(r.Metadata)
	}
	return out
}

func summaryLines(results []vector.SearchResult) []string {
	totals := Summarize(results)
	lines := []string{"", "--- SUMMARY ---"}
	for _, et := range sortedTypes(results) {
		t := totals[et]
		line := fmt.Sprintf("%s: %d records", et, t.Count)
		if t.WithAmount > 0 {
			line += " | " + t.describe()
		}
		lines = append(lines, line)
	}
	return lines
}

type groupKey struct {
	entityType vector.EntityType
	label      string
}

func groupLines(title string, results []vector.SearchResult, keyOf func(vector.SearchResult) (string, bool)) []string {
	groups := map[groupKey]*Totals{}
	var keys []groupKey
	for _, r := range results {
		label, ok := keyOf(r)
		if !ok {
			continue
		}
		k := groupKey{entityType: r.EntityType, label: label}
		t, exists := groups[k]
		if !exists {
			t = &Totals{}
			groups[k] = t
			keys = append(keys, k)
		}
		t.add(r.Metadata)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].entityType != keys[j].entityType {
			return keys[i].entityType < keys[j].entityType
		}
		return keys[i].label < keys[j].label
	})

	lines := []string{"", title}
	for _, k := range keys {
		t := groups[k]
		line := fmt.Sprintf("  %s %s: %d records", k.entityType, k.label, t.Count)
		if t.WithAmount > 0 {
			line += " | " + t.describe()
		}
		lines = append(lines, line)
	}
	return lines
}

func categoryLines(results []vector.SearchResult) []string {
	return groupLines("--- BY CATEGORY ---", results, func(r vector.SearchResult) (string, bool) {
		if r.Metadata.Category == "" {
			return "uncategorized", true
		}
		return r.Metadata.Category, true
	})
}

func monthlyLines(results []vector.SearchResult) []string {
	return groupLines("--- BY MONTH ---", results, func(r vector.SearchResult) (string, bool) {
		if r.Metadata.Date.IsZero() {
			return "", false
		}
		return r.Metadata.Date.Format("2006-01"), true
	})
}
