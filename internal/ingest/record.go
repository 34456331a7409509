// Package ingest keeps the vector indexes in step with the financial records
// they describe: it renders each record as embedding text, embeds it, and
// upserts or removes the stored vector.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/Napageneral/fincontext/internal/errs"
	"github.com/Napageneral/fincontext/internal/vector"
)

// FinancialRecord is an expense or income as the host application stores it.
// It is also the line format of reindex input files.
type FinancialRecord struct {
	EntityType    vector.EntityType `json:"entity_type"`
	ID            int64             `json:"id"`
	Description   string            `json:"description,omitempty"`
	Category      string            `json:"category,omitempty"`
	Amount        *float64          `json:"amount,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Date          string            `json:"date,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Source        string            `json:"source,omitempty"`
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"}

// ParseDate accepts a calendar date, an RFC 3339 timestamp or "YYYY-MM-DD hh:mm:ss".
// The empty string is the zero time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errs.InvalidInput("date", fmt.Sprintf("unrecognised date %q", s))
}

// Validate checks the fields every record needs.
func (r FinancialRecord) Validate() error {
	switch r.EntityType {
	case vector.EntityExpense, vector.EntityIncome:
	default:
		return errs.InvalidInput("entity_type", fmt.Sprintf("unsupported entity type %q", r.EntityType))
	}
	if r.ID <= 0 {
		return errs.InvalidInput("id", "must be positive")
	}
	if _, err := ParseDate(r.Date); err != nil {
		return err
	}
	return nil
}

// BuildText renders the record as the single line that gets embedded, e.g.
//
//	Expense: Supermarket | Category: Food | Amount: 150.00 USD | Date: 2025-11-12 | Method: card
//
// Empty fields are left out. The amount appears only with a currency.
func BuildText(r FinancialRecord) string {
	var parts []string
	add := func(label, value string) {
		value = strings.Join(strings.Fields(value), " ")
		if value != "" {
			parts = append(parts, label+": "+value)
		}
	}

	switch r.EntityType {
	case vector.EntityIncome:
		add("Income", r.Description)
	default:
		add("Expense", r.Description)
	}
	add("Category", r.Category)
	if r.Amount != nil && strings.TrimSpace(r.Currency) != "" {
		add("Amount", fmt.Sprintf("%.2f %s", *r.Amount, strings.ToUpper(strings.TrimSpace(r.Currency))))
	}
	if d, err := ParseDate(r.Date); err == nil && !d.IsZero() {
		add("Date", d.Format("2006-01-02"))
	}
	add("Notes", r.Notes)
	if r.EntityType == vector.EntityIncome {
		add("Source", r.Source)
	} else {
		add("Method", r.PaymentMethod)
	}
	return strings.Join(parts, " | ")
}

// BuildMetadata extracts the structured fields stored beside the vector.
func BuildMetadata(r FinancialRecord) (vector.Metadata, error) {
	date, err := ParseDate(r.Date)
	if err != nil {
		return vector.Metadata{}, err
	}
	m := vector.Metadata{
		Category:    strings.TrimSpace(r.Category),
		Currency:    strings.ToUpper(strings.TrimSpace(r.Currency)),
		Date:        date,
		Description: strings.Join(strings.Fields(r.Description), " "),
		Source:      strings.TrimSpace(r.Source),
	}
	if r.Amount != nil {
		v := *r.Amount
		m.Amount = &v
	}
	if r.EntityType == vector.EntityExpense {
		m.PaymentMethod = strings.TrimSpace(r.PaymentMethod)
	}
	return m, nil
}
