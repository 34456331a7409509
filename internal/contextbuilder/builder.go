package contextbuilder

import (
	"strings"
	"unicode/utf8"
)

// budgetBuilder accumulates newline-separated lines while tracking the running
// rune count, so a line is only written when it fits.
type budgetBuilder struct {
	sb    strings.Builder
	runes int
	limit int
}

func newBudgetBuilder(limitRunes int) *budgetBuilder {
	return &budgetBuilder{limit: limitRunes}
}

// cost is the number of runes line adds, including its separator.
func (b *budgetBuilder) cost(line string) int {
	n := utf8.RuneCountInString(line)
	if b.runes > 0 {
		n++
	}
	return n
}

// remaining is the room left for one more line's content after keeping reserve runes free.
func (b *budgetBuilder) remaining(reserve int) int {
	room := b.limit - b.runes - reserve
	if b.runes > 0 {
		room--
	}
	return room
}

func (b *budgetBuilder) fits(line string, reserve int) bool {
	return b.runes+b.cost(line)+reserve <= b.limit
}

func (b *budgetBuilder) add(line string) {
	c := b.cost(line)
	if b.runes > 0 {
		b.sb.WriteByte('\n')
	}
	b.sb.WriteString(line)
	b.runes += c
}

// tryAdd writes line if it fits while keeping reserve runes free.
func (b *budgetBuilder) tryAdd(line string, reserve int) bool {
	if !b.fits(line, reserve) {
		return false
	}
	b.add(line)
	return true
}

func (b *budgetBuilder) String() string { return b.sb.String() }

// truncateRunes shortens s to at most max runes, ending with "..." when cut.
// It never splits a multi-byte character.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return strings.TrimRight(string(runes[:max-3]), " ") + "..."
}
