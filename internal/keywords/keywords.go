// Package keywords turns tab text into comparable token sets.
package keywords

import (
	"strings"
	"unicode"

	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// Set is an unordered set of lowercase tokens.
type Set map[string]struct{}

// Extract lower-cases title + " " + summary and splits it on every run of
// non-alphanumeric characters. Empty tokens are dropped.
func Extract(title, summary string) Set {
	text := strings.ToLower(title + " " + summary)
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(Set, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// FromRecord extracts the keyword set of a closed tab.
func FromRecord(r types.ClosedTabRecord) Set {
	return Extract(r.Title, r.Summary())
}

// FromSession returns the union of the keyword sets of every tab in s.
func FromSession(s types.Session) Set {
	union := make(Set)
	for _, t := range s.Tabs {
		for k := range FromRecord(t) {
			union[k] = struct{}{}
		}
	}
	return union
}

// Jaccard returns |a∩b| / |a∪b|, defined as 0 when both sets are empty.
func Jaccard(a, b Set) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
