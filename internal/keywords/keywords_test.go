package keywords

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

func set(words ...string) Set {
	s := make(Set)
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

func TestExtract(t *testing.T) {
	tests := []struct {
		title, summary string
		want           Set
	}{
		{"Go Generics -- Tutorial", "", set("go", "generics", "tutorial")},
		{"", "", set()},
		{"  ...  ", "!!!", set()},
		{"HTTP/2 in Go", "Go's net/http", set("http", "2", "in", "go", "s", "net")},
		{"Café Menu", "", set("café", "menu")},
	}
	for _, tt := range tests {
		got := Extract(tt.title, tt.summary)
		assert.Equal(t, tt.want, got, "Extract(%q, %q)", tt.title, tt.summary)
	}
}

func TestFromSessionUnion(t *testing.T) {
	s := types.Session{Tabs: []types.ClosedTabRecord{
		{Title: "Rust book"},
		{Title: "Go tour", Content: &types.TabContent{Summary: "learn go"}},
	}}
	assert.Equal(t, set("rust", "book", "go", "tour", "learn"), FromSession(s))
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		a, b Set
		want float64
	}{
		{set(), set(), 0},
		{set("a"), set(), 0},
		{set("a", "b"), set("a", "b"), 1},
		{set("a", "b"), set("b", "c"), 1.0 / 3.0},
		{set("a", "b", "c", "d"), set("a"), 0.25},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-12)
	}
}

func TestJaccardSymmetry(t *testing.T) {
	sets := []Set{set(), set("x"), set("x", "y"), set("y", "z", "w"), set("a", "b", "c", "x")}
	for _, a := range sets {
		for _, b := range sets {
			assert.Equal(t, Jaccard(a, b), Jaccard(b, a))
		}
	}
}
