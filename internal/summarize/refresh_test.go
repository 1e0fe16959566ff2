package summarize

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jay-Karia/wherewasi-sub000/internal/llm"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]types.Session
	titles   []string
}

func (f *fakeSessions) Get(_ context.Context, id string) (types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return types.Session{}, &types.NotFoundError{Kind: "session", ID: id}
	}
	return s, nil
}

func (f *fakeSessions) UpdateTitle(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.Title = title
	f.sessions[id] = s
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeSessions) UpdateSummary(_ context.Context, id, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.Summary = summary
	f.sessions[id] = s
	return nil
}

func goSession() types.Session {
	return types.Session{
		ID:    "s1",
		Title: "New session",
		Tabs: []types.ClosedTabRecord{
			{URL: "https://go.dev/doc/effective_go", Title: "Effective Go", Content: &types.TabContent{Summary: "Tips for writing clear Go."}},
			{URL: "https://go.dev/blog/generics", Title: "An Introduction To Generics"},
			{URL: "https://pkg.go.dev/sync", Title: "sync package"},
		},
		TabsCount: 3,
	}
}

func newFake() *fakeSessions {
	return &fakeSessions{sessions: map[string]types.Session{"s1": goSession()}}
}

func TestParseTitle(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"Learning Go generics", "Learning Go generics", true},
		{"  \"Learning Go generics\"\nBecause the tabs...", "Learning Go generics", true},
		{"Title: Go concurrency", "Go concurrency", true},
		{"## Go concurrency", "Go concurrency", true},
		{"one two three four five six seven eight nine ten", "one two three four five six seven eight", true},
		{"", "", false},
		{"\"\"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseTitle(tt.input)
		assert.Equal(t, tt.ok, ok, "ParseTitle(%q)", tt.input)
		assert.Equal(t, tt.want, got, "ParseTitle(%q)", tt.input)
	}
}

func TestParseSummary(t *testing.T) {
	got, ok := ParseSummary("  Reading about\n\nGo generics.  ")
	assert.True(t, ok)
	assert.Equal(t, "Reading about Go generics.", got)

	long, ok := ParseSummary(strings.Repeat("word ", 200))
	assert.True(t, ok)
	assert.LessOrEqual(t, len([]rune(long)), maxSummaryLen+1)

	_, ok = ParseSummary("   ")
	assert.False(t, ok)
}

func TestHeuristicTitle(t *testing.T) {
	assert.Equal(t, "go.dev (3 tabs)", HeuristicTitle(goSession()))
	assert.Equal(t, "Session (0 tabs)", HeuristicTitle(types.Session{}))
	assert.Equal(t, "example.com (1 tab)", HeuristicTitle(types.Session{Tabs: []types.ClosedTabRecord{{URL: "https://www.example.com/x"}}}))
}

func TestPromptsIncludeTabs(t *testing.T) {
	p := TitlePrompt(goSession(), map[int]string{1: "Generics add type parameters."})
	assert.Contains(t, p, "Effective Go (go.dev)")
	assert.Contains(t, p, "Tips for writing clear Go.")
	assert.Contains(t, p, "Generics add type parameters.")
	assert.Contains(t, SummaryPrompt(goSession(), nil), "sync package (pkg.go.dev)")
}

func TestRefreshUsesCompletion(t *testing.T) {
	f := newFake()
	var prompts []string
	c := llm.CompleterFunc(func(_ context.Context, model, prompt string) (string, error) {
		assert.Equal(t, "llama3.2", model)
		prompts = append(prompts, prompt)
		if strings.Contains(prompt, "short title") {
			return "Go language deep dive", nil
		}
		return "Reading Go docs about generics and sync.", nil
	})

	r := NewRefresher(c, f, Config{Model: "llama3.2", Timeout: time.Second})
	require.NoError(t, r.Refresh(context.Background(), "s1"))

	got := f.sessions["s1"]
	assert.Equal(t, "Go language deep dive", got.Title)
	assert.Equal(t, "Reading Go docs about generics and sync.", got.Summary)
	assert.Len(t, prompts, 2)
}

func TestRefreshFallsBackToHeuristicTitle(t *testing.T) {
	f := newFake()
	c := llm.CompleterFunc(func(context.Context, string, string) (string, error) {
		return "", &types.TransientError{Op: "ollama request", Err: errors.New("connection refused")}
	})

	r := NewRefresher(c, f, Config{Timeout: time.Second})
	require.NoError(t, r.Refresh(context.Background(), "s1"))

	got := f.sessions["s1"]
	assert.Equal(t, "go.dev (3 tabs)", got.Title)
	assert.Empty(t, got.Summary, "summary unchanged on failure")
}

func TestRefreshWithoutCompleter(t *testing.T) {
	f := newFake()
	r := NewRefresher(nil, f, Config{})
	require.NoError(t, r.Refresh(context.Background(), "s1"))
	assert.Equal(t, "go.dev (3 tabs)", f.sessions["s1"].Title)
}

func TestRefreshMissingSession(t *testing.T) {
	r := NewRefresher(nil, newFake(), Config{})
	assert.ErrorIs(t, r.Refresh(context.Background(), "nope"), types.ErrNotFound)
}

func TestEnqueueCoalesces(t *testing.T) {
	r := NewRefresher(nil, newFake(), Config{})
	assert.True(t, r.Enqueue("s1"))
	assert.True(t, r.Enqueue("s1"))
	assert.Equal(t, 1, len(r.queue))

	for i := 0; i < queueSize; i++ {
		r.Enqueue(string(rune('a' + i%26)) + strings.Repeat("x", i))
	}
	assert.False(t, r.Enqueue("overflowing"), "full queue drops")
}

func TestRunProcessesQueue(t *testing.T) {
	f := newFake()
	r := NewRefresher(nil, f, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Enqueue("s1")
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.titles) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
