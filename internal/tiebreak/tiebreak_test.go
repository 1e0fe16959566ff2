package tiebreak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jay-Karia/wherewasi-sub000/internal/llm"
	"github.com/Jay-Karia/wherewasi-sub000/internal/metrics"
	"github.com/Jay-Karia/wherewasi-sub000/internal/scoring"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func candidates() []types.Session {
	return []types.Session{
		{ID: "9f1c", Title: "Rust async", Tabs: []types.ClosedTabRecord{{Title: "Tokio tutorial"}}, TabsCount: 1},
		{ID: "a77e", Title: "Go concurrency", Summary: "Channels and goroutines", Tabs: []types.ClosedTabRecord{{Title: "Go by example"}}, TabsCount: 1},
	}
}

func closedTab() types.ClosedTabRecord {
	return types.ClosedTabRecord{
		ID:       7,
		URL:      "https://go.dev/blog/pipelines",
		Title:    "Go Concurrency Patterns: Pipelines",
		ClosedAt: now,
		Content:  &types.TabContent{Summary: "Pipelines and cancellation"},
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(closedTab(), candidates())
	for _, want := range []string{"Go Concurrency Patterns: Pipelines", "Pipelines and cancellation", "9f1c", "a77e", "Rust async", "Go concurrency", "Tokio tutorial", "null"} {
		assert.Contains(t, p, want)
	}
	assert.Less(t, strings.Index(p, "9f1c"), strings.Index(p, "a77e"), "candidates keep rank order")
}

func TestBuildPromptMissingFields(t *testing.T) {
	p := BuildPrompt(types.ClosedTabRecord{}, []types.Session{{ID: "x"}})
	assert.Contains(t, p, "Title: (none)")
	assert.Contains(t, p, "Summary: (none)")
}

func TestBuildPromptLongSummaryKeepsCandidates(t *testing.T) {
	tab := closedTab()
	tab.Content = &types.TabContent{Summary: strings.Repeat("wörd ", 2000)}
	cands := candidates()
	cands[1].Summary = strings.Repeat("channels ", 500)

	p := BuildPrompt(tab, cands)
	assert.LessOrEqual(t, len(p), llm.MaxPromptLen)
	assert.True(t, utf8.ValidString(p))
	for _, want := range []string{"- id: 9f1c", "- id: a77e", "Respond with ONLY the id", "respond with null", "wörd wörd"} {
		assert.Contains(t, p, want)
	}
}

func TestBuildPromptManyCandidatesCompact(t *testing.T) {
	var cands []types.Session
	for i := 0; i < 60; i++ {
		cands = append(cands, types.Session{
			ID:      fmt.Sprintf("cand-%02d", i),
			Title:   strings.Repeat("long title ", 40),
			Summary: strings.Repeat("summary ", 100),
			Tabs:    []types.ClosedTabRecord{{Title: strings.Repeat("tab ", 60)}},
		})
	}
	p := BuildPrompt(closedTab(), cands)
	assert.LessOrEqual(t, len(p), llm.MaxPromptLen)
	for _, c := range cands {
		assert.Contains(t, p, "- id: "+c.ID+"\n")
	}
	assert.NotContains(t, p, "  summary: ", "compact form drops candidate detail")
	assert.Contains(t, p, "Respond with ONLY the id")
}

func TestChooseLongSummaryReachesOllama(t *testing.T) {
	prompts := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		prompts <- req.Prompt
		json.NewEncoder(w).Encode(map[string]string{"response": "a77e"})
	}))
	defer srv.Close()

	tab := closedTab()
	tab.Content = &types.TabContent{Summary: strings.Repeat("word ", 2000)}
	ai := New(llm.NewOllama(srv.URL), Options{Model: "llama3.2", Timeout: 5 * time.Second})

	id, err := ai.Choose(context.Background(), tab, candidates())
	require.NoError(t, err)
	assert.Equal(t, "a77e", id)

	sent := <-prompts
	assert.LessOrEqual(t, len(sent), llm.MaxPromptLen)
	assert.Contains(t, sent, "9f1c")
	assert.Contains(t, sent, "a77e")
	assert.Contains(t, sent, "Respond with ONLY the id")
}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"a77e", "a77e", true},
		{"  9f1c\n", "9f1c", true},
		{`"a77e"`, "a77e", true},
		{"a77e.", "a77e", true},
		{"a77e\nbecause it is about Go", "a77e", true},
		{"null", "", false},
		{"NULL", "", false},
		{"", "", false},
		{"   ", "", false},
		{"A77E", "", false},
		{"session-3", "", false},
		{"The answer is a77e", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseChoice(tt.input, candidates())
		assert.Equal(t, tt.ok, ok, "ParseChoice(%q)", tt.input)
		assert.Equal(t, tt.want, got, "ParseChoice(%q)", tt.input)
	}
}

func fixed(answer string, err error, calls *int32) llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, model, prompt string) (string, error) {
		atomic.AddInt32(calls, 1)
		return answer, err
	})
}

func TestChooseValidAnswer(t *testing.T) {
	var calls int32
	m := metrics.New()
	ai := New(fixed("a77e", nil, &calls), Options{Model: "llama3.2", Timeout: time.Second, Metrics: m})

	id, err := ai.Choose(context.Background(), closedTab(), candidates())
	require.NoError(t, err)
	assert.Equal(t, "a77e", id)
	assert.Equal(t, int32(1), calls)
}

func TestChooseNeverPropagatesErrors(t *testing.T) {
	for name, c := range map[string]llm.Completer{
		"transport": fixed("", errors.New("connection refused"), new(int32)),
		"null":      fixed("null", nil, new(int32)),
		"unknown":   fixed("deadbeef", nil, new(int32)),
	} {
		t.Run(name, func(t *testing.T) {
			id, err := New(c, Options{Timeout: time.Second}).Choose(context.Background(), closedTab(), candidates())
			assert.NoError(t, err)
			assert.Empty(t, id)
		})
	}
}

func TestChooseTimeout(t *testing.T) {
	slow := llm.CompleterFunc(func(ctx context.Context, model, prompt string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
			return "a77e", nil
		}
	})
	ai := New(slow, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	id, err := ai.Choose(context.Background(), closedTab(), candidates())
	assert.NoError(t, err)
	assert.Empty(t, id)
	assert.Less(t, time.Since(start), time.Second)
}

func TestChooseCachesValidAnswers(t *testing.T) {
	var calls int32
	m := metrics.New()
	ai := New(fixed("9f1c", nil, &calls), Options{Timeout: time.Second, CacheSize: 4, Metrics: m})

	reversed := candidates()
	reversed[0], reversed[1] = reversed[1], reversed[0]

	for _, c := range [][]types.Session{candidates(), reversed, candidates()} {
		id, _ := ai.Choose(context.Background(), closedTab(), c)
		assert.Equal(t, "9f1c", id)
	}
	assert.Equal(t, int32(1), calls, "same tab and candidate set is answered from cache")
}

func TestCacheKeyIgnoresFragment(t *testing.T) {
	tab := closedTab()
	anchored := closedTab()
	anchored.URL += "#section-2"
	assert.Equal(t, cacheKey(tab, candidates()), cacheKey(anchored, candidates()))
}

func TestChooseDoesNotCacheRejectedAnswers(t *testing.T) {
	var calls int32
	ai := New(fixed("null", nil, &calls), Options{Timeout: time.Second, CacheSize: 4})
	ai.Choose(context.Background(), closedTab(), candidates())
	ai.Choose(context.Background(), closedTab(), candidates())
	assert.Equal(t, int32(2), calls)
	assert.Equal(t, 0, ai.cache.len())
}

func TestAnswerCacheEvictsLeastRecent(t *testing.T) {
	c := newAnswerCache(2)
	c.put("a", "1")
	c.put("b", "2")
	c.get("a")
	c.put("c", "3")

	_, ok := c.get("b")
	assert.False(t, ok)
	got, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", got)
	assert.Equal(t, 2, c.len())
}

func TestRateLimiterBoundedByTimeout(t *testing.T) {
	var calls int32
	ai := New(fixed("a77e", nil, &calls), Options{Timeout: 30 * time.Millisecond, RatePerSecond: 0.5})

	id, _ := ai.Choose(context.Background(), closedTab(), candidates())
	assert.Equal(t, "a77e", id, "first call uses the burst token")

	other := closedTab()
	other.URL = "https://go.dev/blog/context"
	id, _ = ai.Choose(context.Background(), other, candidates())
	assert.Empty(t, id, "waiting for a token past the timeout falls back")
	assert.Equal(t, int32(1), calls)
}

// A near-tie resolved by the model's pick of the second candidate, through the
// scoring engine.
func TestNearTieEndToEnd(t *testing.T) {
	var prompts []string
	completer := llm.CompleterFunc(func(ctx context.Context, model, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return "older", nil
	})
	engine := scoring.NewEngine(scoring.DefaultParams(), New(completer, Options{Timeout: time.Second}))
	engine.SetClock(func() time.Time { return now })

	sessions := []types.Session{
		{ID: "older", Title: "World news", UpdatedAt: now.Add(-30 * time.Second), CreatedAt: now.Add(-time.Hour),
			Tabs: []types.ClosedTabRecord{{URL: "https://news.example.com/1", Title: "World news today"}}, TabsCount: 1},
		{ID: "fresher", Title: "World news", UpdatedAt: now.Add(-10 * time.Second), CreatedAt: now.Add(-time.Hour),
			Tabs: []types.ClosedTabRecord{{URL: "https://news.example.com/2", Title: "World news live"}}, TabsCount: 1},
	}
	tab := types.ClosedTabRecord{ID: 3, URL: "https://news.example.com/3", Title: "World news update", ClosedAt: now}

	d := engine.Decide(context.Background(), tab, sessions)
	require.Len(t, prompts, 1)
	assert.Equal(t, "fresher", d.Ranked[0].Session.ID)
	assert.Less(t, strings.Index(prompts[0], "fresher"), strings.Index(prompts[0], "older"), "second candidate in the prompt")
	require.NotNil(t, d.Session)
	assert.Equal(t, "older", d.Session.ID)
	assert.Equal(t, scoring.ReasonTieBreak, d.Reason)
}
