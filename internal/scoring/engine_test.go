package scoring

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jay-Karia/wherewasi-sub000/internal/keywords"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubBreaker struct {
	calls      int
	candidates []types.Session
	choose     func([]types.Session) (string, error)
}

func (b *stubBreaker) Choose(_ context.Context, _ types.ClosedTabRecord, candidates []types.Session) (string, error) {
	b.calls++
	b.candidates = candidates
	return b.choose(candidates)
}

func newEngine(b TieBreaker) *Engine {
	e := NewEngine(DefaultParams(), b)
	e.SetClock(func() time.Time { return now })
	return e
}

func session(id string, updated time.Time, tabs ...types.ClosedTabRecord) types.Session {
	return types.Session{ID: id, Title: id, Tabs: tabs, TabsCount: len(tabs), CreatedAt: updated, UpdatedAt: updated}
}

func tab(url, title string) types.ClosedTabRecord {
	return types.ClosedTabRecord{URL: url, Title: title, ClosedAt: now}
}

func TestTimeScore(t *testing.T) {
	assert.Equal(t, 1.0, TimeScore(now, now))
	assert.Equal(t, 1.0, TimeScore(now.Add(time.Hour), now), "future counts as age zero")

	prev := 1.0
	for _, age := range []time.Duration{time.Second, time.Minute, time.Hour, 24 * time.Hour, 365 * 24 * time.Hour} {
		s := TimeScore(now.Add(-age), now)
		assert.Less(t, s, prev, "age %v", age)
		assert.Greater(t, s, 0.0)
		prev = s
	}
	assert.InDelta(t, 1/(1+math.Log(61)), TimeScore(now.Add(-time.Hour), now), 1e-12)
}

func TestDomainScore(t *testing.T) {
	s := session("s", now, tab("https://example.com/a", "A"), tab("not a url ::", "B"))
	assert.Equal(t, 1.0, DomainScore(tab("https://EXAMPLE.com/other", ""), s))
	assert.Equal(t, 0.0, DomainScore(tab("https://other.com", ""), s))
	assert.Equal(t, 0.0, DomainScore(tab("", ""), s), "empty url never matches")
	assert.Equal(t, 0.0, DomainScore(tab("%%bad", ""), session("t", now, tab("%%bad", ""))))
}

func TestKeywordScore(t *testing.T) {
	s := session("s", now, tab("", "Go generics"), tab("", "Go modules"))
	got := KeywordScore(keywords.Extract("go generics", ""), s)
	assert.InDelta(t, 2.0/3.0, got, 1e-12)
}

func TestSelectSessionEmpty(t *testing.T) {
	e := newEngine(nil)
	assert.Nil(t, e.SelectSession(context.Background(), tab("https://x.com", "x"), nil))
}

func TestDomainDominance(t *testing.T) {
	e := newEngine(nil)
	updated := now.Add(-10 * time.Minute)
	match := session("match", updated, tab("https://docs.example.com/a", "alpha"))
	other := session("other", updated, tab("https://elsewhere.org/b", "beta"))

	ranked := e.Rank(tab("https://docs.example.com/z", "zeta"), []types.Session{other, match})
	require.Len(t, ranked, 2)
	assert.Equal(t, "match", ranked[0].Session.ID)
	assert.Equal(t, 0.0, ranked[0].Keyword)
	assert.Equal(t, 0.0, ranked[1].Keyword)
	assert.Equal(t, ranked[0].Time, ranked[1].Time)
	assert.Greater(t, ranked[0].Total, ranked[1].Total)
}

func TestNoMatchFloor(t *testing.T) {
	e := newEngine(&stubBreaker{choose: func([]types.Session) (string, error) {
		t.Fatal("tie-breaker must not be called below the floor")
		return "", nil
	}})
	sessions := []types.Session{
		session("a", now.Add(-time.Minute), tab("https://example.com", "cooking recipes")),
		session("b", now.Add(-3*time.Hour), tab("https://other.com", "travel deals")),
	}
	empty := types.ClosedTabRecord{}

	d := e.Decide(context.Background(), empty, sessions)
	assert.Less(t, d.Ranked[0].Total, 0.2)
	assert.Nil(t, d.Session)
	assert.Equal(t, ReasonBelowFloor, d.Reason)
}

func TestStableRankingOnEqualScores(t *testing.T) {
	e := newEngine(nil)
	updated := now.Add(-time.Hour)
	sessions := []types.Session{
		session("first", updated, tab("https://a.com", "x")),
		session("second", updated, tab("https://b.com", "y")),
		session("third", updated, tab("https://c.com", "z")),
	}
	ranked := e.Rank(tab("https://d.com", "w"), sessions)
	ids := []string{ranked[0].Session.ID, ranked[1].Session.ID, ranked[2].Session.ID}
	assert.Equal(t, []string{"first", "second", "third"}, ids)
}

func tiedSessions() []types.Session {
	return []types.Session{
		session("a", now.Add(-30*time.Second), tab("https://news.example.com/1", "World news today")),
		session("b", now.Add(-10*time.Second), tab("https://news.example.com/2", "World news live")),
	}
}

func TestRecencyAndDomainWinWithoutAI(t *testing.T) {
	b := &stubBreaker{choose: func(c []types.Session) (string, error) { return c[0].ID, nil }}
	e := newEngine(b)
	a := session("A", now, tab("https://example.com/generics", "Go generics tutorial"))
	other := session("B", now.Add(-2*time.Hour), tab("https://other.com/x", "Cooking pasta"))

	got := e.SelectSession(context.Background(), tab("https://example.com/examples", "Go generics examples"), []types.Session{other, a})
	require.NotNil(t, got)
	assert.Equal(t, "A", got.ID)
	assert.Equal(t, 0, b.calls, "clear winner must not call the tie-breaker")
}

func TestNearTieUsesTieBreaker(t *testing.T) {
	b := &stubBreaker{choose: func(c []types.Session) (string, error) { return c[1].ID, nil }}
	e := newEngine(b)

	d := e.Decide(context.Background(), tab("https://news.example.com/3", "World news update"), tiedSessions())
	require.Equal(t, 1, b.calls)
	require.Len(t, b.candidates, 2)
	require.NotNil(t, d.Session)
	assert.Equal(t, ReasonTieBreak, d.Reason)
	assert.Equal(t, b.candidates[1].ID, d.Session.ID)
	assert.NotEqual(t, d.Ranked[0].Session.ID, d.Session.ID, "AI choice overrides the top score")
}

func TestTieBreakFallbackIsDeterministic(t *testing.T) {
	b := &stubBreaker{choose: func([]types.Session) (string, error) {
		return "", context.DeadlineExceeded
	}}
	e := newEngine(b)
	closed := tab("https://news.example.com/3", "World news update")

	first := e.SelectSession(context.Background(), closed, tiedSessions())
	require.NotNil(t, first)
	for i := 0; i < 5; i++ {
		got := e.SelectSession(context.Background(), closed, tiedSessions())
		require.NotNil(t, got)
		assert.Equal(t, first.ID, got.ID)
	}
	assert.Equal(t, "b", first.ID, "fresher session ranks first")
	assert.Equal(t, 6, b.calls)
}

func TestHallucinatedIDFallsBack(t *testing.T) {
	for name, answer := range map[string]func([]types.Session) (string, error){
		"unknown id": func([]types.Session) (string, error) { return "session-that-does-not-exist", nil },
		"no choice":  func([]types.Session) (string, error) { return "", nil },
		"error":      func([]types.Session) (string, error) { return "", errors.New("connection refused") },
	} {
		t.Run(name, func(t *testing.T) {
			e := newEngine(&stubBreaker{choose: answer})
			d := e.Decide(context.Background(), tab("https://news.example.com/3", "World news update"), tiedSessions())
			require.NotNil(t, d.Session)
			assert.Equal(t, ReasonFallback, d.Reason)
			assert.Equal(t, d.Ranked[0].Session.ID, d.Session.ID)
		})
	}
}

func TestCustomThresholds(t *testing.T) {
	p := DefaultParams()
	p.NearTieRatio = 0.99
	b := &stubBreaker{choose: func(c []types.Session) (string, error) { return c[1].ID, nil }}
	e := NewEngine(p, b)
	e.SetClock(func() time.Time { return now })

	d := e.Decide(context.Background(), tab("https://news.example.com/3", "World news update"), tiedSessions())
	assert.Equal(t, ReasonClearWin, d.Reason, "narrow window leaves one candidate")
	assert.Equal(t, 0, b.calls)
}
