package scoring

import (
	"context"
	"sort"
	"time"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
	"github.com/Jay-Karia/wherewasi-sub000/internal/keywords"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// TieBreaker picks one session among near-tied candidates. It returns the
// chosen id, or "" when it has no answer.
type TieBreaker interface {
	Choose(ctx context.Context, tab types.ClosedTabRecord, candidates []types.Session) (string, error)
}

// Reason explains how a Decision was reached.
type Reason string

const (
	ReasonNoSessions Reason = "no_sessions"
	ReasonBelowFloor Reason = "below_floor"
	ReasonClearWin   Reason = "clear_winner"
	ReasonTieBreak   Reason = "tiebreak"
	ReasonFallback   Reason = "fallback"
)

// Decision is the outcome of one selection. Session is nil when a new
// session should be created.
type Decision struct {
	Session    *types.Session
	Reason     Reason
	Ranked     []Score
	Candidates int
}

// Engine ranks sessions for a closed tab and applies the near-tie policy.
type Engine struct {
	params  Params
	breaker TieBreaker
	now     func() time.Time
}

// NewEngine creates an Engine. breaker may be nil, in which case near-ties
// always resolve to the top-ranked session.
func NewEngine(params Params, breaker TieBreaker) *Engine {
	return &Engine{params: params, breaker: breaker, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Rank scores every session and sorts them by total, descending. Equal
// totals keep their input order.
func (e *Engine) Rank(tab types.ClosedTabRecord, sessions []types.Session) []Score {
	now := e.now()
	tabKeys := keywords.FromRecord(tab)
	ranked := make([]Score, len(sessions))
	for i, s := range sessions {
		ranked[i] = e.params.score(tab, tabKeys, s, now)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Total > ranked[j].Total
	})
	return ranked
}

// SelectSession returns the session tab should join, or nil when a new
// session should be created.
func (e *Engine) SelectSession(ctx context.Context, tab types.ClosedTabRecord, sessions []types.Session) *types.Session {
	return e.Decide(ctx, tab, sessions).Session
}

// Decide is SelectSession with the ranking and reason attached.
func (e *Engine) Decide(ctx context.Context, tab types.ClosedTabRecord, sessions []types.Session) Decision {
	if len(sessions) == 0 {
		return Decision{Reason: ReasonNoSessions}
	}

	ranked := e.Rank(tab, sessions)
	top := ranked[0]
	if top.Total < e.params.MinScore {
		return Decision{Reason: ReasonBelowFloor, Ranked: ranked}
	}

	threshold := e.params.NearTieRatio * top.Total
	var candidates []types.Session
	for _, sc := range ranked {
		if sc.Total >= threshold {
			candidates = append(candidates, sc.Session)
		}
	}

	if len(candidates) == 1 {
		return Decision{Session: sessionPtr(top.Session), Reason: ReasonClearWin, Ranked: ranked, Candidates: 1}
	}

	fallback := Decision{Session: sessionPtr(top.Session), Reason: ReasonFallback, Ranked: ranked, Candidates: len(candidates)}
	if e.breaker == nil {
		return fallback
	}

	id, err := e.breaker.Choose(ctx, tab, candidates)
	if err != nil {
		applog.Error("engine.tiebreak", err, "tab", tab.ID, "candidates", len(candidates))
		return fallback
	}
	for _, c := range candidates {
		if c.ID == id && id != "" {
			return Decision{Session: sessionPtr(c), Reason: ReasonTieBreak, Ranked: ranked, Candidates: len(candidates)}
		}
	}
	if id != "" {
		applog.Warn("engine.tiebreak.rejected", "tab", tab.ID, "answer", id)
	}
	return fallback
}

func sessionPtr(s types.Session) *types.Session {
	return &s
}
