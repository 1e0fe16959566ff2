// Package tiebreak asks the completion service to pick between near-tied
// sessions.
package tiebreak

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
	"github.com/Jay-Karia/wherewasi-sub000/internal/llm"
	"github.com/Jay-Karia/wherewasi-sub000/internal/metrics"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// Options configures an AI tie-breaker.
type Options struct {
	Model         string
	Timeout       time.Duration
	RatePerSecond float64 // <= 0 disables the limiter
	CacheSize     int     // <= 0 disables the cache
	Metrics       *metrics.Metrics
}

// AI is a scoring.TieBreaker backed by a text-completion service. Every
// failure becomes "no choice"; Choose never returns an error.
type AI struct {
	completer llm.Completer
	model     string
	timeout   time.Duration
	limiter   *rate.Limiter
	cache     *answerCache
	metrics   *metrics.Metrics
}

// New creates an AI tie-breaker.
func New(c llm.Completer, opts Options) *AI {
	ai := &AI{
		completer: c,
		model:     opts.Model,
		timeout:   opts.Timeout,
		cache:     newAnswerCache(opts.CacheSize),
		metrics:   opts.Metrics,
	}
	if opts.RatePerSecond > 0 {
		burst := int(opts.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		ai.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return ai
}

// Choose returns the id of the candidate the model picked, or "" when the
// model declined, answered with an unknown id, failed or timed out.
func (a *AI) Choose(ctx context.Context, tab types.ClosedTabRecord, candidates []types.Session) (string, error) {
	key := cacheKey(tab, candidates)
	if id, ok := a.cache.get(key); ok {
		a.metrics.TieBreak(metrics.TieBreakCached, 0)
		applog.Debug("tiebreak.cached", "tab", tab.ID, "session", id)
		return id, nil
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := a.complete(ctx, BuildPrompt(tab, candidates))
	elapsed := time.Since(start).Seconds()
	if err != nil {
		a.metrics.TieBreak(metrics.TieBreakError, elapsed)
		applog.Error("tiebreak.fallback", err, "tab", tab.ID, "candidates", len(candidates))
		return "", nil
	}

	id, ok := ParseChoice(resp, candidates)
	if !ok {
		a.metrics.TieBreak(metrics.TieBreakNoChoice, elapsed)
		applog.Info("tiebreak.no_choice", "tab", tab.ID, "answer", resp)
		return "", nil
	}

	a.cache.put(key, id)
	a.metrics.TieBreak(metrics.TieBreakChosen, elapsed)
	applog.Info("tiebreak.chosen", "tab", tab.ID, "session", id, "candidates", len(candidates))
	return id, nil
}

func (a *AI) complete(ctx context.Context, prompt string) (string, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", &types.TransientError{Op: "tiebreak rate limit", Err: err}
		}
	}
	return a.completer.Complete(ctx, a.model, prompt)
}
