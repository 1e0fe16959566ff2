// Package summarize generates titles and summaries for sessions.
package summarize

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
	"github.com/Jay-Karia/wherewasi-sub000/internal/llm"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// Sessions is the part of the session store the refresher writes to.
type Sessions interface {
	Get(ctx context.Context, id string) (types.Session, error)
	UpdateTitle(ctx context.Context, id, title string) error
	UpdateSummary(ctx context.Context, id, summary string) error
}

// Config configures a Refresher.
type Config struct {
	Model   string
	Timeout time.Duration // per completion call
	Fetcher *Fetcher      // nil disables page fetching
	// MaxFetch bounds pages fetched per refresh.
	MaxFetch int
}

// Refresher keeps session titles and summaries current. Requests are queued
// and coalesced by session id.
type Refresher struct {
	completer llm.Completer
	sessions  Sessions
	cfg       Config

	mu      sync.Mutex
	pending map[string]bool
	queue   chan string
}

const queueSize = 64

var errNoCompleter = errors.New("no completion service configured")

// NewRefresher creates a Refresher.
func NewRefresher(c llm.Completer, sessions Sessions, cfg Config) *Refresher {
	if cfg.MaxFetch <= 0 {
		cfg.MaxFetch = 3
	}
	return &Refresher{
		completer: c,
		sessions:  sessions,
		cfg:       cfg,
		pending:   make(map[string]bool),
		queue:     make(chan string, queueSize),
	}
}

// Enqueue schedules a refresh of id. It never blocks; a session already
// waiting is not queued twice, and a full queue drops the request.
func (r *Refresher) Enqueue(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[id] {
		return true
	}
	select {
	case r.queue <- id:
		r.pending[id] = true
		return true
	default:
		applog.Warn("summarize.queue.full", "session", id)
		return false
	}
}

// Run processes queued refreshes until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-r.queue:
			r.mu.Lock()
			delete(r.pending, id)
			r.mu.Unlock()
			if err := r.Refresh(ctx, id); err != nil {
				applog.Error("summarize.refresh", err, "session", id)
			}
		}
	}
}

// Refresh regenerates one session's title and summary. A failed title
// completion falls back to HeuristicTitle; a failed summary completion
// leaves the summary unchanged.
func (r *Refresher) Refresh(ctx context.Context, id string) error {
	sess, err := r.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	extra := r.fetchMissing(ctx, sess)

	title, err := r.complete(ctx, TitlePrompt(sess, extra))
	if t, ok := ParseTitle(title); err == nil && ok {
		title = t
	} else {
		if err != nil {
			applog.Error("summarize.title", err, "session", id)
		}
		title = HeuristicTitle(sess)
	}
	if title != sess.Title {
		if err := r.sessions.UpdateTitle(ctx, id, title); err != nil {
			return err
		}
	}

	summary, err := r.complete(ctx, SummaryPrompt(sess, extra))
	if err != nil {
		applog.Error("summarize.summary", err, "session", id)
		return nil
	}
	if s, ok := ParseSummary(summary); ok && s != sess.Summary {
		if err := r.sessions.UpdateSummary(ctx, id, s); err != nil {
			return err
		}
	}
	applog.Info("summarize.refreshed", "session", id, "title", title)
	return nil
}

func (r *Refresher) complete(ctx context.Context, prompt string) (string, error) {
	if r.completer == nil {
		return "", errNoCompleter
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	return r.completer.Complete(ctx, r.cfg.Model, prompt)
}

// fetchMissing fetches readable text for the most recent tabs that have no
// cached summary, keyed by their index in the prompt's tab window.
func (r *Refresher) fetchMissing(ctx context.Context, sess types.Session) map[int]string {
	if r.cfg.Fetcher == nil {
		return nil
	}
	tabs := sess.Tabs
	if len(tabs) > maxPromptTabs {
		tabs = tabs[len(tabs)-maxPromptTabs:]
	}
	out := make(map[int]string)
	fetched := 0
	for i := len(tabs) - 1; i >= 0 && fetched < r.cfg.MaxFetch; i-- {
		if tabs[i].Summary() != "" || types.IsInternalURL(tabs[i].URL) {
			continue
		}
		fetched++
		_, text, err := r.cfg.Fetcher.FetchReadable(ctx, tabs[i].URL)
		if err != nil {
			applog.Debug("summarize.fetch", "url", tabs[i].URL, "err", err.Error())
			continue
		}
		out[i] = text
	}
	return out
}
