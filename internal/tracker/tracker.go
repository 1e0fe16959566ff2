// Package tracker keeps the per-window table of live tabs and turns closed
// tabs into records for the assignment pipeline.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
	"github.com/Jay-Karia/wherewasi-sub000/internal/metrics"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// Sink receives each closed-tab record. It must not block.
type Sink func(rec types.ClosedTabRecord)

// Changes lists the fields an update event reports as changed. A nil field
// did not change.
type Changes struct {
	URL   *string
	Title *string
}

// Tracker owns the window -> live tabs table.
type Tracker struct {
	mu      sync.Mutex
	windows map[int][]types.Tab

	sink    Sink
	now     func() time.Time
	metrics *metrics.Metrics
}

// New creates an empty Tracker. sink may be nil, in which case records are
// dropped after logging.
func New(sink Sink, m *metrics.Metrics) *Tracker {
	return &Tracker{
		windows: make(map[int][]types.Tab),
		sink:    sink,
		now:     time.Now,
		metrics: m,
	}
}

// SetClock replaces the time source. Intended for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Replace rebuilds the whole table from the currently open tabs.
func (t *Tracker) Replace(tabs []types.Tab) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows = make(map[int][]types.Tab)
	seen := make(map[int]bool, len(tabs))
	for _, tab := range tabs {
		if seen[tab.ID] {
			continue
		}
		seen[tab.ID] = true
		t.windows[tab.WindowID] = append(t.windows[tab.WindowID], tab)
	}
	t.updateGauge()
	applog.Info("tracker.replace", "tabs", len(seen), "windows", len(t.windows))
}

// Open starts tracking tab at the end of its window's list.
func (t *Tracker) Open(tab types.Tab) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, i := t.find(tab.ID, tab.WindowID); i >= 0 {
		t.removeAt(w, i)
	}
	t.windows[tab.WindowID] = append(t.windows[tab.WindowID], tab)
	t.updateGauge()
}

// Update replaces a tracked tab in place when its url or title changed. It
// reports whether anything was replaced. Cached content is kept unless the
// url changed.
func (t *Tracker) Update(tabID, windowID int, changed Changes, tab types.Tab) bool {
	if changed.URL == nil && changed.Title == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	w, i := t.find(tabID, windowID)
	if i < 0 {
		applog.Debug("tracker.update.unknown", "tab", tabID, "window", windowID)
		return false
	}
	cur := &t.windows[w][i]
	next := *cur
	if changed.URL != nil {
		next.URL = *changed.URL
		next.Content = nil
	}
	if changed.Title != nil {
		next.Title = *changed.Title
	}
	if tab.FavIconURL != "" {
		next.FavIconURL = tab.FavIconURL
	}
	*cur = next
	return true
}

// AttachContent caches scraped page content on a live tab.
func (t *Tracker) AttachContent(tabID int, content types.TabContent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, i := t.find(tabID, 0)
	if i < 0 {
		applog.Debug("tracker.content.unknown", "tab", tabID)
		return false
	}
	t.windows[w][i].Content = &types.TabContent{Summary: content.Summary}
	return true
}

// Close stops tracking a tab and hands its record to the sink. Tabs with an
// empty or internal url are dropped without a record.
func (t *Tracker) Close(tabID, windowID int) (types.ClosedTabRecord, bool) {
	t.mu.Lock()
	w, i := t.find(tabID, windowID)
	if i < 0 {
		t.mu.Unlock()
		applog.Info("tracker.close.unknown", "tab", tabID, "window", windowID)
		return types.ClosedTabRecord{}, false
	}
	tab := t.windows[w][i]
	t.removeAt(w, i)
	t.updateGauge()
	now := t.now()
	t.mu.Unlock()

	if types.IsInternalURL(tab.URL) {
		t.metrics.ClosedTab(metrics.OutcomeDiscarded)
		applog.Debug("tracker.close.discard", "tab", tabID, "url", tab.URL)
		return types.ClosedTabRecord{}, false
	}

	rec := tab.Close(now)
	applog.Info("tracker.close", "tab", tabID, "window", w, "url", rec.URL)
	if t.sink != nil {
		t.sink(rec)
	}
	return rec, true
}

// WindowRemoved drops a window's live tabs without emitting records.
func (t *Tracker) WindowRemoved(windowID int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.windows[windowID])
	delete(t.windows, windowID)
	t.updateGauge()
	applog.Info("tracker.window.removed", "window", windowID, "tabs", n)
	return n
}

// Tabs returns a copy of one window's tabs in order.
func (t *Tracker) Tabs(windowID int) []types.Tab {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.Tab(nil), t.windows[windowID]...)
}

// Windows returns the ids of windows with live tabs, ascending.
func (t *Tracker) Windows() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.windows))
	for id := range t.windows {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of live tabs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lenLocked()
}

func (t *Tracker) lenLocked() int {
	n := 0
	for _, tabs := range t.windows {
		n += len(tabs)
	}
	return n
}

func (t *Tracker) updateGauge() {
	t.metrics.SetLiveTabs(t.lenLocked())
}

// find locates tabID, preferring windowID. A tab whose window the event got
// wrong is still found.
func (t *Tracker) find(tabID, windowID int) (int, int) {
	for i, tab := range t.windows[windowID] {
		if tab.ID == tabID {
			return windowID, i
		}
	}
	for w, tabs := range t.windows {
		if w == windowID {
			continue
		}
		for i, tab := range tabs {
			if tab.ID == tabID {
				return w, i
			}
		}
	}
	return 0, -1
}

func (t *Tracker) removeAt(windowID, i int) {
	tabs := t.windows[windowID]
	tabs = append(tabs[:i:i], tabs[i+1:]...)
	if len(tabs) == 0 {
		delete(t.windows, windowID)
		return
	}
	t.windows[windowID] = tabs
}
