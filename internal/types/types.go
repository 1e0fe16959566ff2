package types

import (
	"net/url"
	"strings"
	"time"
)

// Tab represents a live browser tab.
type Tab struct {
	ID         int
	WindowID   int
	URL        string
	Title      string
	FavIconURL string
	Content    *TabContent // cached page content; nil until the extension scrapes it
}

// TabContent is the scraped content attached to a tab before it closes.
type TabContent struct {
	Summary string `json:"summary"`
}

// ClosedTabRecord is the immutable record of a tab at the moment it closed.
type ClosedTabRecord struct {
	ID         int         `json:"id"`
	URL        string      `json:"url"`
	Title      string      `json:"title"`
	FavIconURL string      `json:"favIconUrl"`
	ClosedAt   time.Time   `json:"closedAt"`
	Content    *TabContent `json:"content,omitempty"`
}

// Summary returns the scraped summary, or "" when none was cached.
func (r ClosedTabRecord) Summary() string {
	if r.Content == nil {
		return ""
	}
	return r.Content.Summary
}

// Hostname returns the lowercase hostname of the record's URL, or "" if
// the URL has none or cannot be parsed.
func (r ClosedTabRecord) Hostname() string {
	return Hostname(r.URL)
}

// Close converts a live tab into a closed-tab record stamped with at.
func (t Tab) Close(at time.Time) ClosedTabRecord {
	rec := ClosedTabRecord{
		ID:         t.ID,
		URL:        t.URL,
		Title:      t.Title,
		FavIconURL: t.FavIconURL,
		ClosedAt:   at,
	}
	if t.Content != nil {
		rec.Content = &TabContent{Summary: t.Content.Summary}
	}
	return rec
}

// Session is a named cluster of topically related closed tabs.
type Session struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Summary   string            `json:"summary"`
	Tabs      []ClosedTabRecord `json:"tabs"`
	TabsCount int               `json:"tabsCount"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Clone returns a copy of s that shares no slices or pointers with it.
func (s Session) Clone() Session {
	out := s
	out.Tabs = make([]ClosedTabRecord, len(s.Tabs))
	for i, t := range s.Tabs {
		if t.Content != nil {
			t.Content = &TabContent{Summary: t.Content.Summary}
		}
		out.Tabs[i] = t
	}
	return out
}

// Check reports the first broken invariant of s, or nil.
func (s Session) Check() error {
	if s.ID == "" {
		return &IntegrityViolation{Invariant: "id must not be empty"}
	}
	if s.TabsCount != len(s.Tabs) {
		return &IntegrityViolation{SessionID: s.ID, Invariant: "tabsCount == len(tabs)"}
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		return &IntegrityViolation{SessionID: s.ID, Invariant: "updatedAt >= createdAt"}
	}
	return nil
}

// Repair fills missing fields with safe defaults and restores the derived
// invariants. It never changes the id.
func (s *Session) Repair() {
	if s.Tabs == nil {
		s.Tabs = []ClosedTabRecord{}
	}
	s.TabsCount = len(s.Tabs)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		s.UpdatedAt = s.CreatedAt
	}
}

// Profile represents a Firefox profile.
type Profile struct {
	Name       string
	Path       string // absolute path to profile directory
	IsDefault  bool
	IsRelative bool
}

var internalSchemes = map[string]bool{
	"about":            true,
	"chrome":           true,
	"chrome-extension": true,
	"moz-extension":    true,
	"edge":             true,
	"brave":            true,
	"opera":            true,
	"vivaldi":          true,
	"devtools":         true,
	"view-source":      true,
	"resource":         true,
	"file":             true,
	"data":             true,
	"javascript":       true,
}

// IsInternalURL reports whether rawURL is empty or uses a browser-internal or
// extension scheme. Such tabs are never recorded.
func IsInternalURL(rawURL string) bool {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return true
	}
	i := strings.Index(rawURL, ":")
	if i <= 0 {
		return false
	}
	return internalSchemes[strings.ToLower(rawURL[:i])]
}

// Hostname returns the lowercase hostname of rawURL, or "" on parse failure.
func Hostname(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
