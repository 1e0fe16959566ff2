package server

import (
	"encoding/json"
	"fmt"

	"github.com/Jay-Karia/wherewasi-sub000/internal/tracker"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

type wireTab struct {
	ID         int    `json:"id"`
	WindowID   int    `json:"windowId"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	FavIconURL string `json:"favIconUrl"`
}

func (wt wireTab) tab() types.Tab {
	return types.Tab{
		ID:         wt.ID,
		WindowID:   wt.WindowID,
		URL:        wt.URL,
		Title:      wt.Title,
		FavIconURL: wt.FavIconURL,
	}
}

// ParseSnapshot converts a "snapshot" frame into the list of open tabs.
func ParseSnapshot(msg IncomingMsg) ([]types.Tab, error) {
	var tabs []wireTab
	if err := json.Unmarshal(msg.Tabs, &tabs); err != nil {
		return nil, fmt.Errorf("parse tabs: %w", err)
	}
	out := make([]types.Tab, 0, len(tabs))
	for _, wt := range tabs {
		out = append(out, wt.tab())
	}
	return out, nil
}

// ParseTab converts a raw JSON tab into a Tab.
func ParseTab(raw json.RawMessage) (types.Tab, error) {
	var wt wireTab
	if err := json.Unmarshal(raw, &wt); err != nil {
		return types.Tab{}, fmt.Errorf("parse tab: %w", err)
	}
	return wt.tab(), nil
}

// ParseChanges reads the changed fields of a "tab.updated" frame. Fields
// absent from the object did not change.
func ParseChanges(raw json.RawMessage) (tracker.Changes, error) {
	var c struct {
		URL   *string `json:"url"`
		Title *string `json:"title"`
	}
	if len(raw) == 0 {
		return tracker.Changes{}, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return tracker.Changes{}, fmt.Errorf("parse changes: %w", err)
	}
	return tracker.Changes{URL: c.URL, Title: c.Title}, nil
}

// ParseContent reads the data of a "cacheTabContent" frame.
func ParseContent(msg IncomingMsg) (types.TabContent, error) {
	var content types.TabContent
	if err := json.Unmarshal(msg.Data, &content); err != nil {
		return types.TabContent{}, fmt.Errorf("parse content: %w", err)
	}
	return content, nil
}
