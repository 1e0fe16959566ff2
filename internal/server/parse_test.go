package server

import (
	"encoding/json"
	"testing"
)

func TestParseSnapshot(t *testing.T) {
	snapshot := `{
		"type": "snapshot",
		"tabs": [
			{"id": 1, "url": "https://example.com", "title": "Example", "windowId": 1, "favIconUrl": "https://example.com/f.ico"},
			{"id": 2, "url": "https://other.com", "title": "Other", "windowId": 2}
		]
	}`

	var msg IncomingMsg
	if err := json.Unmarshal([]byte(snapshot), &msg); err != nil {
		t.Fatal(err)
	}

	tabs, err := ParseSnapshot(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(tabs) != 2 {
		t.Fatalf("got %d tabs, want 2", len(tabs))
	}
	if tabs[0].ID != 1 || tabs[0].WindowID != 1 {
		t.Errorf("tab ids = %d/%d, want 1/1", tabs[0].ID, tabs[0].WindowID)
	}
	if tabs[0].FavIconURL != "https://example.com/f.ico" {
		t.Errorf("favicon = %q", tabs[0].FavIconURL)
	}
	if tabs[1].WindowID != 2 {
		t.Errorf("second tab window = %d, want 2", tabs[1].WindowID)
	}
}

func TestParseSnapshotMalformed(t *testing.T) {
	msg := IncomingMsg{Type: "snapshot", Tabs: json.RawMessage(`{"not":"an array"}`)}
	if _, err := ParseSnapshot(msg); err == nil {
		t.Fatal("expected error for non-array tabs")
	}
}

func TestParseChanges(t *testing.T) {
	c, err := ParseChanges(json.RawMessage(`{"title":"New"}`))
	if err != nil {
		t.Fatal(err)
	}
	if c.URL != nil {
		t.Errorf("url should be unchanged, got %q", *c.URL)
	}
	if c.Title == nil || *c.Title != "New" {
		t.Errorf("title = %v, want New", c.Title)
	}

	c, err = ParseChanges(nil)
	if err != nil || c.URL != nil || c.Title != nil {
		t.Errorf("empty changes: %+v, %v", c, err)
	}
}

func TestParseContent(t *testing.T) {
	raw := `{"action":"cacheTabContent","tabId":7,"data":{"summary":"A page about Go."}}`
	var msg IncomingMsg
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Kind() != "cacheTabContent" {
		t.Errorf("kind = %q", msg.Kind())
	}
	content, err := ParseContent(msg)
	if err != nil {
		t.Fatal(err)
	}
	if content.Summary != "A page about Go." {
		t.Errorf("summary = %q", content.Summary)
	}

	if _, err := ParseContent(IncomingMsg{Action: "cacheTabContent"}); err == nil {
		t.Error("expected error without data")
	}
}
