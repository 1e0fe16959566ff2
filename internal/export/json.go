package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// JSON formats sessions as a pretty-printed JSON array, field for field.
func JSON(sessions []types.Session) (string, error) {
	if sessions == nil {
		sessions = []types.Session{}
	}
	b, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}

// ParseSessions decodes an array of session-shaped objects. Entries whose id
// is missing, not a string or empty are rejected individually and reported
// in invalid; missing or mistyped fields are defaulted. The error is non-nil
// only when data is not a JSON array.
func ParseSessions(data []byte) (sessions []types.Session, invalid []error, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &raw); err != nil {
		return nil, nil, fmt.Errorf("import must be a JSON array of sessions: %w", err)
	}

	for i, r := range raw {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(r, &obj); err != nil {
			invalid = append(invalid, &types.ValidationError{Index: i, Field: "session", Reason: "not an object"})
			continue
		}
		id, ok := stringField(obj, "id")
		if !ok || strings.TrimSpace(id) == "" {
			invalid = append(invalid, &types.ValidationError{Index: i, Field: "id", Reason: "missing, empty or not a string"})
			continue
		}

		s := types.Session{ID: id}
		s.Title, _ = stringField(obj, "title")
		s.Summary, _ = stringField(obj, "summary")
		s.CreatedAt = timeField(obj, "createdAt")
		s.UpdatedAt = timeField(obj, "updatedAt")
		s.Tabs = tabsField(obj["tabs"])
		s.Repair()
		sessions = append(sessions, s)
	}
	return sessions, invalid, nil
}

func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	r, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r, &s); err != nil {
		return "", false
	}
	return s, true
}

// timeField accepts RFC 3339 strings and Unix epoch milliseconds.
func timeField(obj map[string]json.RawMessage, key string) time.Time {
	r, ok := obj[key]
	if !ok {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		return time.Time{}
	}
	var ms float64
	if err := json.Unmarshal(r, &ms); err == nil {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Time{}
}

func tabsField(r json.RawMessage) []types.ClosedTabRecord {
	var raw []map[string]json.RawMessage
	if len(r) == 0 || json.Unmarshal(r, &raw) != nil {
		return []types.ClosedTabRecord{}
	}
	tabs := make([]types.ClosedTabRecord, 0, len(raw))
	for _, obj := range raw {
		var t types.ClosedTabRecord
		if v, ok := obj["id"]; ok {
			var id float64
			if json.Unmarshal(v, &id) == nil {
				t.ID = int(id)
			}
		}
		t.URL, _ = stringField(obj, "url")
		t.Title, _ = stringField(obj, "title")
		t.FavIconURL, _ = stringField(obj, "favIconUrl")
		t.ClosedAt = timeField(obj, "closedAt")
		if c, ok := obj["content"]; ok {
			var content map[string]json.RawMessage
			if json.Unmarshal(c, &content) == nil {
				if summary, ok := stringField(content, "summary"); ok {
					t.Content = &types.TabContent{Summary: summary}
				}
			}
		}
		tabs = append(tabs, t)
	}
	return tabs
}
