package firefox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

var mozLz4Magic = []byte("mozLz40\x00")

// ErrNoSessionFile is returned when a profile has neither a recovery nor a
// previous session file.
var ErrNoSessionFile = errors.New("no session file found")

// DecompressMozLz4 decompresses data in Mozilla's mozlz4 format:
// 8-byte magic "mozLz40\x00", 4-byte LE uncompressed size, lz4 block.
func DecompressMozLz4(data []byte) ([]byte, error) {
	const headerSize = 12

	if len(data) < headerSize {
		return nil, fmt.Errorf("mozlz4: data too short (%d bytes)", len(data))
	}
	for i := range mozLz4Magic {
		if data[i] != mozLz4Magic[i] {
			return nil, fmt.Errorf("mozlz4: invalid header magic")
		}
	}

	size := binary.LittleEndian.Uint32(data[8:12])
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data[headerSize:], dst)
	if err != nil {
		return nil, fmt.Errorf("mozlz4: decompress failed: %w", err)
	}
	return dst[:n], nil
}

type rawEntry struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type rawTab struct {
	Entries      []rawEntry `json:"entries"`
	Index        int        `json:"index"`
	LastAccessed int64      `json:"lastAccessed"`
	Image        string     `json:"image"`
}

type rawClosedTab struct {
	State    rawTab `json:"state"`
	ClosedAt int64  `json:"closedAt"`
}

type rawWindow struct {
	Tabs       []rawTab       `json:"tabs"`
	ClosedTabs []rawClosedTab `json:"_closedTabs"`
}

type rawSession struct {
	Windows []rawWindow `json:"windows"`
}

// Snapshot is the set of tabs recovered from a Firefox session file.
type Snapshot struct {
	// Tabs are the open tabs. IDs and window IDs are negative so they never
	// collide with ids assigned by a running browser.
	Tabs []types.Tab
	// Closed are the window-level recently closed tabs, oldest first.
	Closed   []types.ClosedTabRecord
	ParsedAt time.Time
}

// ParseSession parses decompressed session JSON.
func ParseSession(data []byte) (*Snapshot, error) {
	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse session JSON: %w", err)
	}

	snap := &Snapshot{ParsedAt: time.Now()}
	nextID := -1
	for winIdx, window := range raw.Windows {
		windowID := -(winIdx + 1)
		for _, rt := range window.Tabs {
			entry, ok := currentEntry(rt)
			if !ok {
				continue
			}
			snap.Tabs = append(snap.Tabs, types.Tab{
				ID:         nextID,
				WindowID:   windowID,
				URL:        entry.URL,
				Title:      entry.Title,
				FavIconURL: rt.Image,
			})
			nextID--
		}
		for _, ct := range window.ClosedTabs {
			entry, ok := currentEntry(ct.State)
			if !ok || types.IsInternalURL(entry.URL) {
				continue
			}
			snap.Closed = append(snap.Closed, types.ClosedTabRecord{
				ID:         nextID,
				URL:        entry.URL,
				Title:      entry.Title,
				FavIconURL: ct.State.Image,
				ClosedAt:   time.UnixMilli(ct.ClosedAt).UTC(),
			})
			nextID--
		}
	}

	sortClosed(snap.Closed)
	return snap, nil
}

// currentEntry returns the page a tab is showing. index is 1-based.
func currentEntry(rt rawTab) (rawEntry, bool) {
	if len(rt.Entries) == 0 {
		return rawEntry{}, false
	}
	i := rt.Index - 1
	if i < 0 || i >= len(rt.Entries) {
		i = len(rt.Entries) - 1
	}
	return rt.Entries[i], true
}

func sortClosed(recs []types.ClosedTabRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].ClosedAt.Before(recs[j].ClosedAt)
	})
}

// ReadSessionFile reads the session of a profile directory, preferring
// recovery.jsonlz4 (running browser) over previous.jsonlz4.
func ReadSessionFile(profileDir string) (*Snapshot, error) {
	backupDir := filepath.Join(profileDir, "sessionstore-backups")
	var data []byte
	var err error
	for _, name := range sessionFiles {
		data, err = os.ReadFile(filepath.Join(backupDir, name))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w in %s", ErrNoSessionFile, backupDir)
	}

	decompressed, err := DecompressMozLz4(data)
	if err != nil {
		return nil, fmt.Errorf("decompress session file: %w", err)
	}
	return ParseSession(decompressed)
}
