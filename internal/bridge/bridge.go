// Package bridge routes extension frames to the tab tracker.
package bridge

import (
	"context"
	"fmt"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
	"github.com/Jay-Karia/wherewasi-sub000/internal/server"
	"github.com/Jay-Karia/wherewasi-sub000/internal/tracker"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// Frame kinds sent by the extension.
const (
	KindSnapshot      = "snapshot"
	KindTabCreated    = "tab.created"
	KindTabUpdated    = "tab.updated"
	KindTabRemoved    = "tab.removed"
	KindWindowRemoved = "window.removed"
	KindCacheContent  = "cacheTabContent"
)

// Run dispatches frames from msgs in arrival order until ctx is done or msgs
// is closed. Malformed frames are logged and skipped.
func Run(ctx context.Context, msgs <-chan server.IncomingMsg, t *tracker.Tracker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := Dispatch(t, msg); err != nil {
				applog.Error("bridge.dispatch", err, "kind", msg.Kind())
			}
		}
	}
}

// Dispatch applies a single frame to t.
func Dispatch(t *tracker.Tracker, msg server.IncomingMsg) error {
	switch msg.Kind() {
	case KindSnapshot:
		tabs, err := server.ParseSnapshot(msg)
		if err != nil {
			return err
		}
		t.Replace(tabs)

	case KindTabCreated:
		tab, err := server.ParseTab(msg.Tab)
		if err != nil {
			return err
		}
		t.Open(tab)

	case KindTabUpdated:
		changed, err := server.ParseChanges(msg.Changed)
		if err != nil {
			return err
		}
		var tab types.Tab
		if len(msg.Tab) > 0 {
			if tab, err = server.ParseTab(msg.Tab); err != nil {
				return err
			}
		}
		id, window := msg.TabID, msg.WindowID
		if id == 0 {
			id = tab.ID
		}
		if window == 0 {
			window = tab.WindowID
		}
		t.Update(id, window, changed, tab)

	case KindTabRemoved:
		t.Close(msg.TabID, msg.WindowID)

	case KindWindowRemoved:
		t.WindowRemoved(msg.WindowID)

	case KindCacheContent:
		content, err := server.ParseContent(msg)
		if err != nil {
			return err
		}
		t.AttachContent(msg.TabID, content)

	default:
		return fmt.Errorf("unknown frame %q", msg.Kind())
	}
	return nil
}
