package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/Jay-Karia/wherewasi-sub000/internal/metrics"
)

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestServerAcceptsConnection(t *testing.T) {
	srv := New(0, Options{}) // port 0 = pick any free port
	msgs := srv.Messages()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts.URL+"/ws")
	defer conn.CloseNow()

	data, _ := json.Marshal(IncomingMsg{Type: "tab.removed", TabID: 4, WindowID: 1})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Malformed frames are skipped without closing the connection.
	if err := conn.Write(ctx, websocket.MessageText, []byte("{oops")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, _ = json.Marshal(IncomingMsg{Action: "cacheTabContent", TabID: 4})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, want := range []string{"tab.removed", "cacheTabContent"} {
		select {
		case msg := <-msgs:
			if msg.Kind() != want {
				t.Errorf("got kind %q, want %q", msg.Kind(), want)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestServerSendsNotification(t *testing.T) {
	srv := New(0, Options{})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.Send(OutgoingMsg{Action: ActionStorageChanged}); err != nil {
		t.Fatalf("send without connection should be a no-op: %v", err)
	}

	conn := dial(t, ctx, ts.URL)
	defer conn.CloseNow()

	// Give server a moment to register the connection
	deadline := time.Now().Add(time.Second)
	for !srv.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	created := true
	if err := srv.Send(OutgoingMsg{Action: ActionSessionAssigned, SessionID: "s1", TabID: 42, Created: &created}); err != nil {
		t.Fatalf("send: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["action"] != ActionSessionAssigned || got["sessionId"] != "s1" || got["created"] != true {
		t.Errorf("got %v", got)
	}
	if _, ok := got["keys"]; ok {
		t.Errorf("empty keys should be omitted: %v", got)
	}
}

func TestServerMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.SetSessions(3)
	srv := New(0, Options{Metrics: m.Handler()})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "wherewasi_sessions 3") {
		t.Errorf("metrics output missing gauge:\n%s", body)
	}
}

func TestServerKeepsFramesWhenConsumerLags(t *testing.T) {
	srv := New(0, Options{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, ts.URL+"/ws")
	defer conn.CloseNow()

	// More frames than the channel holds, with nobody reading yet.
	const n = 100
	for i := 1; i <= n; i++ {
		data, _ := json.Marshal(IncomingMsg{Type: "tab.removed", TabID: i, WindowID: 1})
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for i := 1; i <= n; i++ {
		select {
		case msg := <-srv.Messages():
			if msg.TabID != i {
				t.Fatalf("frame %d: got tab %d", i, msg.TabID)
			}
		case <-ctx.Done():
			t.Fatalf("timed out after %d frames", i-1)
		}
	}
}

func TestServerChecksOrigin(t *testing.T) {
	srv := New(0, Options{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {"https://evil.example"}},
	})
	if err == nil {
		t.Fatal("web page origin should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {"moz-extension://6c1f5e2a-0b7d-4a5e-9d3c-1e2f3a4b5c6d"}},
	})
	if err != nil {
		t.Fatalf("extension origin rejected: %v", err)
	}
	conn.CloseNow()
}
