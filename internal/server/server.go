package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
)

// IncomingMsg is a frame from the extension. Tab events carry Type; the
// content scrape carries Action.
type IncomingMsg struct {
	Type     string          `json:"type,omitempty"`
	Action   string          `json:"action,omitempty"`
	Tab      json.RawMessage `json:"tab,omitempty"`
	Tabs     json.RawMessage `json:"tabs,omitempty"`
	TabID    int             `json:"tabId,omitempty"`
	WindowID int             `json:"windowId,omitempty"`
	Changed  json.RawMessage `json:"changed,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Kind returns Type, or Action for frames that only carry an action.
func (m IncomingMsg) Kind() string {
	if m.Type != "" {
		return m.Type
	}
	return m.Action
}

// Outgoing actions.
const (
	ActionSessionAssigned = "session.assigned"
	ActionStorageChanged  = "storage.changed"
)

// OutgoingMsg is a notification from the daemon to the extension.
type OutgoingMsg struct {
	Action    string   `json:"action"`
	SessionID string   `json:"sessionId,omitempty"`
	TabID     int      `json:"tabId,omitempty"`
	Created   *bool    `json:"created,omitempty"`
	Keys      []string `json:"keys,omitempty"`
	Area      string   `json:"area,omitempty"`
}

// Options configures the HTTP surface next to the websocket.
type Options struct {
	API     *API
	Metrics http.Handler
}

// Server manages the WebSocket connection to the extension and serves the
// HTTP API on the same listener.
type Server struct {
	port    int
	opts    Options
	msgs    chan IncomingMsg
	mu      sync.Mutex
	conn    *websocket.Conn
	connCtx context.Context
}

// New creates a new Server. Port 0 means the caller manages the listener.
func New(port int, opts Options) *Server {
	return &Server{
		port: port,
		opts: opts,
		msgs: make(chan IncomingMsg, 64),
	}
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Messages returns the channel of incoming messages from the extension.
func (s *Server) Messages() <-chan IncomingMsg {
	return s.msgs
}

// Connected reports whether an extension is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes msg to the connected extension. It is a no-op when nothing is
// connected.
func (s *Server) Send(msg OutgoingMsg) error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	applog.Debug("ws.send", "action", msg.Action)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Handler returns an http.Handler that accepts WebSocket upgrades. A new
// connection replaces the previous one.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Origins are checked by checkOrigin. websocket's own check only
		// compares hosts and would reject extension origins.
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			applog.Error("ws.accept", err)
			return
		}

		// Snapshots of large browsing sessions can be big.
		conn.SetReadLimit(16 << 20)

		ctx := r.Context()
		s.mu.Lock()
		if s.conn != nil {
			applog.Info("ws.replaced")
			s.conn.CloseNow()
		}
		s.conn = conn
		s.connCtx = ctx
		s.mu.Unlock()

		applog.Info("ws.connected", "remote", r.RemoteAddr)

		defer func() {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				s.connCtx = nil
			}
			s.mu.Unlock()
			conn.CloseNow()
			applog.Info("ws.disconnected")
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg IncomingMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				applog.Error("ws.parse", err)
				continue
			}
			applog.Debug("ws.recv", "kind", msg.Kind())
			// Never drop a frame; a full channel stalls the reader.
			select {
			case s.msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	})
}

// Router mounts the websocket on / and /ws, metrics on /metrics and the
// session API under /api.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(checkOrigin)

	ws := s.Handler()
	r.Handle("/", ws)
	r.Handle("/ws", ws)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}
	if s.opts.API != nil {
		r.Route("/api", func(r chi.Router) {
			r.Use(requestLog)
			r.Use(middleware.AllowContentType("application/json"))
			s.opts.API.Routes(r)
		})
	}
	return r
}

// extensionSchemes are the browser-extension origins allowed to connect.
var extensionSchemes = map[string]bool{
	"moz-extension":    true,
	"chrome-extension": true,
}

// allowedOrigin accepts requests without an Origin header (non-browser
// clients such as the CLI), from an extension, or from the daemon's own host.
func allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if extensionSchemes[strings.ToLower(u.Scheme)] {
		return true
	}
	return u.Host != "" && strings.EqualFold(u.Host, r.Host)
}

// checkOrigin rejects requests made by web pages.
func checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowedOrigin(r) {
			applog.Warn("http.origin_rejected", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves on 127.0.0.1 at the configured port until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	applog.Info("server.start", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
