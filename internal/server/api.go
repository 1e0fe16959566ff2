package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
	"github.com/Jay-Karia/wherewasi-sub000/internal/export"
	"github.com/Jay-Karia/wherewasi-sub000/internal/sessionstore"
	"github.com/Jay-Karia/wherewasi-sub000/internal/storage"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

const maxImportBytes = 32 << 20

// API serves session edits triggered by the UI.
type API struct {
	store *sessionstore.Store
	db    *sql.DB
}

// NewAPI creates the handler set. db backs /api/assignments and may be nil.
func NewAPI(store *sessionstore.Store, db *sql.DB) *API {
	return &API{store: store, db: db}
}

// Routes registers the API on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", a.listSessions)
		r.Post("/import", a.importSessions)
		r.Get("/{id}", a.getSession)
		r.Patch("/{id}", a.updateSession)
		r.Delete("/{id}", a.deleteSession)
		r.Post("/{id}/remove-tabs", a.removeTabs)
		r.Post("/{id}/move", a.moveTab)
	})
	r.Get("/overflow", a.overflow)
	if a.db != nil {
		r.Get("/assignments", a.assignments)
	}
}

// listSessions handles GET /api/sessions. ?format=markdown renders the digest.
func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.store.GetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, export.Markdown(sessions, time.Now()))
		return
	}
	out, err := export.JSON(sessions)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, out)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type importResponse struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// importSessions handles POST /api/sessions/import with an exported array.
func (a *API) importSessions(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	sessions, invalid, err := export.ParseSessions(data)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, e := range invalid {
		applog.Warn("api.import.invalid", "error", e.Error())
	}
	stats, err := a.store.ImportMerge(r.Context(), sessions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, importResponse{
		Added:   stats.Added,
		Updated: stats.Updated,
		Skipped: stats.Skipped + len(invalid),
	})
}

type updateRequest struct {
	Title   *string `json:"title"`
	Summary *string `json:"summary"`
}

// updateSession handles PATCH /api/sessions/{id}.
func (a *API) updateSession(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == nil && req.Summary == nil {
		writeError(w, &types.ValidationError{Index: -1, Field: "body", Reason: "title or summary is required"})
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	if req.Title != nil {
		if err := a.store.UpdateTitle(ctx, id, *req.Title); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Summary != nil {
		if err := a.store.UpdateSummary(ctx, id, *req.Summary); err != nil {
			writeError(w, err)
			return
		}
	}
	a.getSession(w, r)
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type removeTabsRequest struct {
	Indices []int `json:"indices"`
}

func (a *API) removeTabs(w http.ResponseWriter, r *http.Request) {
	var req removeTabsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.store.RemoveTabs(r.Context(), chi.URLParam(r, "id"), req.Indices); err != nil {
		writeError(w, err)
		return
	}
	a.getSession(w, r)
}

type moveRequest struct {
	Target string `json:"target"`
	Index  *int   `json:"index"`
}

func (a *API) moveTab(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Target == "" || req.Index == nil {
		writeError(w, &types.ValidationError{Index: -1, Field: "body", Reason: "target and index are required"})
		return
	}
	if err := a.store.MoveTab(r.Context(), chi.URLParam(r, "id"), req.Target, *req.Index); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) overflow(w http.ResponseWriter, r *http.Request) {
	closed, err := a.store.Overflow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if closed == nil {
		closed = []types.ClosedTabRecord{}
	}
	writeJSON(w, http.StatusOK, closed)
}

type assignmentJSON struct {
	TabID      int       `json:"tabId"`
	URL        string    `json:"url"`
	SessionID  string    `json:"sessionId"`
	Reason     string    `json:"reason"`
	Created    bool      `json:"created"`
	AssignedAt time.Time `json:"assignedAt"`
}

// assignments handles GET /api/assignments?session=<id>&limit=<n>.
func (a *API) assignments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := storage.ListAssignments(r.Context(), a.db, r.URL.Query().Get("session"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]assignmentJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, assignmentJSON{
			TabID:      row.TabID,
			URL:        row.URL,
			SessionID:  row.SessionID,
			Reason:     row.Reason,
			Created:    row.Created,
			AssignedAt: row.AssignedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &types.ValidationError{Index: -1, Field: "body", Reason: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps store errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *types.ValidationError
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeStatus(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve), errors.Is(err, types.ErrEmptyImport):
		writeStatus(w, http.StatusBadRequest, err.Error())
	case types.IsTransient(err):
		applog.Error("api.transient", err)
		writeStatus(w, http.StatusServiceUnavailable, err.Error())
	default:
		applog.Error("api.error", err)
		writeStatus(w, http.StatusInternalServerError, err.Error())
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// requestLog logs method, path, status and duration of each API call.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		applog.Info("api.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
