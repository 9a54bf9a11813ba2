package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/refnote/internal/records"
	"github.com/kalambet/refnote/internal/session"
)

const maxRequestBodySize = 1 << 20

type AppDeps struct {
	Session *session.Session
	Token   string
	Logger  *slog.Logger
}

// NewAppHandler serves the local HTTP API. Everything except /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/state", handleState(deps))
		r.Post("/query", handleQuery(deps))

		r.Get("/history", handleListHistory(deps))
		r.Delete("/history/{id}", handleDeleteHistory(deps))

		r.Get("/notes", handleListNotes(deps))
		r.Post("/notes", handleCreateNote(deps))
		r.Delete("/notes/{id}", handleDeleteNote(deps))

		r.Get("/web-imports", handleListWebImports(deps))
		r.Delete("/web-imports/{id}", handleDeleteWebImport(deps))
		r.Post("/web-imports/{id}/convert", handleConvertWebImport(deps))

		r.Post("/selection/toggle", handleToggleSelection(deps))
		r.Delete("/selection", handleClearSelection(deps))

		r.Post("/imports", handleStartImport(deps))
		r.Post("/imports/confirm", handleConfirmImport(deps))
		r.Delete("/imports", handleCancelImport(deps))

		r.Delete("/data", handleDeleteAll(deps))
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Session.Snapshot())
	}
}

type QueryRequest struct {
	Query string `json:"query"`
}

type QueryResponse struct {
	Response      string `json:"response"`
	HistoryID     string `json:"history_id"`
	HistoryStored bool   `json:"history_stored"`
	NoteID        string `json:"note_id,omitempty"`
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Session.Filter(r.Context(), req.Query)
		if err != nil {
			writeError(w, err)
			return
		}
		out := QueryResponse{
			Response:      res.Response,
			HistoryID:     res.History.ID,
			HistoryStored: res.HistoryStored,
		}
		if res.Note != nil {
			out.NoteID = res.Note.ID
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, paginate(r, deps.Session.Snapshot().History))
	}
}

func handleDeleteHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		found, err := deps.Session.DeleteHistory(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if !found {
			httpError(w, http.StatusNotFound, "not_found", "history entry not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListNotes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, paginate(r, deps.Session.Snapshot().Notes))
	}
}

type NoteRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func handleCreateNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req NoteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		n, err := deps.Session.SaveNote(r.Context(), req.Title, req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, n)
	}
}

func handleDeleteNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.DeleteNote(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListWebImports(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, paginate(r, deps.Session.Snapshot().WebImports))
	}
}

func handleDeleteWebImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.DeleteWebImport(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleConvertWebImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Session.ConvertWebImport(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, n)
	}
}

type ToggleRequest struct {
	Kind records.Kind `json:"kind"`
	ID   string       `json:"id"`
}

func handleToggleSelection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ToggleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		var (
			selected bool
			err      error
		)
		switch req.Kind {
		case records.KindNote:
			selected, err = deps.Session.ToggleNote(r.Context(), req.ID)
		case records.KindWebImport:
			selected, err = deps.Session.ToggleWebImport(r.Context(), req.ID)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "kind must be %q or %q", records.KindNote, records.KindWebImport)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"selected": selected})
	}
}

func handleClearSelection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.ClearSelection(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

type ImportRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func handleStartImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ImportRequest
		if !decodeBody(w, r, &req) {
			return
		}
		st, err := deps.Session.ImportURL(r.Context(), req.URL, req.Title)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type ConfirmRequest struct {
	// As is "web_import" (default) or "note".
	As records.Kind `json:"as"`
}

func handleConfirmImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConfirmRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		switch req.As {
		case "", records.KindWebImport:
			wi, err := deps.Session.ConfirmImportAsWebImport(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, wi)
		case records.KindNote:
			n, err := deps.Session.ConfirmImportAsNote(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, n)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "as must be %q or %q", records.KindWebImport, records.KindNote)
		}
	}
}

func handleCancelImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.CancelImport(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
	}
}

func handleDeleteAll(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.DeleteAll(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// paginate applies the limit and offset query parameters. It never returns nil.
func paginate[T any](r *http.Request, items []T) []T {
	limit := parseIntParam(r, "limit", 50, 500)
	if limit == 0 {
		limit = 50
	}
	offset := parseIntParam(r, "offset", 0, 0)
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
