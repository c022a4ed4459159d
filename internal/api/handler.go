// Package api exposes the HTTP surface: search, entry lookup, ingestion
// status and refresh, and cache administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oyvindek/nordlex/internal/cache"
	"github.com/oyvindek/nordlex/internal/ingest"
	"github.com/oyvindek/nordlex/internal/lexicon"
	"github.com/oyvindek/nordlex/internal/search"
	apperrors "github.com/oyvindek/nordlex/pkg/errors"
	"github.com/oyvindek/nordlex/pkg/logger"
)

// Handler serves the public API. Any collaborator other than the engine and
// store may be nil, which disables its endpoints with a 503.
type Handler struct {
	engine   *search.Engine
	store    *lexicon.Store
	cache    *cache.Tiered
	pipeline *ingest.Pipeline
	logger   *slog.Logger
}

// NewHandler builds the API handler.
func NewHandler(engine *search.Engine, store *lexicon.Store, c *cache.Tiered, pipeline *ingest.Pipeline) *Handler {
	return &Handler{
		engine:   engine,
		store:    store,
		cache:    c,
		pipeline: pipeline,
		logger:   logger.WithComponent("api"),
	}
}

// Register installs all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.handleSearch)
	mux.HandleFunc("GET /api/v1/entries/{id}", h.handleEntry)
	mux.HandleFunc("GET /api/v1/ingest/status", h.handleIngestStatus)
	mux.HandleFunc("POST /api/v1/ingest/refresh", h.handleIngestRefresh)
	mux.HandleFunc("GET /api/v1/cache/stats", h.handleCacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.handleCacheInvalidate)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	opts := search.Options{}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidOptions,
				http.StatusBadRequest, "limit %q is not an integer", raw))
			return
		}
		opts.Limit = limit
	}

	resp, err := h.engine.Search(r.Context(), query, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.store.GetByID(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInternal,
			http.StatusServiceUnavailable, "ingestion pipeline not configured"))
		return
	}
	h.writeJSON(w, http.StatusOK, h.pipeline.Status())
}

// handleIngestRefresh kicks off a background run and returns immediately.
// An overlapping request gets a 409 with the current status.
func (h *Handler) handleIngestRefresh(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInternal,
			http.StatusServiceUnavailable, "ingestion pipeline not configured"))
		return
	}
	if h.pipeline.Status().Running {
		h.writeJSON(w, http.StatusConflict, h.pipeline.Status())
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := h.pipeline.LoadAll(ctx); err != nil && !errors.Is(err, ingest.ErrAlreadyRunning) {
			h.logger.Error("manual refresh failed", "error", err)
		}
	}()
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInternal,
			http.StatusServiceUnavailable, "cache not configured"))
		return
	}
	h.writeJSON(w, http.StatusOK, h.cache.Stats())
}

// handleCacheInvalidate drops cached results. With an older_than duration
// parameter only persistent records past that age are swept; without one
// every tier is purged.
func (h *Handler) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInternal,
			http.StatusServiceUnavailable, "cache not configured"))
		return
	}
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		age, err := time.ParseDuration(raw)
		if err != nil || age < 0 {
			h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidOptions,
				http.StatusBadRequest, "older_than %q is not a duration", raw))
			return
		}
		removed, err := h.cache.InvalidateOlderThan(r.Context(), age)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
		return
	}

	if err := h.cache.Purge(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	if status >= 500 {
		log.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
