// Package api serves a read-only view of batch progress over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/batch"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/events"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/ratelimit"
	"go.uber.org/zap"
)

// ManifestReader lists batch progress.
type ManifestReader interface {
	ListManifest(ctx context.Context) ([]batch.Entry, error)
	ManifestEntry(ctx context.Context, subject string) (batch.Entry, error)
}

// OutcomeReader returns the node results of a subject's latest run.
type OutcomeReader interface {
	NodeOutcomes(ctx context.Context, subject string) (string, []graph.NodeResult, error)
}

// EventReader returns a run's recorded events.
type EventReader interface {
	History(ctx context.Context, runID string) ([]events.Event, error)
}

// Handler holds dependencies for HTTP handlers. Only the manifest is
// required; the other readers add detail when configured.
type Handler struct {
	manifest ManifestReader
	outcomes OutcomeReader
	events   EventReader
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

func NewHandler(manifest ManifestReader, logger *zap.Logger) *Handler {
	return &Handler{manifest: manifest, logger: logger}
}

func (h *Handler) WithOutcomes(o OutcomeReader) *Handler {
	h.outcomes = o
	return h
}

func (h *Handler) WithEvents(e EventReader) *Handler {
	h.events = e
	return h
}

func (h *Handler) WithLimiter(l *ratelimit.Limiter) *Handler {
	h.limiter = l
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/manifest", h.listManifest)
		r.Get("/subjects/{subject}", h.getSubject)
		r.Get("/subjects/{subject}/events", h.subjectEvents)
		r.Get("/limits", h.listLimits)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listManifest(w http.ResponseWriter, r *http.Request) {
	entries, err := h.manifest.ListManifest(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if entries == nil {
		entries = []batch.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type subjectResponse struct {
	Entry batch.Entry        `json:"entry"`
	RunID string             `json:"run_id,omitempty"`
	Nodes []graph.NodeResult `json:"nodes,omitempty"`
}

func (h *Handler) getSubject(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	entry, err := h.manifest.ManifestEntry(r.Context(), subject)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := subjectResponse{Entry: entry}
	if h.outcomes != nil {
		runID, nodes, err := h.outcomes.NodeOutcomes(r.Context(), subject)
		switch {
		case err == nil:
			resp.RunID, resp.Nodes = runID, nodes
		case !errors.Is(err, batch.ErrNotFound):
			h.logger.Warn("load node outcomes", zap.String("subject", subject), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) subjectEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "event stream not configured"})
		return
	}
	entry, err := h.manifest.ManifestEntry(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if entry.RunID == "" {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	evs, err := h.events.History(r.Context(), entry.RunID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *Handler) listLimits(w http.ResponseWriter, r *http.Request) {
	out := []ratelimit.Stats{}
	if h.limiter != nil {
		for _, c := range h.limiter.Classes() {
			if s, err := h.limiter.Stats(c); err == nil {
				out = append(out, s)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, batch.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Error("api request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
