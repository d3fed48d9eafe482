// File: internal/web/handlers.go
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nullmap-sec/riskgraph/api/schemas"
	"github.com/nullmap-sec/riskgraph/internal/engine"
	"github.com/nullmap-sec/riskgraph/internal/store"
)

// Handlers serves the JSON API. Reads and bare row operations go straight to
// the repository; mutations that touch the graph, the timeline, or the live
// feed route through the importer so locking, cache invalidation, and
// broadcasts stay consistent.
type Handlers struct {
	log      *zap.Logger
	repo     store.Repository
	importer *engine.Importer
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(repo store.Repository, importer *engine.Importer, logger *zap.Logger) *Handlers {
	return &Handlers{
		log:      logger.Named("api"),
		repo:     repo,
		importer: importer,
	}
}

// RegisterRoutes sets up the versioned API routing.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.HandleCreateSession)
			r.Get("/", h.HandleListSessions)
			r.Get("/{sessionID}", h.HandleGetSession)
			r.Delete("/{sessionID}", h.HandleDeleteSession)
			r.Get("/{sessionID}/targets", h.HandleListTargets)
			r.Get("/{sessionID}/events", h.HandleListEvents)
		})

		r.Route("/targets", func(r chi.Router) {
			r.Get("/{targetID}", h.HandleGetTarget)
			r.Delete("/{targetID}", h.HandleDeleteTarget)
			r.Get("/{targetID}/findings", h.HandleListFindings)
		})

		r.Route("/findings", func(r chi.Router) {
			r.Post("/", h.HandleAddFinding)
			r.Delete("/{findingID}", h.HandleDeleteFinding)
		})

		r.Post("/import", h.HandleImport)
		r.Post("/score", h.HandleScore)

		r.Get("/graph/{sessionID}", h.HandleGetGraph)
		r.Delete("/graph/{sessionID}", h.HandleClearGraph)

		r.Get("/stats", h.HandleStats)
		r.Get("/health", h.HandleHealth)
	})
}

// HandleCreateSession registers a new engagement.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.respondError(w, http.StatusBadRequest, "session name is required")
		return
	}

	sess, err := h.repo.CreateSession(r.Context(), req.Name, req.RootDomain)
	if err != nil {
		h.respondStoreError(w, err, "Failed to create session")
		return
	}
	h.respondSuccess(w, http.StatusCreated, sess)
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		h.respondStoreError(w, err, "Failed to list sessions")
		return
	}
	h.respondSuccess(w, http.StatusOK, sessions)
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.repo.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondStoreError(w, err, "Failed to fetch session")
		return
	}
	h.respondSuccess(w, http.StatusOK, sess)
}

// HandleDeleteSession cascades the session and everything it owns.
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.importer.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.respondStoreError(w, err, "Failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.repo.ListTargets(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondStoreError(w, err, "Failed to list targets")
		return
	}
	h.respondSuccess(w, http.StatusOK, targets)
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.repo.ListEvents(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondStoreError(w, err, "Failed to list events")
		return
	}
	h.respondSuccess(w, http.StatusOK, events)
}

func (h *Handlers) HandleGetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := h.repo.GetTarget(r.Context(), chi.URLParam(r, "targetID"))
	if err != nil {
		h.respondStoreError(w, err, "Failed to fetch target")
		return
	}
	h.respondSuccess(w, http.StatusOK, target)
}

// HandleDeleteTarget removes one target and its exclusive slice of the graph.
func (h *Handlers) HandleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := h.importer.DeleteTarget(r.Context(), chi.URLParam(r, "targetID")); err != nil {
		h.respondStoreError(w, err, "Failed to delete target")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleListFindings(w http.ResponseWriter, r *http.Request) {
	findings, err := h.repo.ListFindings(r.Context(), chi.URLParam(r, "targetID"))
	if err != nil {
		h.respondStoreError(w, err, "Failed to list findings")
		return
	}
	h.respondSuccess(w, http.StatusOK, findings)
}

// HandleAddFinding records a manual observation against a target.
func (h *Handlers) HandleAddFinding(w http.ResponseWriter, r *http.Request) {
	var input schemas.FindingInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if input.TargetID == "" {
		h.respondError(w, http.StatusBadRequest, "target_id is required")
		return
	}
	if strings.TrimSpace(input.Description) == "" {
		h.respondError(w, http.StatusBadRequest, "description is required")
		return
	}

	finding, err := h.importer.AddFinding(r.Context(), input)
	if err != nil {
		h.respondStoreError(w, err, "Failed to add finding")
		return
	}
	h.respondSuccess(w, http.StatusCreated, finding)
}

func (h *Handlers) HandleDeleteFinding(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteFinding(r.Context(), chi.URLParam(r, "findingID")); err != nil {
		h.respondStoreError(w, err, "Failed to delete finding")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleImport ingests a recon batch. A per-target failure surfaces in the
// result breakdown, never as a request failure.
func (h *Handlers) HandleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var (
		result schemas.ImportResult
		err    error
	)
	switch {
	case req.SessionID != "":
		result, err = h.importer.Import(r.Context(), req.SessionID, req.Targets)
	case strings.TrimSpace(req.SessionName) != "":
		_, result, err = h.importer.ImportByName(r.Context(), req.SessionName, req.RootDomain, req.Targets)
	default:
		h.respondError(w, http.StatusBadRequest, "session_id or session_name is required")
		return
	}
	if err != nil {
		h.respondStoreError(w, err, "Import failed")
		return
	}
	h.respondSuccess(w, http.StatusOK, result)
}

// HandleScore evaluates a single record without persisting anything.
func (h *Handlers) HandleScore(w http.ResponseWriter, r *http.Request) {
	var rec schemas.TargetRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	eval, err := h.importer.EvaluateRisk(rec)
	if err != nil {
		h.respondStoreError(w, err, "Failed to score record")
		return
	}
	h.respondSuccess(w, http.StatusOK, eval)
}

// HandleGetGraph serves the session graph; an unknown session yields empty
// node and edge sets rather than an error.
func (h *Handlers) HandleGetGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := h.importer.GetGraph(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondStoreError(w, err, "Failed to fetch graph")
		return
	}
	h.respondSuccess(w, http.StatusOK, graph)
}

func (h *Handlers) HandleClearGraph(w http.ResponseWriter, r *http.Request) {
	if err := h.importer.ClearGraph(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.respondStoreError(w, err, "Failed to clear graph")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.Stats(r.Context())
	if err != nil {
		h.respondStoreError(w, err, "Failed to compute stats")
		return
	}
	h.respondSuccess(w, http.StatusOK, stats)
}

// HandleHealth reports process liveness and storage reachability.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		h.log.Warn("Health check failed to reach storage", zap.Error(err))
		h.respondJSON(w, http.StatusServiceUnavailable, apiResponse{
			Success: false,
			Data:    healthResponse{Status: "degraded", Database: "unreachable"},
		})
		return
	}
	h.respondSuccess(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
}

// respondStoreError maps the store sentinels onto HTTP statuses; anything
// unrecognized is a logged 500 with a generic message.
func (h *Handlers) respondStoreError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrCascadeConflict):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateSession):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrMalformedRecord):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error(logMsg, zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondError sends a standardized JSON error envelope.
func (h *Handlers) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, apiResponse{Success: false, Error: message})
}

// respondSuccess sends a standardized JSON success envelope.
func (h *Handlers) respondSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondJSON(w, statusCode, apiResponse{Success: true, Data: data})
}

func (h *Handlers) respondJSON(w http.ResponseWriter, statusCode int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
