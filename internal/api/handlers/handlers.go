// Package handlers implements the HTTP handlers for the Attune engine.
// All session mutation goes through the engine so its per-session
// sequencing applies; handlers never touch the store for writes.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/attune-health/attune/internal/engine"
	"github.com/attune-health/attune/internal/protocol"
	"github.com/attune-health/attune/internal/store"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store  store.Store
	Engine *engine.Engine
	Table  *protocol.Table
}

// New creates a Handlers instance.
func New(s store.Store, e *engine.Engine, table *protocol.Table) *Handlers {
	return &Handlers{Store: s, Engine: e, Table: table}
}

// ── Session Handlers ─────────────────────────────────────────

func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.StartSession(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	sessions, err := h.Store.ListSessions(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	s, err := h.Store.GetSession(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if err := h.Store.DeleteSession(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("session", id).Msg("session deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if err := h.Engine.CancelSession(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ── Turn Handler ─────────────────────────────────────────────

type turnRequest struct {
	Text string `json:"text"`
}

func (h *Handlers) ProcessTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.Engine.ProcessTurn(r.Context(), id, req.Text)
	if err != nil {
		switch {
		case store.IsNotFound(err):
			respondError(w, http.StatusNotFound, "session not found")
		case err == engine.ErrSessionClosed:
			respondError(w, http.StatusConflict, "session is closed")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Protocol Handler ─────────────────────────────────────────

func (h *Handlers) GetProtocol(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"initial":  h.Table.Initial(),
		"terminal": h.Table.Terminal(),
		"states":   h.Table.StateIDs(),
	})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
