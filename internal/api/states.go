package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/ish-core/internal/entity"
)

// setStateRequest is the body of POST /api/states/{entity_id}.
type setStateRequest struct {
	State      *string        `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// handleAPIRoot answers the liveness check used by Home Assistant clients.
func (s *Server) handleAPIRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API running."})
}

// handleListStates returns every entity ordered by entity ID.
func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List(r.Context()))
}

// handleGetState returns one entity.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entity_id")
	if err := entity.ValidateID(id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	e, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleSetState creates or replaces an entity. Responds 201 when the
// entity was created and 200 when it was updated.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entity_id")

	var req setStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			writeBadRequest(w, "request body is required")
			return
		}
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if req.State == nil {
		writeBadRequest(w, "state is required")
		return
	}

	e, created, err := s.store.Set(r.Context(), id, *req.State, req.Attributes)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Location", "/api/states/"+id)
	writeJSON(w, status, e)
}
