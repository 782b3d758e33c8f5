package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/ish-core/internal/entity"
	"github.com/nerrad567/ish-core/internal/service"
)

// decodeOptionalObject reads a JSON object body. An empty body yields an
// empty map.
func decodeOptionalObject(r *http.Request) (map[string]any, error) {
	data := map[string]any{}
	if r.Body == nil {
		return data, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// handleListServices returns the registered services grouped by domain.
func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Services())
}

// handleCallService dispatches a service call. The body is the service data,
// optionally including entity_id as a string or list.
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	svc := chi.URLParam(r, "service")

	data, err := decodeOptionalObject(r)
	if err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	targets, err := service.TargetsFromData(data)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	affected, err := s.dispatcher.Call(r.Context(), service.Call{
		Domain:    domain,
		Service:   svc,
		EntityIDs: targets,
		Data:      data,
		Principal: principalFromRequest(r),
		Source:    service.SourceREST,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if affected == nil {
		affected = []entity.Entity{}
	}
	writeJSON(w, http.StatusOK, affected)
}

// handleFireEvent publishes a custom event to WebSocket subscribers.
func (s *Server) handleFireEvent(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "event_type")

	data, err := decodeOptionalObject(r)
	if err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	if _, err := s.bus.Fire(r.Context(), eventType, data); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Event %s fired.", eventType),
	})
}

// handleConfig reports the server configuration in Home Assistant shape.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.configPayload())
}

func (s *Server) configPayload() map[string]any {
	domains := s.store.Domains()
	components := make([]string, 0, len(domains))
	for d := range domains {
		components = append(components, d)
	}
	sort.Strings(components)

	return map[string]any{
		"location_name": s.haCfg.LocationName,
		"version":       s.haCfg.Version,
		"components":    components,
		"time_zone":     "UTC",
		"state":         "RUNNING",
	}
}

// handleHistory returns recorded state changes for one entity, newest
// first. Responds 404 when history recording is disabled.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeNotFound(w, "history recording is disabled")
		return
	}
	id := chi.URLParam(r, "entity_id")
	if err := entity.ValidateID(id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.history.GetHistory(r.Context(), id, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
