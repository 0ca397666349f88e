package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/config"
	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/repo"
)

const maxPayloadBytes = 64 << 10

type createPayload struct {
	Name          string              `json:"name"`
	URL           string              `json:"url"`
	Expected      *domain.Expectation `json:"expected_response"`
	CheckInterval *int                `json:"check_interval"`
	RetryInterval *int                `json:"retry_interval"`
}

func isValidHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

func validInterval(p *int) bool { return p == nil || *p >= 1 }

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(v)
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	ms, err := s.Monitors.List(r.Context())
	if err != nil {
		s.Logger.Error("list_monitors_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	if ms == nil {
		ms = []domain.Monitor{}
	}
	writeJSON(w, http.StatusOK, ms)
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := s.Monitors.Get(r.Context(), domain.MonitorID(chi.URLParam(r, "id")))
	if s.storeError(w, "get_monitor_failed", err) {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	var p createPayload
	if err := decode(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	p.Name = strings.TrimSpace(p.Name)
	p.URL = strings.TrimSpace(p.URL)
	if p.Name == "" || p.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	if !isValidHTTPURL(p.URL) {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	if !validInterval(p.CheckInterval) || !validInterval(p.RetryInterval) {
		writeError(w, http.StatusBadRequest, "intervals must be at least 1 second")
		return
	}

	m := &domain.Monitor{
		Name:          p.Name,
		URL:           p.URL,
		CheckInterval: config.DefaultCheckInterval,
		RetryInterval: config.DefaultRetryInterval,
	}
	if p.Expected != nil {
		m.Expected = *p.Expected
	}
	if p.CheckInterval != nil {
		m.CheckInterval = *p.CheckInterval
	}
	if p.RetryInterval != nil {
		m.RetryInterval = *p.RetryInterval
	}

	if err := s.Monitors.Create(r.Context(), m); err != nil {
		s.Logger.Error("create_monitor_failed", zap.String("url", m.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create monitor")
		return
	}
	s.Logger.Info("monitor_created",
		zap.String("monitor_id", string(m.ID)),
		zap.String("name", m.Name),
		zap.String("url", m.URL),
	)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateMonitor(w http.ResponseWriter, r *http.Request) {
	var p domain.MonitorPatch
	if err := decode(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	if p.Empty() {
		writeError(w, http.StatusBadRequest, repo.ErrNoFields.Error())
		return
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		p.Name = &name
	}
	if p.URL != nil {
		u := strings.TrimSpace(*p.URL)
		p.URL = &u
	}
	if p.URL != nil && !isValidHTTPURL(*p.URL) {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	if !validInterval(p.CheckInterval) || !validInterval(p.RetryInterval) {
		writeError(w, http.StatusBadRequest, "intervals must be at least 1 second")
		return
	}

	id := domain.MonitorID(chi.URLParam(r, "id"))
	m, err := s.Monitors.Update(r.Context(), id, p)
	if s.storeError(w, "update_monitor_failed", err) {
		return
	}
	s.Logger.Info("monitor_updated", zap.String("monitor_id", string(id)))
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMonitor(w http.ResponseWriter, r *http.Request) {
	id := domain.MonitorID(chi.URLParam(r, "id"))
	if s.storeError(w, "delete_monitor_failed", s.Monitors.Delete(r.Context(), id)) {
		return
	}
	s.Logger.Info("monitor_deleted", zap.String("monitor_id", string(id)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	id := domain.MonitorID(chi.URLParam(r, "id"))
	if _, err := s.Monitors.Get(r.Context(), id); s.storeError(w, "get_monitor_failed", err) {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	incs, err := s.Incidents.ListIncidents(r.Context(), id, limit)
	if err != nil {
		s.Logger.Error("list_incidents_failed", zap.String("monitor_id", string(id)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	if incs == nil {
		incs = []domain.Incident{}
	}
	writeJSON(w, http.StatusOK, incs)
}

// storeError writes the response for a store error and reports whether it
// did.
func (s *Server) storeError(w http.ResponseWriter, event string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "monitor not found")
	case errors.Is(err, repo.ErrNoFields):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.Logger.Error(event, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store error")
	}
	return true
}
