package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	apimw "github.com/NTM-Digital/ntmServices/internal/httpapi/middleware"
	"github.com/NTM-Digital/ntmServices/internal/repo"
	"github.com/NTM-Digital/ntmServices/internal/scheduler"
)

// WorkerSource exposes the running workers for diagnostics.
type WorkerSource interface {
	Snapshot() []scheduler.WorkerInfo
}

// Server is the administration and diagnostics API. Monitor edits reach the
// engine only through the store's change feed.
type Server struct {
	Logger    *zap.Logger
	Monitors  repo.MonitorStore
	Incidents repo.IncidentStore
	Workers   WorkerSource
	Metrics   http.Handler
}

func NewServer(l *zap.Logger, ms repo.MonitorStore, is repo.IncidentStore, ws WorkerSource, metrics http.Handler) *Server {
	return &Server{Logger: l, Monitors: ms, Incidents: is, Workers: ws, Metrics: metrics}
}

// Router builds the handler. origins limits CORS; nil allows any origin.
// Read routes take a public or admin key, write routes an admin key.
func (s *Server) Router(keys apimw.Keys, origins []string, pubRPM, pubBurst, admRPM, admBurst int) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(apimw.RequestLogger(s.Logger))
	if len(origins) == 0 {
		r.Use(cors.AllowAll().Handler)
	} else {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(apimw.RequireAny(keys))
			r.Use(apimw.RateLimit(pubRPM, pubBurst))
			r.Get("/monitors", s.handleListMonitors)
			r.Get("/monitors/{id}", s.handleGetMonitor)
			r.Get("/monitors/{id}/incidents", s.handleListIncidents)
			r.Get("/workers", s.handleWorkers)
		})
		r.Group(func(r chi.Router) {
			r.Use(apimw.RequireAdmin(keys))
			r.Use(apimw.RateLimit(admRPM, admBurst))
			r.Post("/monitors", s.handleCreateMonitor)
			r.Patch("/monitors/{id}", s.handleUpdateMonitor)
			r.Delete("/monitors/{id}", s.handleDeleteMonitor)
		})
	})

	return r
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.Workers == nil {
		writeJSON(w, http.StatusOK, []scheduler.WorkerInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.Workers.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
