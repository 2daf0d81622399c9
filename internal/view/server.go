// internal/view/server.go
package view

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"energy-monitor/internal/engine"
)

// Server exposes the engine's reconciled state as JSON for external
// renderers. Everything visual lives outside this repository; a renderer
// polls these endpoints and posts user actions back through them.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
}

func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	return &Server{engine: eng, logger: logger}
}

// Router builds the view routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/view/session", s.handleSession)
	r.Get("/view/summary", s.handleSummary)
	r.Get("/view/devices", s.handleDevices)
	r.Get("/view/alerts", s.handleAlerts)
	r.Get("/view/readings", s.handleReadings)

	r.Post("/view/alerts/{id}/acknowledge", s.handleAcknowledge)
	r.Post("/view/simulation/start", s.handleSimulation(true))
	r.Post("/view/simulation/stop", s.handleSimulation(false))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := s.engine.Session()
	if sess == nil {
		http.Error(w, "no active session", http.StatusUnauthorized)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"username":               sess.Username,
		"role":                   sess.Role,
		"can_control_simulation": sess.CanControlSimulation(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.engine.Summary()
	if !ok {
		// Nothing applied yet; the renderer shows its loading state.
		http.Error(w, "summary not loaded", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, summary)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.DeviceViews())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.ActiveAlerts())
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.Readings())
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.AcknowledgeAlert(id); err != nil {
		if errors.Is(err, engine.ErrAckRejected) {
			http.Error(w, "alert not acknowledgeable", http.StatusConflict)
			return
		}
		http.Error(w, "acknowledge failed", http.StatusInternalServerError)
		return
	}
	// Optimistic: the alert is already gone from the active set. The
	// confirmation outcome surfaces through /view/alerts (ack_failed).
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleSimulation(running bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.engine.SetSimulation(running)
		switch {
		case err == nil:
			s.writeJSON(w, map[string]string{"status": "ok"})
		case errors.Is(err, engine.ErrForbidden):
			http.Error(w, "role not permitted", http.StatusForbidden)
		default:
			s.logger.Warn("simulation command failed", "running", running, "error", err)
			http.Error(w, "simulation command failed", http.StatusBadGateway)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode view response", "error", err)
	}
}
