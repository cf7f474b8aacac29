// Package health serves the bridge's local status endpoint.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/helm-home/helm-bridge/internal/journal"
)

// Status is the snapshot reported by /health.
type Status struct {
	Status         string `json:"status"`
	Paired         bool   `json:"paired"`
	HubConnected   bool   `json:"hubConnected"`
	CloudConnected bool   `json:"cloudConnected"`
	EntityCount    int    `json:"entityCount"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	Version        string `json:"version"`
}

// Server exposes bridge status over plain HTTP on the configured port.
type Server struct {
	port   int
	status func() Status
	recent func(n int) ([]journal.Event, error)
	log    zerolog.Logger
	router *chi.Mux
}

// New creates a health server. status is polled on every request; recent
// supplies the diagnostics journal tail for /events and may be nil.
func New(port int, status func() Status, recent func(n int) ([]journal.Event, error), log zerolog.Logger) *Server {
	s := &Server{
		port:   port,
		status: status,
		recent: recent,
		log:    log.With().Str("component", "health").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEvents)
	s.router = r
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	w.Header().Set("Content-Type", "application/json")
	if st.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.log.Debug().Err(err).Msg("failed to write health response")
	}
}

// eventView is the /events wire shape for one journal row.
type eventView struct {
	RecordedAt string `json:"recordedAt"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

const defaultEventLimit = 50

// handleEvents serves the diagnostics journal tail, newest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.recent == nil {
		json.NewEncoder(w).Encode([]eventView{})
		return
	}

	limit := defaultEventLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.recent(limit)
	if err != nil {
		s.log.Debug().Err(err).Msg("failed to read journal events")
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}

	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			RecordedAt: e.RecordedAt.UTC().Format(time.RFC3339),
			Kind:       e.Kind,
			Detail:     e.Detail,
		})
	}
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.log.Debug().Err(err).Msg("failed to write events response")
	}
}

// Run starts the server. It blocks until the listener fails.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.log.Info().Str("addr", addr).Msg("starting health endpoint")
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
