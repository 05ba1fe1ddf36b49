package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morenocuratelo/archivista/internal/core/domain"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
)

// Server exposes pipeline health and status over HTTP.
type Server struct {
	collector  *Collector
	dispatcher *AlertDispatcher
	quarantine storage.QuarantineRepository
	server     *http.Server
}

// NewServer creates the monitor HTTP server.
func NewServer(
	collector *Collector,
	dispatcher *AlertDispatcher,
	quarantineRepo storage.QuarantineRepository,
	port int,
) *Server {
	mux := http.NewServeMux()
	s := &Server{
		collector:  collector,
		dispatcher: dispatcher,
		quarantine: quarantineRepo,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/quarantine", s.handleQuarantine)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.dispatcher.Status(s.collector.Latest())

	w.Header().Set("Content-Type", "application/json")
	if status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.Latest()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   s.dispatcher.Status(snap),
		"snapshot": snap,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.Latest()
	states := map[domain.JobState]int{}
	if snap != nil {
		states = snap.States
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"states": states})
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	recs, err := s.quarantine.ListOpen(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.dispatcher.History())
}
