// Package rest provides the status and metrics HTTP server.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commatea/BleX-Bridge/pkg/bluetooth"
	"github.com/commatea/BleX-Bridge/pkg/logger"
)

// Server represents the status API server.
type Server struct {
	coordinator *bluetooth.Coordinator
	log         *logger.Logger
	srv         *http.Server
	config      ServerConfig
}

// ServerConfig holds status server configuration.
type ServerConfig struct {
	Port int
}

// NewServer creates a new status server.
func NewServer(coordinator *bluetooth.Coordinator, config ServerConfig, log *logger.Logger) *Server {
	return &Server{
		coordinator: coordinator,
		config:      config,
		log:         log,
	}
}

// Start starts the status server.
func (s *Server) Start() error {
	r := mux.NewRouter()
	s.registerRoutes(r)

	addr := fmt.Sprintf("127.0.0.1:%d", s.config.Port)
	if s.config.Port == 0 {
		addr = "127.0.0.1:21328"
	}

	s.srv = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	s.log.Info("Status server listening", "addr", addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Status server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the status server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/devices", s.handleDevices).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.coordinator.GetInfo(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.coordinator.Registry().Snapshot())
}
