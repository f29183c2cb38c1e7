// Package server exposes the orchestration core over HTTP: build and
// run submission with live NDJSON event streams, status lookup, cancel
// endpoints, artifact retrieval, and a websocket feed of all events.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tabulist/ade/artifact"
	"github.com/tabulist/ade/config"
	"github.com/tabulist/ade/dispatch"
	"github.com/tabulist/ade/track"
)

// Server is the HTTP front end of the dispatcher.
type Server struct {
	cfg        *config.Config
	store      *track.Store
	dispatcher *dispatch.Dispatcher
	layout     *artifact.Layout
	hub        *Hub
	logger     *zap.SugaredLogger
	httpServer *http.Server
}

// New creates a server and wires the dispatcher's event feed into the
// websocket hub.
func New(cfg *config.Config, store *track.Store, dispatcher *dispatch.Dispatcher, layout *artifact.Layout, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		layout:     layout,
		hub:        NewHub(cfg.Server.AllowedOrigins, logger),
		logger:     logger,
	}
	dispatcher.OnEvent(s.hub.Broadcast)
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/builds", s.handleBuilds)
	mux.HandleFunc("/api/builds/", s.handleBuildByID)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunByID)
	mux.HandleFunc("/ws", s.hub.HandleWS)
	return mux
}

// Start begins serving on the configured port. Blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	port := config.DefaultServerPort
	if s.cfg.Server.Port != nil {
		port = *s.cfg.Server.Port
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("Server listening", "port", port)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"in_flight": s.dispatcher.InFlight(),
	})
}
