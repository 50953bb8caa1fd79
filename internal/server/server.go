// Package server is the HTTP surface: project creation, image upload,
// processing triggers, status, tiles and live event streams.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"orthoforge/internal/fsutil"
	"orthoforge/internal/grpcserver"
	"orthoforge/internal/pipeline"
	"orthoforge/internal/storage"
	"orthoforge/internal/tiles"
)

// Orchestrator is the processing surface the handlers drive.
type Orchestrator interface {
	StartProcessing(ctx context.Context, projectID string) error
	GetTileZoomRange(ctx context.Context, projectID string) (*tiles.ZoomRange, error)
	CancelTask(ctx context.Context, projectID string) error
	Subscribe() (<-chan pipeline.Event, func())
}

// Watcher starts watching a new project's upload directory.
type Watcher interface {
	Watch(projectID string) error
}

// NodeReporter reports compute node reachability.
type NodeReporter interface {
	Status() grpcserver.NodeStatus
}

// Options wires a Server. Watcher, WebSocket, MCP and Node are optional.
type Options struct {
	Addr         string
	Store        *storage.Store
	Layout       fsutil.Layout
	Orchestrator Orchestrator
	Watcher      Watcher
	WebSocket    http.Handler
	MCP          http.Handler
	Node         NodeReporter
	Logger       *slog.Logger
}

// Server wraps the HTTP listener.
type Server struct {
	opts   Options
	log    *slog.Logger
	router *mux.Router
	server *http.Server
}

// New builds the router; Start listens.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{opts: opts, log: logger}
	s.router = mux.NewRouter()
	s.setupRoutes(s.router)
	return s
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/projects", s.handleListProjects).Methods("GET")
	r.HandleFunc("/projects", s.handleCreateProject).Methods("POST")
	r.HandleFunc("/projects/{id}", s.handleGetProject).Methods("GET")
	r.HandleFunc("/projects/{id}/events", s.handleProjectEvents).Methods("GET")
	r.HandleFunc("/projects/{id}/images", s.handleUploadImages).Methods("POST")
	r.HandleFunc("/projects/{id}/process", s.handleStartProcessing).Methods("POST")
	r.HandleFunc("/projects/{id}/cancel", s.handleCancel).Methods("POST")
	r.HandleFunc("/projects/{id}/tiles/zoom", s.handleZoomRange).Methods("GET")
	r.HandleFunc("/projects/{id}/tiles/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}.png", s.handleTile).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	if s.opts.WebSocket != nil {
		r.Handle("/ws", s.opts.WebSocket).Methods("GET")
	}
	if s.opts.MCP != nil {
		r.PathPrefix("/mcp").Handler(s.opts.MCP)
	}
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down HTTP server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("HTTP server starting", "addr", s.opts.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidState), errors.Is(err, storage.ErrConflict), errors.Is(err, pipeline.ErrNoTask):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrNotEnoughImages), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.opts.Node != nil {
		resp["compute"] = s.opts.Node.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}
