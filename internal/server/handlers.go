package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"orthoforge/internal/fsutil"
	"orthoforge/internal/logging"
	"orthoforge/internal/storage"
)

var errBadRequest = errors.New("bad request")

// maxUploadBytes caps a single image upload request.
const maxUploadBytes = 4 << 30

type createProjectRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type uploadResponse struct {
	Saved  []string `json:"saved"`
	Images int      `json:"images"`
}

type zoomResponse struct {
	Min   int  `json:"min"`
	Max   int  `json:"max"`
	Best  int  `json:"best"`
	Empty bool `json:"empty,omitempty"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		limit = n
	}
	projects, err := s.opts.Store.ListProjects(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.ID != "" {
		if safe, err := fsutil.SafeName(req.ID); err != nil || safe != req.ID {
			writeError(w, fmt.Errorf("%w: invalid project id %q", errBadRequest, req.ID))
			return
		}
	}

	p, err := s.opts.Store.CreateProject(r.Context(), req.Name, req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := os.MkdirAll(s.opts.Layout.UploadDir(p.ID), 0o755); err != nil {
		writeError(w, err)
		return
	}
	if s.opts.Watcher != nil {
		if err := s.opts.Watcher.Watch(p.ID); err != nil {
			s.log.Warn("Failed to watch upload directory", "project", p.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.opts.Store.GetProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.opts.Store.GetProject(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.opts.Store.Events(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleUploadImages streams every "images" part of a multipart body into
// the project's upload directory.
func (s *Server) handleUploadImages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.opts.Store.GetProject(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !p.Status.CanStartProcessing() {
		writeError(w, fmt.Errorf("%w: uploads closed, status is %s", storage.ErrConflict, p.Status))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	dir := s.opts.Layout.UploadDir(id)
	var saved []string
	var total int64
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		if part.FormName() != "images" || part.FileName() == "" {
			part.Close()
			continue
		}
		if !fsutil.IsImageFile(part.FileName()) {
			part.Close()
			writeError(w, fmt.Errorf("%w: unsupported image type %q", errBadRequest, part.FileName()))
			return
		}
		path, n, err := fsutil.WriteAtomic(dir, part.FileName(), part)
		part.Close()
		if err != nil {
			writeError(w, fmt.Errorf("save %s: %w", part.FileName(), err))
			return
		}
		saved = append(saved, filepath.Base(path))
		total += n
	}
	if len(saved) == 0 {
		writeError(w, fmt.Errorf("%w: no images in request", errBadRequest))
		return
	}

	images, err := fsutil.ListImages(dir)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Store.RecordImages(r.Context(), id, len(images)); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("Images uploaded", "project", id, "files", len(saved), "size", logging.Bytes(total), "total_images", len(images))
	writeJSON(w, http.StatusOK, uploadResponse{Saved: saved, Images: len(images)})
}

func (s *Server) handleStartProcessing(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.opts.Orchestrator.StartProcessing(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(storage.StatusProcessing)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.opts.Orchestrator.CancelTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel_requested"})
}

func (s *Server) handleZoomRange(w http.ResponseWriter, r *http.Request) {
	zr, err := s.opts.Orchestrator.GetTileZoomRange(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if zr == nil {
		writeJSON(w, http.StatusOK, zoomResponse{Empty: true})
		return
	}
	writeJSON(w, http.StatusOK, zoomResponse{Min: zr.Min, Max: zr.Max, Best: zr.Best})
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.opts.Store.GetProject(r.Context(), vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Status != storage.StatusReady {
		writeError(w, fmt.Errorf("%w: status is %s", storage.ErrConflict, p.Status))
		return
	}
	// the route pattern restricts z, x and y to digits
	path := filepath.Join(s.opts.Layout.TileDir(p.ID), vars["z"], vars["x"], vars["y"]+".png")
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, path)
}

// handleStream relays run events as server-sent events, optionally
// filtered by ?project=.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	project := r.URL.Query().Get("project")
	events, unsubscribe := s.opts.Orchestrator.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if project != "" && ev.ProjectID != project {
				continue
			}
			payload, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}
