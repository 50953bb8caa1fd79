// Package watcher keeps project image counts in step with upload directories.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"orthoforge/internal/fsutil"
	"orthoforge/internal/storage"
)

// Counter receives recounted image totals.
type Counter interface {
	RecordImages(ctx context.Context, id string, count int) error
}

// UploadEvent is emitted after a project's images were recounted.
type UploadEvent struct {
	ProjectID string    `json:"project_id"`
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // created, modified, deleted, renamed
	Images    int       `json:"images"`
	Time      time.Time `json:"time"`
}

// Watcher monitors upload directories and records image counts, moving
// projects from created to uploading on their first image.
type Watcher struct {
	watcher *fsnotify.Watcher
	layout  fsutil.Layout
	store   Counter
	log     *slog.Logger
	Events  chan UploadEvent

	mu      sync.Mutex
	watched map[string]bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher over layout. It does nothing until Start.
func New(layout fsutil.Layout, store Counter, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher: fw,
		layout:  layout,
		store:   store,
		log:     logger,
		Events:  make(chan UploadEvent, 100),
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}, nil
}

// Start watches the upload directory of every existing project and begins
// processing events.
func (w *Watcher) Start() error {
	dirs, err := filepath.Glob(filepath.Join(w.layout.Root, "projects", "*", "uploads"))
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := w.add(dir); err != nil {
			return err
		}
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Watch adds the upload directory of projectID, creating it when missing.
func (w *Watcher) Watch(projectID string) error {
	dir := w.layout.UploadDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return w.add(dir)
}

func (w *Watcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	w.log.Debug("Watching upload directory", "dir", dir)
	return nil
}

// Stop ends event processing and closes Events.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.Events)
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}
			if !fsutil.IsImageFile(event.Name) {
				continue
			}
			w.recount(event.Name, operation)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("Upload watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) recount(path, operation string) {
	id := w.layout.ProjectFromUploadPath(path)
	if id == "" {
		return
	}
	images, err := fsutil.ListImages(w.layout.UploadDir(id))
	if err != nil {
		w.log.Warn("Failed to list uploads", "project", id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = w.store.RecordImages(ctx, id, len(images))
	switch {
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		// processing already started or the project is gone; counts are frozen
		w.log.Debug("Ignoring upload change", "project", id, "path", path, "error", err)
		return
	case err != nil:
		w.log.Warn("Failed to record image count", "project", id, "error", err)
		return
	}

	ev := UploadEvent{ProjectID: id, Path: path, Operation: operation, Images: len(images), Time: time.Now()}
	select {
	case w.Events <- ev:
	default:
		w.log.Warn("Upload event buffer full, dropping event", "path", path)
	}
}
